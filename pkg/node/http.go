package node

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/cuemby/hutch/pkg/manager"
	"github.com/cuemby/hutch/pkg/metrics"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// httpHandler serves metrics, health and read-only cluster state
func (n *Node) httpHandler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", n.health.HealthHandler())
	r.Get("/ready", n.health.ReadyHandler())
	r.Get("/live", n.health.LivenessHandler())
	r.Handle("/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Get("/status", n.getStatus)
		r.Get("/plugins", n.listPlugins)
		r.Get("/plugins/{name}/{version}", n.getPlugin)
		r.Get("/plugins/{name}/{version}/services/{service}/config", n.getConfig)
		r.Get("/routes", n.listRoutes)
		r.Get("/endpoints", n.listEndpoints)
	})
	return r
}

func (n *Node) getStatus(w http.ResponseWriter, r *http.Request) {
	status, err := n.Status()
	writeJSON(w, status, err)
}

func (n *Node) listPlugins(w http.ResponseWriter, r *http.Request) {
	plugins, err := n.catalog.List()
	writeJSON(w, plugins, err)
}

func (n *Node) getPlugin(w http.ResponseWriter, r *http.Request) {
	info, err := n.pluginInfo(chi.URLParam(r, "name"), chi.URLParam(r, "version"))
	writeJSON(w, info, err)
}

func (n *Node) getConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := n.catalog.GetConfig(chi.URLParam(r, "name"), chi.URLParam(r, "version"), chi.URLParam(r, "service"))
	writeJSON(w, cfg, err)
}

func (n *Node) listRoutes(w http.ResponseWriter, r *http.Request) {
	routes, err := n.store.ListRoutes()
	writeJSON(w, routes, err)
}

type endpointView struct {
	Plugin  string `json:"plugin"`
	Service string `json:"service"`
	Version string `json:"version"`
	Path    string `json:"path"`
}

func (n *Node) listEndpoints(w http.ResponseWriter, r *http.Request) {
	eps := n.endpoints.List()
	out := make([]endpointView, 0, len(eps))
	for _, ep := range eps {
		out = append(out, endpointView{Plugin: ep.Plugin, Service: ep.Service, Version: ep.Version, Path: ep.Path})
	}
	writeJSON(w, out, nil)
}

func writeJSON(w http.ResponseWriter, v any, err error) {
	w.Header().Set("Content-Type", "application/json")
	if err != nil {
		w.WriteHeader(httpStatus(err))
		_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
		return
	}
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(v)
}

func httpStatus(err error) int {
	switch {
	case errors.Is(err, manager.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, manager.ErrInvalid):
		return http.StatusBadRequest
	case errors.Is(err, manager.ErrConflict), errors.Is(err, manager.ErrExists):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}
