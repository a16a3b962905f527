package rpc

import (
	"encoding/json"

	"github.com/cuemby/hutch/pkg/types"
)

// Built-in procedures served by every node without registration
const (
	ProcInstanceInfo = ".proc_instance_info"
	ProcVersionInfo  = ".proc_version_info"
	ProcRouteTable   = ".proc_route_table"
)

// APIVersion is the version of the RPC request format
const APIVersion = "1.0.0"

// InstanceInfo is the reply of ProcInstanceInfo
type InstanceInfo struct {
	InstanceID   string           `json:"instance_id"`
	ReplicasetID string           `json:"replicaset_id"`
	Tier         string           `json:"tier"`
	Address      string           `json:"address"`
	Status       types.NodeStatus `json:"status"`
	IsMaster     bool             `json:"is_master"`
	AppliedIndex uint64           `json:"applied_index"`
}

// VersionInfo is the reply of ProcVersionInfo
type VersionInfo struct {
	Version    string `json:"version"`
	APIVersion string `json:"rpc_api_version"`
}

func (r *Router) builtin(req *Request) ([]byte, error) {
	var (
		out any
		err error
	)
	switch req.Path {
	case ProcInstanceInfo:
		out, err = r.instanceInfo()
	case ProcVersionInfo:
		out = VersionInfo{Version: r.cfg.Version, APIVersion: APIVersion}
	case ProcRouteTable:
		out, err = r.routeTable(req.Context.serviceKey())
	default:
		return nil, errorf(CodeNoEndpoint, "no built-in procedure `%s`", req.Path)
	}
	if err != nil {
		return nil, err
	}
	return json.Marshal(out)
}

func (r *Router) instanceInfo() (*InstanceInfo, error) {
	node, err := r.node(r.cfg.NodeID)
	if err != nil {
		return nil, err
	}
	info := &InstanceInfo{
		InstanceID:   node.ID,
		ReplicasetID: node.ReplicasetID,
		Tier:         node.Tier,
		Address:      node.Address,
		Status:       node.Status,
	}
	if rs, err := r.cfg.Store.GetReplicaset(node.ReplicasetID); err == nil {
		info.IsMaster = rs.MasterID == node.ID
	}
	if info.AppliedIndex, err = r.cfg.Store.AppliedIndex(); err != nil {
		return nil, err
	}
	return info, nil
}

// routeTable returns the routes of the caller's service
func (r *Router) routeTable(key types.ServiceKey) ([]*types.Route, error) {
	routes, err := r.cfg.Store.ListServiceRoutes(key)
	if err != nil {
		return nil, err
	}
	if routes == nil {
		routes = []*types.Route{}
	}
	return routes, nil
}
