package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Catalog metrics
	PluginsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "hutch_plugins_total",
			Help: "Installed plugin versions by state",
		},
		[]string{"state"},
	)

	RoutesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "hutch_routes_total",
			Help: "Service routes in the cluster by poison flag",
		},
		[]string{"poisoned"},
	)

	NodesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "hutch_nodes_total",
			Help: "Cluster nodes by status",
		},
		[]string{"status"},
	)

	PluginOperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hutch_plugin_operations_total",
			Help: "Operator plugin operations by operation and result",
		},
		[]string{"operation", "result"},
	)

	PluginOperationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "hutch_plugin_operation_duration_seconds",
			Help:    "Operator plugin operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	// Replicated log metrics
	RaftLeader = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "hutch_raft_is_leader",
			Help: "Whether this node is the Raft leader (1 = leader, 0 = follower)",
		},
	)

	AppliedIndex = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "hutch_applied_index",
			Help: "Last log index applied to the local store",
		},
	)

	RaftApplyDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "hutch_raft_apply_duration_seconds",
			Help:    "Time from proposal to commit on the leader in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	CommandsApplied = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hutch_commands_applied_total",
			Help: "Commands applied by the local FSM by op and result",
		},
		[]string{"op", "result"},
	)

	// Runtime metrics
	ServicesRunning = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "hutch_services_running",
			Help: "Plugin services running on this node",
		},
	)

	CallbacksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hutch_callbacks_total",
			Help: "Service lifecycle callback invocations by hook and result",
		},
		[]string{"hook", "result"},
	)

	CallbackDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "hutch_callback_duration_seconds",
			Help:    "Service lifecycle callback duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"hook"},
	)

	BackgroundJobsRunning = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "hutch_background_jobs_running",
			Help: "Background jobs running on this node",
		},
	)

	// Reconciler metrics
	ReconciliationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "hutch_reconciliation_duration_seconds",
			Help:    "Time taken for a full reconciliation pass in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	ReconciliationCyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hutch_reconciliation_cycles_total",
			Help: "Total number of full reconciliation passes",
		},
	)

	// Migration metrics
	MigrationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hutch_migrations_total",
			Help: "Migration runs by direction and result",
		},
		[]string{"direction", "result"},
	)

	MigrationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "hutch_migration_duration_seconds",
			Help:    "Migration run duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"direction"},
	)

	MigrationStatementsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hutch_migration_statements_total",
			Help: "Migration statements executed by section and result",
		},
		[]string{"section", "result"},
	)

	// RPC metrics
	RPCRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hutch_rpc_requests_total",
			Help: "Plugin RPC dispatches by addressing mode and result",
		},
		[]string{"mode", "result"},
	)

	RPCRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "hutch_rpc_request_duration_seconds",
			Help:    "Plugin RPC dispatch duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"mode"},
	)

	TransportCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hutch_transport_calls_total",
			Help: "Node-to-node transport calls by method and status",
		},
		[]string{"method", "status"},
	)

	TransportCallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "hutch_transport_call_duration_seconds",
			Help:    "Node-to-node transport call duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(PluginsTotal)
	prometheus.MustRegister(RoutesTotal)
	prometheus.MustRegister(NodesTotal)
	prometheus.MustRegister(PluginOperationsTotal)
	prometheus.MustRegister(PluginOperationDuration)
	prometheus.MustRegister(RaftLeader)
	prometheus.MustRegister(AppliedIndex)
	prometheus.MustRegister(RaftApplyDuration)
	prometheus.MustRegister(CommandsApplied)
	prometheus.MustRegister(ServicesRunning)
	prometheus.MustRegister(CallbacksTotal)
	prometheus.MustRegister(CallbackDuration)
	prometheus.MustRegister(BackgroundJobsRunning)
	prometheus.MustRegister(ReconciliationDuration)
	prometheus.MustRegister(ReconciliationCyclesTotal)
	prometheus.MustRegister(MigrationsTotal)
	prometheus.MustRegister(MigrationDuration)
	prometheus.MustRegister(MigrationStatementsTotal)
	prometheus.MustRegister(RPCRequestsTotal)
	prometheus.MustRegister(RPCRequestDuration)
	prometheus.MustRegister(TransportCallsTotal)
	prometheus.MustRegister(TransportCallDuration)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Result maps an error to a result label
func Result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
