/*
Package metrics provides Prometheus metrics and health endpoints for hutch.

All collectors are registered with the default Prometheus registry in init
and served by Handler. Instrumented code uses NewTimer for durations and
Result to label outcomes:

	timer := metrics.NewTimer()
	defer func() {
		timer.ObserveDurationVec(metrics.MigrationDuration, "up")
		metrics.MigrationsTotal.WithLabelValues("up", metrics.Result(err)).Inc()
	}()

# Metrics

Cluster state, refreshed from the local store by the metrics collector:

	hutch_plugins_total{state}        installed plugins by enabled state
	hutch_routes_total{poisoned}      service routes, poisoned or healthy
	hutch_nodes_total{status}         registered nodes by liveness
	hutch_applied_index               last log index applied locally
	hutch_raft_is_leader              1 on the raft leader

Operations:

	hutch_plugin_operations_total{operation,result}
	hutch_plugin_operation_duration_seconds{operation}
	hutch_commands_applied_total{op,result}
	hutch_raft_apply_duration_seconds
	hutch_reconciliation_cycles_total
	hutch_reconciliation_duration_seconds
	hutch_migrations_total{direction,result}
	hutch_migration_duration_seconds{direction}
	hutch_migration_statements_total{section,result}
	hutch_rpc_requests_total{mode,result}
	hutch_rpc_request_duration_seconds{mode}
	hutch_transport_calls_total{method,status}
	hutch_transport_call_duration_seconds{method}

Services:

	hutch_services_running
	hutch_callbacks_total{hook,result}
	hutch_callback_duration_seconds{hook}
	hutch_background_jobs_running

# Health

Each node owns a Health registry of checks run on every request. The node
registers "log" (a raft leader is known), "transport" and "reconciler"
(running services match the target state) as critical, and "services"
(failed starts and poisoned services) as non-critical.

	GET /health   every component; degraded when only non-critical checks fail
	GET /ready    200 once every critical component is healthy, else 503
	GET /live     200 while the process runs
*/
package metrics
