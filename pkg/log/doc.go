/*
Package log provides structured logging for the kb runtime.

Built on zerolog, it exposes a global logger initialized once at process
startup plus child-binding helpers that attach the correlation fields used
across the execution subsystem (component, plugin_id, execution_id,
trace_id/span_id, worker_id).

The field names produced here are system-reserved: the plugin-facing logger
facade (pkg/pluginctx) refuses to let handler code overwrite them.
*/
package log
