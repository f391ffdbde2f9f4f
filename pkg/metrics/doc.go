/*
Package metrics exposes Prometheus instrumentation for the kb runtime.

All collectors are package-level and registered once at init. The REST host
mounts Handler() at /metrics.
*/
package metrics
