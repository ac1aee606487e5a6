// Package metrics exposes Prometheus instrumentation for negotiation
// channels.
//
// A Collector owns its own registry so several channels (or tests) never
// collide on the global default registry. All methods are safe on a nil
// *Collector, which lets callers leave metrics disabled without checks.
//
//	m := metrics.NewCollector()
//	http.Handle("/metrics", m.Handler())
package metrics
