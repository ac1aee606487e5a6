// Package netstatus reports whether the host currently has connectivity.
//
// The channel drains its offline queue only while the Monitor reports online,
// and it skips the reconnect backoff when the monitor flips back to online.
// DialMonitor derives the status from periodic TCP dials; Manual is set by hand
// and serves tests and embedders that already know the status.
package netstatus
