// Package ratelimit mirrors the server's per-party send quota on the client.
//
// The Tracker never decides on its own that the quota is exhausted; it
// records what the server reports. Acknowledgements carry the remaining
// quota, and a RATE_LIMITED rejection blocks the tracker for the advertised
// retry-after interval. While blocked, Allow fails locally so no request
// reaches the transport. The block clears itself when the interval elapses
// and the remaining quota resets to the limit.
package ratelimit
