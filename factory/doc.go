// Package factory builds the collaborators of a tradechat channel from
// configuration.
//
// Configuration is layered: DefaultConfig, then an optional YAML file, then
// environment variables prefixed TRADECHAT_. Values outside their allowed
// range are reset to the default with a warning rather than rejected, so a
// bad override never prevents the client from starting.
//
// # Configuration
//
//	TRADECHAT_SERVER_URL          websocket endpoint (ws:// or wss://)
//	TRADECHAT_USE_SIMULATION      "true" to use the in-memory hub
//	TRADECHAT_HANDSHAKE_TIMEOUT   e.g. "10s"
//	TRADECHAT_REQUEST_TIMEOUT     e.g. "15s"
//	TRADECHAT_RECONNECT_BASE      first reconnect delay
//	TRADECHAT_RECONNECT_MAX       reconnect delay cap
//	TRADECHAT_RECONNECT_ATTEMPTS  attempts before giving up
//	TRADECHAT_RECONNECT_JITTER    multiplicative jitter in [0, 1)
//	TRADECHAT_PAGE_SIZE           history page size
//	TRADECHAT_TYPING_TIMEOUT      local inactivity before "stopped typing"
//	TRADECHAT_REMOTE_TYPING_TTL   expiry of a remote typing indicator
//	TRADECHAT_QUEUE_DIR           pebble directory; empty keeps the queue in memory
//	TRADECHAT_QUEUE_SEAL_KEY      64 hex characters; seals queued entries at rest
//	TRADECHAT_QUEUE_MAX_AGE       age after which queued entries are purged
//	TRADECHAT_PURGE_SCHEDULE      cron expression for the purge job
//	TRADECHAT_CHECK_ADDRESS       host:port dialed to detect connectivity
//	TRADECHAT_CHECK_INTERVAL      check period
//	TRADECHAT_LOG_LEVEL           logrus level
//	TRADECHAT_METRICS_ADDR        listen address for /metrics
//
// # Usage
//
//	cfg, err := factory.LoadConfig("tradechat.yaml")
//	f := factory.NewTransportFactory(cfg)
//	dialer, err := f.CreateDialer(nil)
//	storage, err := f.OpenQueueStorage()
//
// # Mode Switching
//
// SwitchToSimulation and SwitchToReal flip the transport without touching
// the rest of the configuration, which integration tests use to run the same
// client code against the in-memory hub.
package factory
