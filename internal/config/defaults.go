package config

import "time"

const (
	DefaultPort             = 3004
	DefaultPath             = "/"
	DefaultPingInterval     = 30 * time.Second
	DefaultWriteTimeout     = 10 * time.Second
	DefaultClientSendBuffer = 64
	DefaultReadLimit        = 1 << 20
	DefaultSubjectPrefix    = "connbroker"
)

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Broker: BrokerConfig{
			Port:             DefaultPort,
			Path:             DefaultPath,
			PingInterval:     DefaultPingInterval,
			WriteTimeout:     DefaultWriteTimeout,
			ClientSendBuffer: DefaultClientSendBuffer,
			ReadLimit:        DefaultReadLimit,
		},
		Logging: DefaultLoggingConfig(),
		Events: EventsConfig{
			SubjectPrefix: DefaultSubjectPrefix,
		},
	}
}

// DefaultLoggingConfig returns info-level text logging to stderr.
func DefaultLoggingConfig() LoggingConfig {
	return LoggingConfig{
		Level:  "info",
		Format: "text",
		Output: "stderr",
	}
}

// applyDefaults fills zero-valued fields the file left out.
func applyDefaults(cfg *Config) {
	d := Default()
	if cfg.Broker.Port == 0 {
		cfg.Broker.Port = d.Broker.Port
	}
	if cfg.Broker.Path == "" {
		cfg.Broker.Path = d.Broker.Path
	}
	if cfg.Broker.PingInterval == 0 {
		cfg.Broker.PingInterval = d.Broker.PingInterval
	}
	if cfg.Broker.WriteTimeout == 0 {
		cfg.Broker.WriteTimeout = d.Broker.WriteTimeout
	}
	if cfg.Broker.ClientSendBuffer == 0 {
		cfg.Broker.ClientSendBuffer = d.Broker.ClientSendBuffer
	}
	if cfg.Broker.ReadLimit == 0 {
		cfg.Broker.ReadLimit = d.Broker.ReadLimit
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = d.Logging.Level
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = d.Logging.Format
	}
	if cfg.Logging.Output == "" {
		cfg.Logging.Output = d.Logging.Output
	}
	if cfg.Events.SubjectPrefix == "" {
		cfg.Events.SubjectPrefix = d.Events.SubjectPrefix
	}
}
