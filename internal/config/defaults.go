package config

import "time"

func Defaults() *Config {
	return &Config{
		General: GeneralConfig{
			LogLevel:  "info",
			LogFormat: "text",
		},
		Relay: RelayConfig{
			CallTimeoutSeconds: 15,
			RetryAttempts:      2,
			RetryBackoffMs:     500,
			RetentionHours:     24,
			MaxEntries:         50000,
		},
		Reconnect: ReconnectConfig{
			InitialBackoffMs:        1000,
			MaxBackoffSeconds:       30,
			HandshakeTimeoutSeconds: 30,
		},
		Cache: CacheConfig{
			Dir:                 "~/.relaybot/cache",
			FetchTimeoutSeconds: 60,
			MaxFileBytes:        25 << 20,
		},
		Platforms: PlatformsConfig{
			Discord: DiscordConfig{
				IgnoreBots: true,
			},
			OneBot: OneBotConfig{
				WSURL:  "ws://127.0.0.1:6700",
				APIURL: "http://127.0.0.1:5700",
			},
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Addr:    "127.0.0.1:9464",
			Path:    "/metrics",
		},
	}
}

func (r RelayConfig) CallTimeout() time.Duration {
	return time.Duration(r.CallTimeoutSeconds) * time.Second
}

func (r RelayConfig) RetryBackoff() time.Duration {
	return time.Duration(r.RetryBackoffMs) * time.Millisecond
}

func (r RelayConfig) Retention() time.Duration {
	return time.Duration(r.RetentionHours) * time.Hour
}

func (r ReconnectConfig) InitialBackoff() time.Duration {
	return time.Duration(r.InitialBackoffMs) * time.Millisecond
}

func (r ReconnectConfig) MaxBackoff() time.Duration {
	return time.Duration(r.MaxBackoffSeconds) * time.Second
}

func (r ReconnectConfig) HandshakeTimeout() time.Duration {
	return time.Duration(r.HandshakeTimeoutSeconds) * time.Second
}

func (c CacheConfig) FetchTimeout() time.Duration {
	return time.Duration(c.FetchTimeoutSeconds) * time.Second
}
