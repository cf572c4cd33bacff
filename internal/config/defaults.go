package config

func Defaults() *Config {
	return &Config{
		General: GeneralConfig{
			DataDir:  "~/.xmtprelay",
			LogLevel: "info",
		},
		XMTP: XMTPConfig{
			GatewayURL:              "ws://127.0.0.1:8546/ws",
			Env:                     "production",
			HandshakeTimeoutSeconds: 30,
		},
		Providers: map[string]ProviderConfig{
			"ollama": {
				Enabled:      true,
				APIBase:      "http://localhost:11434",
				DefaultModel: "llama3.1:8b",
			},
		},
		Generation: GenerationConfig{
			DefaultProvider: "ollama",
			Temperature:     0.7,
			MaxTokens:       8192,
			MaxAttempts:     3,
		},
		Memory: MemoryConfig{
			DBPath:         "~/.xmtprelay/memory.db",
			RecentMessages: 32,
		},
		Metrics: MetricsConfig{
			Enabled:  false,
			Addr:     "127.0.0.1:9464",
			Endpoint: "/metrics",
		},
	}
}
