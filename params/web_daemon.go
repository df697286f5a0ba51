package params

type WebDaemonConfig struct {
	ListenerConfig
	CacheConfig     *CacheConfig
	ProviderConfig  *TileProviderConfig
	FetchConfig     *FetchConfig
	SchedulerConfig *SchedulerConfig

	// ManagerConfig drives websocket viewport sessions.
	ManagerConfig *ManagerConfig
}

func DefaultWebListenerConfig() ListenerConfig {
	return ListenerConfig{
		Network: "tcp",
		Address: "localhost:3000",
	}
}

func DefaultWebDaemonConfig() *WebDaemonConfig {
	return &WebDaemonConfig{
		ListenerConfig:  DefaultWebListenerConfig(),
		CacheConfig:     DefaultCacheConfig(),
		ProviderConfig:  DefaultTileProviderConfig(),
		FetchConfig:     DefaultFetchConfig(),
		SchedulerConfig: DefaultSchedulerConfig(),
		ManagerConfig:   DefaultManagerConfig(),
	}
}
