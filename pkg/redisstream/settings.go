package redisstream

// Settings holds Redis Streams transport configuration for Watermill.
type Settings struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
	// Group is the consumer group. Every broker replica needs its own group
	// to see every event; empty picks a unique one per process.
	Group    string `mapstructure:"group"`
	Consumer string `mapstructure:"consumer"`
	Stream   string `mapstructure:"stream"`
}
