package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	App      AppConfig      `mapstructure:"app"`
	Server   ServerConfig   `mapstructure:"server"`
	Log      LogConfig      `mapstructure:"log"`
	Store    StoreConfig    `mapstructure:"store"`
	Source   SourceConfig   `mapstructure:"source"`
	Pipeline PipelineConfig `mapstructure:"pipeline"`
	Builders BuildersConfig `mapstructure:"builders"`
}

type AppConfig struct {
	Env string `mapstructure:"env"`
}

type ServerConfig struct {
	HTTPAddr string `mapstructure:"http_addr"`
}

type LogConfig struct {
	Level             string `mapstructure:"level"`
	Encoding          string `mapstructure:"encoding"`
	Development       bool   `mapstructure:"development"`
	Sampling          bool   `mapstructure:"sampling"`
	DisableCaller     bool   `mapstructure:"disable_caller"`
	DisableStacktrace bool   `mapstructure:"disable_stacktrace"`
}

type StoreConfig struct {
	Backend   string `mapstructure:"backend"` // "memory" or "redis"
	RedisAddr string `mapstructure:"redis_addr"`
	RedisDB   int    `mapstructure:"redis_db"`
}

type SourceConfig struct {
	BaseURL   string        `mapstructure:"base_url"`
	StreamURL string        `mapstructure:"stream_url"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

type PipelineConfig struct {
	Underlyings     []string      `mapstructure:"underlyings"`
	DTEWindowDays   int           `mapstructure:"dte_window_days"`
	SpotInterval    time.Duration `mapstructure:"spot_interval"`
	ChainInterval   time.Duration `mapstructure:"chain_interval"`
	TrailLength     int           `mapstructure:"trail_length"`
	RecordTTL       time.Duration `mapstructure:"record_ttl"`
	EpochGrace      time.Duration `mapstructure:"epoch_grace"`
	TickBatchWindow time.Duration `mapstructure:"tick_batch_window"`
	TickBatchMax    int           `mapstructure:"tick_batch_max"`
	TickQueueSize   int           `mapstructure:"tick_queue_size"`
}

type BuildersConfig struct {
	Interval  time.Duration       `mapstructure:"interval"`
	Freshness time.Duration       `mapstructure:"freshness"`
	Heatmap   HeatmapConfig       `mapstructure:"heatmap"`
	Profile   VolumeProfileConfig `mapstructure:"profile"`
	Bias      BiasConfig          `mapstructure:"bias"`
	Selector  TradeSelectorConfig `mapstructure:"selector"`
}

type HeatmapConfig struct {
	MaxWidthSteps int `mapstructure:"max_width_steps"`
}

type VolumeProfileConfig struct {
	BinSize  float64       `mapstructure:"bin_size"`
	Lookback time.Duration `mapstructure:"lookback"`
}

type BiasConfig struct {
	GammaScale     float64 `mapstructure:"gamma_scale"`
	CompressionAbs float64 `mapstructure:"compression_abs"`
	ExpansionAbs   float64 `mapstructure:"expansion_abs"`
}

type TradeSelectorConfig struct {
	MaxResults    int     `mapstructure:"max_results"`
	RewardRiskCap float64 `mapstructure:"reward_risk_cap"`
}

func Load(path string, envOnly bool) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("MASSIVE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.AutomaticEnv()
	v.SetDefault("app.env", "dev")
	v.SetDefault("server.http_addr", ":8090")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.encoding", "console")
	v.SetDefault("log.development", true)
	v.SetDefault("log.sampling", false)
	v.SetDefault("log.disable_caller", false)
	v.SetDefault("log.disable_stacktrace", false)
	v.SetDefault("store.backend", "memory")
	v.SetDefault("store.redis_addr", "localhost:6379")
	v.SetDefault("store.redis_db", 0)
	v.SetDefault("source.base_url", "https://api.massive.local")
	v.SetDefault("source.stream_url", "wss://stream.massive.local/v1/ticks")
	v.SetDefault("source.timeout", "5s")
	v.SetDefault("pipeline.underlyings", []string{"SPX"})
	v.SetDefault("pipeline.dte_window_days", 5)
	v.SetDefault("pipeline.spot_interval", "1s")
	v.SetDefault("pipeline.chain_interval", "10s")
	v.SetDefault("pipeline.trail_length", 600)
	v.SetDefault("pipeline.record_ttl", "60s")
	v.SetDefault("pipeline.epoch_grace", "30s")
	v.SetDefault("pipeline.tick_batch_window", "250ms")
	v.SetDefault("pipeline.tick_batch_max", 256)
	v.SetDefault("pipeline.tick_queue_size", 4096)
	v.SetDefault("builders.interval", "1s")
	v.SetDefault("builders.freshness", "30s")
	v.SetDefault("builders.heatmap.max_width_steps", 3)
	v.SetDefault("builders.profile.bin_size", 5)
	v.SetDefault("builders.profile.lookback", "10m")
	v.SetDefault("builders.bias.gamma_scale", 1e9)
	v.SetDefault("builders.bias.compression_abs", 60)
	v.SetDefault("builders.bias.expansion_abs", 25)
	v.SetDefault("builders.selector.max_results", 10)
	v.SetDefault("builders.selector.reward_risk_cap", 20)

	if !envOnly {
		if err := v.ReadInConfig(); err != nil {
			return Config{}, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}

	return cfg, nil
}
