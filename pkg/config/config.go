package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	Pipeline  PipelineConfig
	Collector CollectorConfig
	LLM       LLMConfig
	Geocoder  GeocoderConfig
	Cache     CacheConfig
	Store     StoreConfig
	Server    ServerConfig
	Logging   LoggingConfig
}

type PipelineConfig struct {
	// Mode selects the scheduler: "sequential" or "parallel".
	Mode    string
	Regions []string
	// Months in "2006-01" form; the run covers the regions × months matrix.
	Months []string

	CollectWorkers int
	FilterWorkers  int
	ExtractWorkers int

	SimilarityThreshold float64
	WindowDays          int

	TriageBatchSize  int
	SingleBatchSize  int
	MultiBatchSize   int
	ClusterBatchSize int

	PromptVersion        string
	MinGeocodeConfidence float64

	MaxAttempts int
	BaseDelayMS int
}

type CollectorConfig struct {
	BaseURL    string
	UserAgent  string
	TimeoutSec int
}

type LLMConfig struct {
	APIKey      string
	BaseURL     string
	Model       string
	Temperature float32
	MaxTokens   int
	TimeoutSec  int
}

type GeocoderConfig struct {
	BaseURL    string
	UserAgent  string
	TimeoutSec int
}

type CacheConfig struct {
	// Backend is "badger" (embedded, default) or "redis".
	Backend string
	Path    string

	RedisHost     string
	RedisPort     int
	RedisPassword string
	RedisDB       int
}

type StoreConfig struct {
	Path string
}

type ServerConfig struct {
	Enabled      bool
	Host         string
	Port         int
	ReadTimeout  int
	WriteTimeout int
}

type LoggingConfig struct {
	Level      string
	Format     string
	OutputPath string
}

func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")
	viper.AddConfigPath("/etc/incident-pipeline")

	viper.SetEnvPrefix("INCIDENT_PIPELINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &config, nil
}

func setDefaults() {
	viper.SetDefault("pipeline.mode", "parallel")
	viper.SetDefault("pipeline.collectWorkers", 8)
	viper.SetDefault("pipeline.filterWorkers", 8)
	viper.SetDefault("pipeline.extractWorkers", 4)
	viper.SetDefault("pipeline.similarityThreshold", 0.5)
	viper.SetDefault("pipeline.windowDays", 7)
	viper.SetDefault("pipeline.triageBatchSize", 25)
	viper.SetDefault("pipeline.singleBatchSize", 10)
	viper.SetDefault("pipeline.multiBatchSize", 3)
	viper.SetDefault("pipeline.clusterBatchSize", 20)
	viper.SetDefault("pipeline.promptVersion", "v3")
	viper.SetDefault("pipeline.minGeocodeConfidence", 0.6)
	viper.SetDefault("pipeline.maxAttempts", 4)
	viper.SetDefault("pipeline.baseDelayMS", 500)

	viper.SetDefault("collector.baseURL", "https://www.presseportal.de/blaulicht")
	viper.SetDefault("collector.userAgent", "incident-pipeline/1.0")
	viper.SetDefault("collector.timeoutSec", 20)

	viper.SetDefault("llm.model", "gpt-4o-mini")
	viper.SetDefault("llm.temperature", 0.1)
	viper.SetDefault("llm.maxTokens", 4096)
	viper.SetDefault("llm.timeoutSec", 120)

	viper.SetDefault("geocoder.baseURL", "https://nominatim.openstreetmap.org")
	viper.SetDefault("geocoder.userAgent", "incident-pipeline/1.0")
	viper.SetDefault("geocoder.timeoutSec", 10)

	viper.SetDefault("cache.backend", "badger")
	viper.SetDefault("cache.path", "./data/cache")
	viper.SetDefault("cache.redisHost", "localhost")
	viper.SetDefault("cache.redisPort", 6379)
	viper.SetDefault("cache.redisDB", 0)

	viper.SetDefault("store.path", "./data/incidents.db")

	viper.SetDefault("server.enabled", true)
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.readTimeout", 30)
	viper.SetDefault("server.writeTimeout", 30)

	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "json")
	viper.SetDefault("logging.outputPath", "stdout")
}
