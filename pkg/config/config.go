package config

import (
	"errors"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var config = viper.New()

type Config struct {
	AppEnv     string `mapstructure:"APP_ENV"`
	AppName    string `mapstructure:"APP_NAME"`
	AppVersion string `mapstructure:"APP_VERSION"`
	TLS        struct {
		Enable   bool   `mapstructure:"ENABLE"`
		CertPath string `mapstructure:"CERT_PATH"`
		KeyPath  string `mapstructure:"KEY_PATH"`
	} `mapstructure:"TLS"`
	Server struct {
		Addr         string        `mapstructure:"ADDR"`
		ReadTimeout  time.Duration `mapstructure:"READ_TIMEOUT"`
		WriteTimeout time.Duration `mapstructure:"WRITE_TIMEOUT"`
		IdleTimeout  time.Duration `mapstructure:"IDLE_TIMEOUT"`
	} `mapstructure:"HTTP_SERVER"`
	Database struct {
		Type           string `mapstructure:"TYPE"`
		Host           string `mapstructure:"HOST"`
		Port           string `mapstructure:"PORT"`
		DBNAME         string `mapstructure:"DBNAME"`
		User           string `mapstructure:"USER"`
		Password       string `mapstructure:"PASSWORD"`
		SSLMode        string `mapstructure:"SSLMODE"`
		Timezone       string `mapstructure:"TIMEZONE"`
		ConnectionPool struct {
			MaxIdleConn     int           `mapstructure:"MAX_IDLE_CONN"`
			MaxOpenConns    int           `mapstructure:"MAX_OPEN_CONNS"`
			ConnMaxLifetime time.Duration `mapstructure:"CONN_MAX_LIFETIME"`
			ConnMaxIdleTime time.Duration `mapstructure:"CONN_MAX_IDLE_TIME"`
		} `mapstructure:"CONNECTION_POOL"`
	} `mapstructure:"DATABASE"`
	Redis struct {
		Addr        string        `mapstructure:"ADDR"`
		Password    string        `mapstructure:"PASSWORD"`
		DB          int           `mapstructure:"DB"`
		PoolSize    int           `mapstructure:"POOL_SIZE"`
		PoolTimeout time.Duration `mapstructure:"POOL_TIMEOUT"`
	} `mapstructure:"REDIS"`
	Scheduler struct {
		PollInterval    time.Duration `mapstructure:"POLL_INTERVAL"`
		ClaimRetries    int           `mapstructure:"CLAIM_RETRIES"`
		LaneCapacity    []int         `mapstructure:"LANE_CAPACITY"`
		LaneThroughput  []float64     `mapstructure:"LANE_THROUGHPUT"`
		QueueCacheTTL   time.Duration `mapstructure:"QUEUE_CACHE_TTL"`
		RefreshInterval time.Duration `mapstructure:"REFRESH_INTERVAL"`
	} `mapstructure:"SCHEDULER"`
	Experiment struct {
		ConfidenceThreshold float64 `mapstructure:"CONFIDENCE_THRESHOLD"`
		MonteCarloRounds    int     `mapstructure:"MONTE_CARLO_ROUNDS"`
	} `mapstructure:"EXPERIMENT"`
}

var Module = fx.Module("config", fx.Provide(LoadConfig))

func LoadConfig() *Config {

	config.SetConfigName("config")
	config.SetConfigType("yaml")
	config.AddConfigPath(".")

	config.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	config.AutomaticEnv()

	setDefaults(config)

	if err := config.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			zap.L().Error("failed to read config file", zap.Error(err))
			os.Exit(1)
		}
	}

	var cfg Config
	if err := config.Unmarshal(&cfg); err != nil {
		zap.L().Error("failed to unmarshal config", zap.Error(err))
		os.Exit(1)
	}

	return &cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("APP_ENV", "development")
	v.SetDefault("APP_NAME", "clipforge-controlplane")

	v.SetDefault("HTTP_SERVER.ADDR", ":8080")
	v.SetDefault("HTTP_SERVER.READ_TIMEOUT", 15*time.Second)
	v.SetDefault("HTTP_SERVER.WRITE_TIMEOUT", 15*time.Second)
	v.SetDefault("HTTP_SERVER.IDLE_TIMEOUT", 60*time.Second)

	v.SetDefault("DATABASE.TYPE", "sqlite")

	v.SetDefault("REDIS.ADDR", "127.0.0.1:6379")
	v.SetDefault("REDIS.POOL_SIZE", 10)
	v.SetDefault("REDIS.POOL_TIMEOUT", 5*time.Second)

	v.SetDefault("SCHEDULER.POLL_INTERVAL", 2*time.Second)
	v.SetDefault("SCHEDULER.CLAIM_RETRIES", 3)
	v.SetDefault("SCHEDULER.LANE_CAPACITY", []int{4, 8, 16})
	v.SetDefault("SCHEDULER.LANE_THROUGHPUT", []float64{1.6, 1.2, 1.0})
	v.SetDefault("SCHEDULER.QUEUE_CACHE_TTL", 5*time.Second)
	v.SetDefault("SCHEDULER.REFRESH_INTERVAL", 30*time.Second)

	v.SetDefault("EXPERIMENT.CONFIDENCE_THRESHOLD", 0.95)
	v.SetDefault("EXPERIMENT.MONTE_CARLO_ROUNDS", 4000)
}

// LaneCapacity returns the capacity for the given lane, falling back to the
// last configured lane when lanes are sparsely configured.
func (c *Config) LaneCapacity(lane int) int {
	caps := c.Scheduler.LaneCapacity
	if len(caps) == 0 {
		return 8
	}
	if lane < 0 || lane >= len(caps) {
		return caps[len(caps)-1]
	}
	return caps[lane]
}

// LaneThroughput returns the relative throughput factor for the given lane.
func (c *Config) LaneThroughput(lane int) float64 {
	tp := c.Scheduler.LaneThroughput
	if len(tp) == 0 {
		return 1.0
	}
	if lane < 0 || lane >= len(tp) {
		return tp[len(tp)-1]
	}
	return tp[lane]
}
