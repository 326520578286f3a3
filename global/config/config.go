package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

// AppConfig is the full process configuration. One instance is loaded at
// boot and handed to the services that need it; nothing reads viper after
// Load returns.
type AppConfig struct {
	Server   ServerConfig   `mapstructure:"server"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Nats     NatsConfig     `mapstructure:"nats"`
	Mongo    MongoConfig    `mapstructure:"mongo"`
	Presence PresenceConfig `mapstructure:"presence"`
	Gateway  GatewayConfig  `mapstructure:"gateway"`
	Log      LogConfig      `mapstructure:"log"`
}

type ServerConfig struct {
	Addr           string   `mapstructure:"addr"`
	NodeID         string   `mapstructure:"node_id"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
	JWTAlg    string `mapstructure:"jwt_alg"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	PoolSize int    `mapstructure:"pool_size"`
}

type NatsConfig struct {
	Servers []string `mapstructure:"servers"`
	Name    string   `mapstructure:"name"`
}

type MongoConfig struct {
	URI         string `mapstructure:"uri"`
	Database    string `mapstructure:"database"`
	Username    string `mapstructure:"username"`
	Password    string `mapstructure:"password"`
	MaxPoolSize int    `mapstructure:"max_pool_size"`
}

type PresenceConfig struct {
	TTL               time.Duration `mapstructure:"ttl"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
}

type GatewayConfig struct {
	SendQueueSize int           `mapstructure:"send_queue_size"`
	UnauthTTL     time.Duration `mapstructure:"unauth_ttl"`
	AuthTTL       time.Duration `mapstructure:"auth_ttl"`
	SweepEvery    time.Duration `mapstructure:"sweep_every"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

// Load reads stafflink.yaml from the given dir (or the working directory)
// with STAFFLINK_* environment overrides, e.g. STAFFLINK_REDIS_ADDR.
func Load(dir string) (*AppConfig, error) {
	v := viper.New()
	v.SetConfigName("stafflink")
	v.SetConfigType("yaml")
	if dir != "" {
		v.AddConfigPath(dir)
	}
	v.AddConfigPath(".")
	v.SetEnvPrefix("stafflink")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		// missing file is fine; defaults + env carry a dev setup
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var cfg AppConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.node_id", "gateway-1")
	v.SetDefault("server.allowed_origins", []string{"http://localhost:3000"})

	v.SetDefault("auth.jwt_alg", "HS256")

	v.SetDefault("redis.addr", "127.0.0.1:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.pool_size", 20)

	v.SetDefault("nats.servers", []string{"nats://127.0.0.1:4222"})
	v.SetDefault("nats.name", "stafflink-relay")

	v.SetDefault("mongo.uri", "mongodb://localhost:27017")
	v.SetDefault("mongo.database", "stafflink")
	v.SetDefault("mongo.max_pool_size", 20)

	v.SetDefault("presence.ttl", 300*time.Second)
	v.SetDefault("presence.heartbeat_interval", 60*time.Second)

	v.SetDefault("gateway.send_queue_size", 256)
	v.SetDefault("gateway.unauth_ttl", 60*time.Second)
	v.SetDefault("gateway.auth_ttl", 2*time.Hour)
	v.SetDefault("gateway.sweep_every", 10*time.Second)

	v.SetDefault("log.level", "debug")
}
