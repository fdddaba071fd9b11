package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	DriverMemory = "memory"
	DriverMySQL  = "mysql"
	DriverMongo  = "mongo"
)

// Config is read from the environment, optionally seeded by a config.env file.
type Config struct {
	App     AppConfig
	HTTP    ServerConfig
	GRPC    ServerConfig
	Storage StorageConfig
	Redis   RedisConfig
	Kafka   KafkaConfig
}

type AppConfig struct {
	Env              string // development, staging, production
	LogLevel         string
	OperationTimeout time.Duration
}

type ServerConfig struct {
	Host string
	Port int
}

func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

type StorageConfig struct {
	Driver        string
	MySQLDSN      string
	MongoURI      string
	MongoDatabase string
}

// RedisConfig enables the shared idempotency guard when Addr is set.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// KafkaConfig enables receipt publication when Brokers is non-empty.
type KafkaConfig struct {
	Brokers []string
	Topic   string
}

func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("env")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	_ = v.ReadInConfig() // optional

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	cfg := &Config{
		App: AppConfig{
			Env:              v.GetString("APP_ENV"),
			LogLevel:         v.GetString("LOG_LEVEL"),
			OperationTimeout: v.GetDuration("OPERATION_TIMEOUT"),
		},
		HTTP: ServerConfig{
			Host: v.GetString("HTTP_HOST"),
			Port: v.GetInt("HTTP_PORT"),
		},
		GRPC: ServerConfig{
			Host: v.GetString("GRPC_HOST"),
			Port: v.GetInt("GRPC_PORT"),
		},
		Storage: StorageConfig{
			Driver:        strings.ToLower(v.GetString("STORAGE_DRIVER")),
			MySQLDSN:      v.GetString("MYSQL_DSN"),
			MongoURI:      v.GetString("MONGO_URI"),
			MongoDatabase: v.GetString("MONGO_DATABASE"),
		},
		Redis: RedisConfig{
			Addr:     v.GetString("REDIS_ADDR"),
			Password: v.GetString("REDIS_PASSWORD"),
			DB:       v.GetInt("REDIS_DB"),
		},
		Kafka: KafkaConfig{
			Brokers: splitList(v.GetString("KAFKA_BROKERS")),
			Topic:   v.GetString("KAFKA_TOPIC"),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("APP_ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("OPERATION_TIMEOUT", "5s")
	v.SetDefault("HTTP_HOST", "0.0.0.0")
	v.SetDefault("HTTP_PORT", 8080)
	v.SetDefault("GRPC_HOST", "0.0.0.0")
	v.SetDefault("GRPC_PORT", 50051)
	v.SetDefault("STORAGE_DRIVER", DriverMemory)
	v.SetDefault("MYSQL_DSN", "root:root@tcp(localhost:3306)/cartledger?parseTime=true")
	v.SetDefault("MONGO_URI", "mongodb://localhost:27017/?directConnection=true")
	v.SetDefault("MONGO_DATABASE", "Shop")
	v.SetDefault("REDIS_ADDR", "")
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("KAFKA_BROKERS", "")
	v.SetDefault("KAFKA_TOPIC", "cart.receipts")
}

func (c *Config) validate() error {
	switch c.Storage.Driver {
	case DriverMemory, DriverMySQL, DriverMongo:
	default:
		return fmt.Errorf("unknown STORAGE_DRIVER %q", c.Storage.Driver)
	}
	if c.App.OperationTimeout < 0 {
		return fmt.Errorf("OPERATION_TIMEOUT must not be negative")
	}
	if len(c.Kafka.Brokers) > 0 && c.Kafka.Topic == "" {
		return fmt.Errorf("KAFKA_TOPIC is required when KAFKA_BROKERS is set")
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
