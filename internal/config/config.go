// Package config содержит логику чтения конфигурации сервиса маркетплейса.
package config

import (
	"flag"
	"fmt"

	"github.com/caarlos0/env/v11"
)

// Config содержит параметры конфигурации сервиса маркетплейса.
type Config struct {
	RunAddress            string `env:"RUN_ADDRESS"`
	DatabaseURI           string `env:"DATABASE_URI"`
	PointsProviderAddress string `env:"POINTS_PROVIDER_ADDRESS"`
	RedisAddress          string `env:"REDIS_ADDRESS"`
	KafkaBrokers          string `env:"KAFKA_BROKERS"`
	KafkaTopic            string `env:"KAFKA_TOPIC"`
	JWTSecret             string `env:"JWT_SECRET"`
}

// Parse считывает конфигурацию из флагов командной строки и переменных
// окружения; переменные окружения имеют приоритет.
func Parse() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	fromEnv := *cfg

	flag.StringVar(&cfg.RunAddress, "a", "localhost:8080", "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI")
	flag.StringVar(&cfg.PointsProviderAddress, "p", "", "points provider address")
	flag.StringVar(&cfg.RedisAddress, "redis", "", "redis address for feed cache")
	flag.StringVar(&cfg.KafkaBrokers, "brokers", "", "kafka brokers (comma-separated)")
	flag.StringVar(&cfg.KafkaTopic, "topic", "marketplace-events", "kafka topic for order events")
	flag.StringVar(&cfg.JWTSecret, "secret", "", "JWT signing secret")

	flag.Parse()

	if fromEnv.RunAddress != "" {
		cfg.RunAddress = fromEnv.RunAddress
	}
	if fromEnv.DatabaseURI != "" {
		cfg.DatabaseURI = fromEnv.DatabaseURI
	}
	if fromEnv.PointsProviderAddress != "" {
		cfg.PointsProviderAddress = fromEnv.PointsProviderAddress
	}
	if fromEnv.RedisAddress != "" {
		cfg.RedisAddress = fromEnv.RedisAddress
	}
	if fromEnv.KafkaBrokers != "" {
		cfg.KafkaBrokers = fromEnv.KafkaBrokers
	}
	if fromEnv.KafkaTopic != "" {
		cfg.KafkaTopic = fromEnv.KafkaTopic
	}
	if fromEnv.JWTSecret != "" {
		cfg.JWTSecret = fromEnv.JWTSecret
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = "localhost:8080"
	}

	return cfg, nil
}
