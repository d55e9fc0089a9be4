// Package config содержит логику чтения конфигурации реестра доноров.
package config

import (
	"flag"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

const (
	defaultRunAddress     = "localhost:8080"
	defaultRegistryFile   = "registry.json"
	defaultPaymentAddress = "https://api.stripe.com"
)

// Config содержит параметры конфигурации реестра доноров.
type Config struct {
	RunAddress     string `env:"RUN_ADDRESS"`
	DatabaseURI    string `env:"DATABASE_URI"`
	RegistryFile   string `env:"REGISTRY_FILE"`
	PaymentAddress string `env:"PAYMENT_API_ADDRESS"`

	Mode             string        `env:"MODE" envDefault:"production"`
	PaymentSecretKey string        `env:"STRIPE_SECRET_KEY"`
	PaymentTimeout   time.Duration `env:"PAYMENT_TIMEOUT" envDefault:"10s"`
	SoulmarkSalt     string        `env:"SOULMARK_SALT"`
	TokenSecret      string        `env:"TOKEN_SECRET"`
	FrontendURL      string        `env:"FRONTEND_URL" envDefault:"http://localhost:3000"`
	HandleSuffix     string        `env:"HANDLE_SUFFIX" envDefault:"jamaicawerise"`
}

// Parse считывает конфигурацию из флагов командной строки и переменных окружения.
// Переменные окружения имеют приоритет над флагами.
func Parse() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	envRunAddress := cfg.RunAddress
	envDatabaseURI := cfg.DatabaseURI
	envRegistryFile := cfg.RegistryFile
	envPaymentAddress := cfg.PaymentAddress

	flag.StringVar(&cfg.RunAddress, "a", defaultRunAddress, "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI; registry file is used when empty")
	flag.StringVar(&cfg.RegistryFile, "f", defaultRegistryFile, "registry file path")
	flag.StringVar(&cfg.PaymentAddress, "p", defaultPaymentAddress, "payment processor API address")

	flag.Parse()

	if envRunAddress != "" {
		cfg.RunAddress = envRunAddress
	}
	if envDatabaseURI != "" {
		cfg.DatabaseURI = envDatabaseURI
	}
	if envRegistryFile != "" {
		cfg.RegistryFile = envRegistryFile
	}
	if envPaymentAddress != "" {
		cfg.PaymentAddress = envPaymentAddress
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = defaultRunAddress
	}
	if cfg.RegistryFile == "" {
		cfg.RegistryFile = defaultRegistryFile
	}
	if cfg.PaymentTimeout <= 0 {
		return nil, fmt.Errorf("PAYMENT_TIMEOUT must be positive, got %s", cfg.PaymentTimeout)
	}

	return cfg, nil
}
