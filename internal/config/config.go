// Package config содержит логику чтения конфигурации сервиса тикетов.
package config

import (
	"flag"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config содержит параметры конфигурации сервиса тикетов.
type Config struct {
	RunAddress         string `env:"RUN_ADDRESS"`
	DatabaseURI        string `env:"DATABASE_URI"`
	ChatGatewayAddress string `env:"CHAT_GATEWAY_ADDRESS"`

	EncryptionKey string   `env:"ENCRYPTION_KEY"`
	BotSecretKey  string   `env:"BOT_SECRET_KEY"`
	BotUserID     string   `env:"BOT_USER_ID" envDefault:"system"`
	AdminUserIDs  []string `env:"ADMIN_USER_IDS" envSeparator:","`

	TicketCategoryID   string `env:"TICKET_CATEGORY_ID"`
	TicketTimeoutHours int    `env:"TICKET_TIMEOUT_HOURS" envDefault:"24"`
	TranscriptDir      string `env:"TRANSCRIPT_DIR"`

	RateLimitRequests int           `env:"RATE_LIMIT_REQUESTS" envDefault:"5"`
	RateLimitWindow   time.Duration `env:"RATE_LIMIT_WINDOW" envDefault:"60s"`

	SecurityWebhookURL string        `env:"SECURITY_WEBHOOK_URL"`
	IntegrityPaths     []string      `env:"INTEGRITY_PATHS" envSeparator:","`
	IntegrityInterval  time.Duration `env:"INTEGRITY_INTERVAL" envDefault:"5m"`
	OrphanInterval     time.Duration `env:"ORPHAN_SWEEP_INTERVAL" envDefault:"10m"`
	RetentionDays      int           `env:"RETENTION_DAYS" envDefault:"30"`

	LogLevel string `env:"LOG_LEVEL"`
	LogDev   bool   `env:"LOG_DEV"`
	LogDir   string `env:"LOG_DIR"`
}

// TicketTimeout возвращает время бездействия, после которого тикет закрывается.
func (c *Config) TicketTimeout() time.Duration {
	return time.Duration(c.TicketTimeoutHours) * time.Hour
}

// Parse считывает конфигурацию из файла .env, переменных окружения и флагов командной строки.
func Parse() (*Config, error) {
	// .env необязателен: без него используются окружение и флаги.
	_ = godotenv.Load()

	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	envRunAddress := cfg.RunAddress
	envDatabaseURI := cfg.DatabaseURI
	envGatewayAddress := cfg.ChatGatewayAddress

	flag.StringVar(&cfg.RunAddress, "a", "localhost:8080", "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI")
	flag.StringVar(&cfg.ChatGatewayAddress, "g", "", "chat gateway address")

	flag.Parse()

	if envRunAddress != "" {
		cfg.RunAddress = envRunAddress
	}
	if envDatabaseURI != "" {
		cfg.DatabaseURI = envDatabaseURI
	}
	if envGatewayAddress != "" {
		cfg.ChatGatewayAddress = envGatewayAddress
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = "localhost:8080"
	}

	if cfg.TicketTimeoutHours <= 0 {
		return nil, fmt.Errorf("TICKET_TIMEOUT_HOURS must be positive, got %d", cfg.TicketTimeoutHours)
	}
	if cfg.RateLimitRequests <= 0 || cfg.RateLimitWindow <= 0 {
		return nil, fmt.Errorf("rate limit must be positive, got %d per %s", cfg.RateLimitRequests, cfg.RateLimitWindow)
	}

	if cfg.OrphanInterval <= 0 {
		return nil, fmt.Errorf("ORPHAN_SWEEP_INTERVAL must be positive, got %s", cfg.OrphanInterval)
	}
	if cfg.RetentionDays <= 0 {
		return nil, fmt.Errorf("RETENTION_DAYS must be positive, got %d", cfg.RetentionDays)
	}

	return cfg, nil
}
