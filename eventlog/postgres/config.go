package postgres

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

// Config holds PostgreSQL connection settings
type Config struct {
	DBHost string `env:"DB_HOST" envDefault:"localhost"`
	DBPort int    `env:"DB_PORT" envDefault:"5432"`
	DBName string `env:"DB_NAME"`
	DBUser string `env:"DB_USER"`
	DBPass string `env:"DB_PASS"`
}

// FromEnv loads the config from environment variables
func FromEnv() (Config, error) {
	var c Config
	if err := env.Parse(&c); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	return c, nil
}

// DSN returns the connection string
func (c Config) DSN() string {
	return fmt.Sprintf(
		"user=%s password=%s dbname=%s host=%s port=%d sslmode=disable",
		c.DBUser,
		c.DBPass,
		c.DBName,
		c.DBHost,
		c.DBPort,
	)
}
