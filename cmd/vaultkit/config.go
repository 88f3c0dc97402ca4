package main

import (
	"log/slog"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/kittclouds/vaultkit/internal/srs"
	"github.com/kittclouds/vaultkit/internal/store"
)

// Config represents the CLI configuration.
type Config struct {
	App      ApplicationConfig `yaml:"app"`
	SQLite   SQLiteConfig      `yaml:"sqlite"`
	Vault    VaultConfig       `yaml:"vault"`
	Semantic SemanticConfig    `yaml:"semantic"`
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if err := c.SQLite.Validate(); err != nil {
		return err
	}
	if err := c.Vault.Validate(); err != nil {
		return err
	}
	return c.Semantic.Validate()
}

// ApplicationConfig holds application-level configuration.
type ApplicationConfig struct {
	LogLevel slog.Level `yaml:"log_level"`
}

// SQLiteConfig holds SQLite database configuration.
type SQLiteConfig struct {
	Path string `yaml:"path"`
}

// Validate validates the SQLite configuration.
func (c *SQLiteConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Path, validation.Required),
	)
}

// VaultConfig holds vault-level defaults.
type VaultConfig struct {
	Namespace    string `yaml:"namespace"`
	MaturityDays int    `yaml:"maturity_days"`
}

// Validate validates the vault configuration.
func (c *VaultConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Namespace, validation.Required),
		validation.Field(&c.MaturityDays, validation.Required, validation.Min(1)),
	)
}

// SemanticConfig holds the semantic index configuration. When disabled the
// vault skips embedding entirely and similarity commands are unavailable.
type SemanticConfig struct {
	Enabled bool `yaml:"enabled"`
	Dim     int  `yaml:"dim"`
}

// Validate validates the semantic index configuration.
func (c *SemanticConfig) Validate() error {
	if !c.Enabled {
		return nil
	}
	return validation.ValidateStruct(c,
		validation.Field(&c.Dim, validation.Required, validation.Min(8), validation.Max(4096)),
	)
}

// NewDefaultConfig returns a new Config with sensible default values.
func NewDefaultConfig() *Config {
	return &Config{
		App: ApplicationConfig{
			LogLevel: slog.LevelInfo,
		},
		SQLite: SQLiteConfig{
			Path: "./vaultkit.db",
		},
		Vault: VaultConfig{
			Namespace:    "main",
			MaturityDays: srs.DefaultMaturityDays,
		},
		Semantic: SemanticConfig{
			Enabled: true,
			Dim:     store.DefaultVectorDim,
		},
	}
}
