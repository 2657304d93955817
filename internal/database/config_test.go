package database

import (
	"strings"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()

	if err := config.Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
	if config.JournalMode != "WAL" {
		t.Errorf("expected WAL journal mode, got %s", config.JournalMode)
	}
	if config.BusyTimeout != 300 {
		t.Errorf("expected a short busy timeout (fail fast on locks), got %d", config.BusyTimeout)
	}
	if !config.ForeignKeys {
		t.Error("foreign keys should be enabled so tag deletion nulls referencing rows")
	}
}

func TestTestConfig(t *testing.T) {
	config := TestConfig()

	if err := config.Validate(); err != nil {
		t.Fatalf("test config should validate: %v", err)
	}
	if !config.IsInMemory() {
		t.Error("test config should use an in-memory database")
	}
	if strings.EqualFold(config.JournalMode, "WAL") {
		t.Error("in-memory databases must not use WAL")
	}
}

func TestConfigValidate_Rejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty path", func(c *Config) { c.Path = "" }},
		{"zero max connections", func(c *Config) { c.MaxConnections = 0 }},
		{"idle exceeds max", func(c *Config) { c.MaxIdleConns = 10; c.MaxConnections = 2 }},
		{"bad journal mode", func(c *Config) { c.JournalMode = "JOURNAL" }},
		{"bad sync mode", func(c *Config) { c.SynchronousMode = "SOMETIMES" }},
		{"negative busy timeout", func(c *Config) { c.BusyTimeout = -1 }},
		{"negative retention", func(c *Config) { c.RetentionDays = -1 }},
		{"bad environment", func(c *Config) { c.Environment = "staging" }},
		{"bad log level", func(c *Config) { c.LogLevel = "verbose" }},
		{"in-memory with WAL", func(c *Config) { c.Path = ":memory:"; c.JournalMode = "WAL" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := DefaultConfig()
			tt.mutate(config)
			if err := config.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestGetConnectionString(t *testing.T) {
	config := DefaultConfig()
	config.Path = "data/lapsed.db"
	config.BusyTimeout = 250
	config.CacheSize = 2000

	connStr := config.GetConnectionString()

	if !strings.HasPrefix(connStr, "data/lapsed.db?") {
		t.Errorf("connection string should start with the path: %s", connStr)
	}
	for _, expect := range []string{
		"_foreign_keys=on",
		"_journal_mode=WAL",
		"_busy_timeout=250",
		"_cache_size=-2000",
	} {
		if !strings.Contains(connStr, expect) {
			t.Errorf("connection string missing %q: %s", expect, connStr)
		}
	}
}

func TestGetConnectionString_EscapesPathCharacters(t *testing.T) {
	config := DefaultConfig()
	config.Path = "weird?dir&name.db"

	connStr := config.GetConnectionString()
	if strings.Count(connStr, "?") != 1 {
		t.Errorf("path separators should be escaped, got %s", connStr)
	}
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("LAPSED_DB_PATH", "/tmp/env.db")
	t.Setenv("LAPSED_DB_BUSY_TIMEOUT", "150")
	t.Setenv("LAPSED_DB_FOREIGN_KEYS", "off")
	t.Setenv("LAPSED_DB_CONN_MAX_LIFETIME", "1h")
	t.Setenv("LAPSED_DB_AUTO_MIGRATE", "no")

	config := DefaultConfig()
	if err := config.LoadFromEnvironment(); err != nil {
		t.Fatalf("LoadFromEnvironment failed: %v", err)
	}

	if config.Path != "/tmp/env.db" {
		t.Errorf("expected env path, got %s", config.Path)
	}
	if config.BusyTimeout != 150 {
		t.Errorf("expected busy timeout 150, got %d", config.BusyTimeout)
	}
	if config.ForeignKeys {
		t.Error("expected foreign keys disabled via env")
	}
	if config.ConnMaxLifetime != time.Hour {
		t.Errorf("expected 1h lifetime, got %v", config.ConnMaxLifetime)
	}
	if config.AutoMigrate {
		t.Error("expected auto migrate disabled via env")
	}
}

func TestLoadFromEnvironment_IgnoresInvalidValues(t *testing.T) {
	t.Setenv("LAPSED_DB_MAX_CONNECTIONS", "-3")
	t.Setenv("LAPSED_DB_BUSY_TIMEOUT", "soon")

	config := DefaultConfig()
	original := config.Clone()
	if err := config.LoadFromEnvironment(); err != nil {
		t.Fatalf("LoadFromEnvironment failed: %v", err)
	}

	if config.MaxConnections != original.MaxConnections {
		t.Error("invalid max connections should be ignored")
	}
	if config.BusyTimeout != original.BusyTimeout {
		t.Error("unparseable busy timeout should be ignored")
	}
}

func TestParseBoolEnv(t *testing.T) {
	tests := []struct {
		value   string
		want    bool
		present bool
	}{
		{"true", true, true},
		{"1", true, true},
		{"yes", true, true},
		{"ON", true, true},
		{"false", false, true},
		{"0", false, true},
		{"No", false, true},
		{"off", false, true},
		{"", false, false},
		{"maybe", false, false},
	}

	for _, tt := range tests {
		t.Run("value_"+tt.value, func(t *testing.T) {
			t.Setenv("LAPSED_TEST_BOOL", tt.value)
			got, present := parseBoolEnv("LAPSED_TEST_BOOL")
			if got != tt.want || present != tt.present {
				t.Errorf("parseBoolEnv(%q) = (%v, %v), want (%v, %v)", tt.value, got, present, tt.want, tt.present)
			}
		})
	}
}

func TestConfigForEnvironment(t *testing.T) {
	if !ConfigForEnvironment("test").IsTest() {
		t.Error("test environment should produce a test config")
	}
	if ConfigForEnvironment("development").Environment != "development" {
		t.Error("development environment should produce a development config")
	}
	if ConfigForEnvironment("production").Environment != "production" {
		t.Error("unknown environments should default to production")
	}
}
