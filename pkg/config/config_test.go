package config

import (
	"os"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	c := DefaultConfig()
	if c.Database.Host != "localhost" {
		t.Errorf("Host = %q, want localhost", c.Database.Host)
	}
	if c.Database.Port != 5432 {
		t.Errorf("Port = %d, want 5432", c.Database.Port)
	}
	if c.Database.MaxOpenConns != 25 || c.Database.MaxIdleConns != 5 {
		t.Errorf("unexpected pool sizes: %+v", c.Database)
	}
	if err := c.Validate(); err != nil {
		t.Errorf("DefaultConfig should validate cleanly: %v", err)
	}
}

func TestLoadFromEnv(t *testing.T) {
	for _, k := range []string{"DB_HOST", "DB_PORT", "DB_USER", "DB_PASSWORD", "DB_NAME", "DB_SSL_MODE"} {
		old := os.Getenv(k)
		t.Cleanup(func() { os.Setenv(k, old) })
	}

	os.Setenv("DB_HOST", "testhost")
	os.Setenv("DB_PORT", "3306")
	os.Setenv("DB_USER", "testuser")
	os.Setenv("DB_PASSWORD", "testpass")
	os.Setenv("DB_NAME", "testdb")
	os.Setenv("DB_SSL_MODE", "require")

	c := DefaultConfig()
	c.LoadFromEnv()

	if c.Database.Host != "testhost" || c.Database.Port != 3306 || c.Database.User != "testuser" ||
		c.Database.Password != "testpass" || c.Database.Database != "testdb" || c.Database.SSLMode != "require" {
		t.Errorf("LoadFromEnv did not apply overrides: %+v", c.Database)
	}
}

func TestLoadFromEnvInvalidPortKeepsDefault(t *testing.T) {
	old := os.Getenv("DB_PORT")
	t.Cleanup(func() { os.Setenv("DB_PORT", old) })
	os.Setenv("DB_PORT", "not_a_port")

	c := DefaultConfig()
	originalPort := c.Database.Port
	c.LoadFromEnv()

	if c.Database.Port != originalPort {
		t.Errorf("Port = %d, want unchanged default %d", c.Database.Port, originalPort)
	}
}

func TestDatabaseValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*DatabaseConfig)
		wantErr string
	}{
		{"empty host", func(c *DatabaseConfig) { c.Host = "" }, "database host is required"},
		{"zero port", func(c *DatabaseConfig) { c.Port = 0 }, "database port must be between 1 and 65535"},
		{"port too high", func(c *DatabaseConfig) { c.Port = 70000 }, "database port must be between 1 and 65535"},
		{"empty user", func(c *DatabaseConfig) { c.User = "" }, "database user is required"},
		{"empty database", func(c *DatabaseConfig) { c.Database = "" }, "database name is required"},
		{"zero max open", func(c *DatabaseConfig) { c.MaxOpenConns = 0 }, "max open connections must be greater than 0"},
		{"negative max idle", func(c *DatabaseConfig) { c.MaxIdleConns = -1 }, "max idle connections must be non-negative"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := DefaultConfig().Database
			tt.mutate(&c)
			err := c.Validate()
			if err == nil || err.Error() != tt.wantErr {
				t.Errorf("Validate() = %v, want %q", err, tt.wantErr)
			}
		})
	}
}

func TestConnectionString(t *testing.T) {
	c := DatabaseConfig{Host: "localhost", Port: 5432, User: "testuser", Database: "testdb", SSLMode: "disable"}

	got := c.ConnectionString()
	want := "host=localhost port=5432 user=testuser dbname=testdb sslmode=disable"
	if got != want {
		t.Errorf("ConnectionString() = %q, want %q", got, want)
	}

	c.Password = "testpass"
	got = c.ConnectionString()
	want = "host=localhost port=5432 user=testuser dbname=testdb sslmode=disable password=testpass"
	if got != want {
		t.Errorf("ConnectionString() with password = %q, want %q", got, want)
	}
}

func TestConnectionPoolValidate(t *testing.T) {
	c := DefaultConfig().ConnectionPool
	if err := c.Validate(); err != nil {
		t.Errorf("default connection pool should validate: %v", err)
	}

	bad := c
	bad.MaxSize = 0
	if err := bad.Validate(); err == nil {
		t.Error("expected error when max_size is zero")
	}

	bad = c
	bad.BorrowTimeout = 0
	if err := bad.Validate(); err == nil {
		t.Error("expected error when borrow_timeout is zero")
	}
}

func TestLoadFileMissingIsNotError(t *testing.T) {
	c := DefaultConfig()
	if err := c.LoadFile("/nonexistent/pacsd.yaml"); err != nil {
		t.Errorf("missing config file should not error, got %v", err)
	}
}
