package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func fromMap(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func TestLoad_Defaults(t *testing.T) {
	c, err := load(fromMap(nil))
	if err != nil {
		t.Fatal(err)
	}
	if c.Port != "8080" || c.AppEnv != EnvDevelopment || c.TestMode() {
		t.Errorf("basics = %+v", c)
	}
	if c.QuoteTimeout != 5*time.Second || c.QuoteCacheTTL != 10*time.Minute || c.SnapshotEvery != time.Hour {
		t.Errorf("durations = %v %v %v", c.QuoteTimeout, c.QuoteCacheTTL, c.SnapshotEvery)
	}
	if !c.FallbackPrice.Equal(decimal.NewFromInt(10)) {
		t.Errorf("fallback price = %s", c.FallbackPrice)
	}
	if c.ExpiryHour != 15 || c.ExpiryMinute != 45 {
		t.Errorf("sweep at %02d:%02d", c.ExpiryHour, c.ExpiryMinute)
	}
	if c.JWTSecret == "" || c.AdminSecret == "" {
		t.Error("development should fill placeholder secrets")
	}
}

func TestLoad_ProductionRequiresSecrets(t *testing.T) {
	_, err := load(fromMap(map[string]string{"APP_ENV": "production"}))
	if err == nil {
		t.Fatal("expected missing secrets error")
	}
	if !strings.Contains(err.Error(), "JWT_SECRET") || !strings.Contains(err.Error(), "ADMIN_SECRET") {
		t.Errorf("error = %v", err)
	}

	c, err := load(fromMap(map[string]string{"APP_ENV": "production", "JWT_SECRET": "s", "ADMIN_SECRET": "a"}))
	if err != nil {
		t.Fatal(err)
	}
	if !c.Production() {
		t.Error("expected production")
	}
}

func TestLoad_InvalidValues(t *testing.T) {
	tests := []map[string]string{
		{"APP_ENV": "staging"},
		{"QUOTE_TIMEOUT": "soon"},
		{"QUOTE_RATE_PER_SEC": "-1"},
		{"FALLBACK_PRICE": "0"},
		{"EXPIRY_SWEEP_AT": "25:00"},
	}
	for _, env := range tests {
		if _, err := load(fromMap(env)); err == nil {
			t.Errorf("%v: expected an error", env)
		}
	}
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := "PORT: \"9090\"\nAPP_ENV: test\nFALLBACK_PRICE: \"12.5\"\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("CONFIG_FILE", path)
	t.Setenv("PORT", "7070")
	t.Setenv("APP_ENV", "")
	t.Setenv("FALLBACK_PRICE", "")

	c, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if c.Port != "7070" {
		t.Errorf("port = %s, want env value 7070", c.Port)
	}
	if !c.TestMode() {
		t.Errorf("app env = %s, want file value test", c.AppEnv)
	}
	if !c.FallbackPrice.Equal(decimal.RequireFromString("12.5")) {
		t.Errorf("fallback price = %s", c.FallbackPrice)
	}
}
