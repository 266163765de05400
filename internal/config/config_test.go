package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, setting, env string) string {
	t.Helper()
	tmp := t.TempDir()
	if err := os.MkdirAll(filepath.Join(tmp, "config", "dev"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if setting != "" {
		if err := os.WriteFile(filepath.Join(tmp, "config", "setting.ini"), []byte(setting), 0o644); err != nil {
			t.Fatalf("write setting: %v", err)
		}
	}
	if err := os.WriteFile(filepath.Join(tmp, "config", "dev", "crescendo.ini"), []byte(env), 0o644); err != nil {
		t.Fatalf("write env config: %v", err)
	}
	return tmp
}

func TestLoadLayering(t *testing.T) {
	setting := "environment=dev\nlog_level=debug\nmin_reserve=25\n"
	env := "http_address=:9090\nledger_path=/tmp/custom-ledger.db\nauth_secret=file-secret\nmin_reserve=75\n"
	tmp := writeConfig(t, setting, env)

	os.Setenv("CRESCENDO_AUTH_SECRET", "env-secret")
	t.Cleanup(func() { os.Unsetenv("CRESCENDO_AUTH_SECRET") })

	cfg, err := Load(tmp)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.HTTPAddress != ":9090" {
		t.Fatalf("unexpected http address %s", cfg.HTTPAddress)
	}
	if cfg.LedgerPath != "/tmp/custom-ledger.db" {
		t.Fatalf("unexpected ledger path %s", cfg.LedgerPath)
	}
	// Env beats file, env file beats settings.
	if cfg.AuthSecret != "env-secret" {
		t.Fatalf("unexpected auth secret %s", cfg.AuthSecret)
	}
	if cfg.MinReserve != 75 {
		t.Fatalf("unexpected min reserve %d", cfg.MinReserve)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("expected log level from base config, got %s", cfg.LogLevel)
	}
}

func TestLoadDefaults(t *testing.T) {
	tmp := writeConfig(t, "", "")

	cfg, err := Load(tmp)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Environment != "dev" {
		t.Fatalf("expected dev environment, got %s", cfg.Environment)
	}
	if cfg.HTTPAddress != ":8084" {
		t.Fatalf("unexpected default address %s", cfg.HTTPAddress)
	}
	if cfg.StoreDriver != "sqlite" {
		t.Fatalf("unexpected default store driver %s", cfg.StoreDriver)
	}
	if cfg.Markup != 3.0 || cfg.UnitsPerUSD != 10000 {
		t.Fatalf("unexpected billing defaults markup=%v units=%d", cfg.Markup, cfg.UnitsPerUSD)
	}
	if cfg.MinReserve != 50 || cfg.InitialGrant != 1000 {
		t.Fatalf("unexpected admission defaults reserve=%d grant=%d", cfg.MinReserve, cfg.InitialGrant)
	}
	if cfg.SweepDeadline != 10*time.Minute || cfg.SweepInterval != time.Minute {
		t.Fatalf("unexpected sweep defaults %v/%v", cfg.SweepDeadline, cfg.SweepInterval)
	}
	if cfg.LedgerPath != DefaultLedgerPath() {
		t.Fatalf("unexpected ledger path %s", cfg.LedgerPath)
	}
}

func TestLoadInvalidDriver(t *testing.T) {
	tmp := writeConfig(t, "", "store_driver=oracle\n")
	if _, err := Load(tmp); err == nil {
		t.Fatalf("expected error for invalid store driver")
	}
}

func TestLoadPostgresRequiresDSN(t *testing.T) {
	tmp := writeConfig(t, "", "store_driver=postgres\n")
	if _, err := Load(tmp); err == nil {
		t.Fatalf("expected error for missing postgres dsn")
	}
}

func TestLoadInvalidDuration(t *testing.T) {
	tmp := writeConfig(t, "", "sweep_deadline=not-a-duration\n")
	if _, err := Load(tmp); err == nil {
		t.Fatalf("expected error for invalid sweep deadline")
	}
}

func TestLoadInvalidMarkup(t *testing.T) {
	tmp := writeConfig(t, "", "markup=not-a-number\n")
	if _, err := Load(tmp); err == nil {
		t.Fatalf("expected error for invalid markup")
	}
}
