package bootstrap

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestInitCreatesConfigFiles(t *testing.T) {
	tmp := t.TempDir()
	opts := InitOptions{
		Root:          tmp,
		WorkerBaseURL: "https://workers.example.com",
		WebhookSecret: "s3cret",
	}
	if err := Init(opts); err != nil {
		t.Fatalf("Init: %v", err)
	}

	settingBytes, err := os.ReadFile(filepath.Join(tmp, "config", "setting.ini"))
	if err != nil {
		t.Fatalf("read setting: %v", err)
	}
	if !strings.Contains(string(settingBytes), "environment=dev") {
		t.Fatalf("missing environment: %s", settingBytes)
	}

	serviceBytes, err := os.ReadFile(filepath.Join(tmp, "config", "dev", "crescendo.ini"))
	if err != nil {
		t.Fatalf("read service config: %v", err)
	}
	content := string(serviceBytes)
	if !strings.Contains(content, "worker_base_url=https://workers.example.com") {
		t.Fatalf("missing worker base url: %s", content)
	}
	if !strings.Contains(content, "webhook_secret=s3cret") {
		t.Fatalf("missing webhook secret: %s", content)
	}

	pricingBytes, err := os.ReadFile(filepath.Join(tmp, "config", "pricing.yaml"))
	if err != nil {
		t.Fatalf("read pricing: %v", err)
	}
	if !strings.Contains(string(pricingBytes), "gpt-4o-mini") {
		t.Fatalf("pricing seed missing models: %s", pricingBytes)
	}
}

func TestInitRespectsForce(t *testing.T) {
	tmp := t.TempDir()
	opts := InitOptions{Root: tmp}
	if err := Init(opts); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if err := Init(opts); err == nil {
		t.Fatalf("expected error when files exist")
	}
	opts.Force = true
	if err := Init(opts); err != nil {
		t.Fatalf("Init with force: %v", err)
	}
}

func TestValidate(t *testing.T) {
	if err := Validate(InitOptions{StoreDriver: "oracle"}); err == nil {
		t.Fatalf("expected invalid driver error")
	}
	if err := Validate(InitOptions{CallbackURL: "not-a-url"}); err == nil {
		t.Fatalf("expected invalid callback error")
	}
	if err := Validate(InitOptions{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
