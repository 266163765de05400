// Package bootstrap scaffolds a working configuration tree for a fresh
// install: the environment selector, the per-environment service file, and
// a starter pricing table.
package bootstrap

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/crescendoschool/crescendo-core/internal/config"
)

// InitOptions configures the bootstrap process for generating config files.
type InitOptions struct {
	Root          string
	Environment   string
	HTTPAddress   string
	StoreDriver   string
	LedgerPath    string
	MessagesPath  string
	WorkerBaseURL string
	CallbackURL   string
	WebhookSecret string
	AdminKey      string
	Force         bool
}

// Init scaffolds configuration files for the service.
func Init(opts InitOptions) error {
	applyDefaults(&opts)
	if err := ensureDir(filepath.Join(opts.Root, "config", opts.Environment)); err != nil {
		return err
	}

	settingPath := filepath.Join(opts.Root, "config", "setting.ini")
	if err := writeFile(settingPath, settingTemplate(opts), opts.Force); err != nil {
		return err
	}

	servicePath := filepath.Join(opts.Root, "config", opts.Environment, "crescendo.ini")
	if err := writeFile(servicePath, serviceTemplate(opts), opts.Force); err != nil {
		return err
	}

	pricingPath := filepath.Join(opts.Root, "config", "pricing.yaml")
	if err := writeFile(pricingPath, pricingTemplate(), opts.Force); err != nil {
		return err
	}

	return nil
}

func applyDefaults(opts *InitOptions) {
	if strings.TrimSpace(opts.Root) == "" {
		opts.Root = "."
	}
	if strings.TrimSpace(opts.Environment) == "" {
		opts.Environment = "dev"
	}
	if strings.TrimSpace(opts.HTTPAddress) == "" {
		opts.HTTPAddress = ":8084"
	}
	if strings.TrimSpace(opts.StoreDriver) == "" {
		opts.StoreDriver = "sqlite"
	}
	if strings.TrimSpace(opts.LedgerPath) == "" {
		opts.LedgerPath = config.DefaultLedgerPath()
	}
	if strings.TrimSpace(opts.MessagesPath) == "" {
		opts.MessagesPath = config.DefaultMessagesPath()
	}
	if strings.TrimSpace(opts.WorkerBaseURL) == "" {
		opts.WorkerBaseURL = "http://localhost:9090"
	}
	if strings.TrimSpace(opts.CallbackURL) == "" {
		opts.CallbackURL = "http://localhost:8084/internal/webhooks/completion"
	}
}

func ensureDir(path string) error {
	return os.MkdirAll(path, 0o755)
}

func writeFile(path, contents string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("file already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(contents), 0o644)
}

func settingTemplate(opts InitOptions) string {
	return fmt.Sprintf(`# Crescendo service settings
environment=%s
`, opts.Environment)
}

func serviceTemplate(opts InitOptions) string {
	var b strings.Builder
	fmt.Fprintf(&b, `# Environment specific overrides for %s
http_address=%s
store_driver=%s
ledger_path=%s
messages_path=%s
worker_base_url=%s
callback_url=%s
pricing_path=config/pricing.yaml
log_level=info
# Dash '-' disables file output.
log_file=logs/crescendod.log
`, opts.Environment, opts.HTTPAddress, opts.StoreDriver, opts.LedgerPath, opts.MessagesPath, opts.WorkerBaseURL, opts.CallbackURL)
	if strings.TrimSpace(opts.WebhookSecret) != "" {
		fmt.Fprintf(&b, "webhook_secret=%s\n", opts.WebhookSecret)
	}
	if strings.TrimSpace(opts.AdminKey) != "" {
		fmt.Fprintf(&b, "admin_key=%s\n", opts.AdminKey)
	}
	return b.String()
}

func pricingTemplate() string {
	return `# Per-token USD rates by model. Reloaded on the pricing_refresh cadence.
rates:
  - model: gpt-4o-mini
    provider: openai
    input_per_token: 0.00000015
    output_per_token: 0.0000006
  - model: gpt-4o
    provider: openai
    input_per_token: 0.0000025
    output_per_token: 0.00001
  - model: claude-3-5-haiku
    provider: anthropic
    input_per_token: 0.0000008
    output_per_token: 0.000004
`
}

// Validate ensures required fields are present without modifying files.
func Validate(opts InitOptions) error {
	applyDefaults(&opts)
	switch opts.StoreDriver {
	case "sqlite", "postgres", "memory":
	default:
		return fmt.Errorf("invalid store driver %q", opts.StoreDriver)
	}
	if !strings.HasPrefix(opts.CallbackURL, "http") {
		return errors.New("callback url must be absolute")
	}
	return nil
}
