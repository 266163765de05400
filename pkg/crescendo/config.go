package crescendo

import (
	internalcfg "github.com/crescendoschool/crescendo-core/internal/config"
)

// Config re-exports the service configuration structure so downstream
// integrations can reuse the same parsed values without importing internal
// packages.
type Config = internalcfg.ServiceConfig

// LoadConfig delegates to the internal loader while keeping the consumer API
// inside the public pkg/crescendo namespace.
func LoadConfig(root string) (Config, error) {
	return internalcfg.Load(root)
}
