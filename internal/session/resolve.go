package session

import "github.com/foundxnet/chatkit/internal/config"

// Resolve determines the active identity using precedence:
// 1. flagOverride (--identity flag)
// 2. config.toml identity
// Returns empty string when neither is set.
func Resolve(flagOverride string) string {
	if flagOverride != "" {
		return flagOverride
	}
	cfg, err := config.Load(ConfigPath())
	if err == nil && cfg.Identity != "" {
		return cfg.Identity
	}
	return ""
}
