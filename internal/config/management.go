package config

import "golang.org/x/crypto/bcrypt"

// CheckAdminKey verifies whether the provided key matches the configured
// admin credential. A plaintext key and a bcrypt hash may both be set; either
// match grants access.
func CheckAdminKey(cfg *Config, candidate string) bool {
	if cfg == nil || candidate == "" {
		return false
	}
	if cfg.Security.AdminKey != "" && candidate == cfg.Security.AdminKey {
		return true
	}
	if cfg.Security.AdminKeyHash != "" {
		if err := bcrypt.CompareHashAndPassword([]byte(cfg.Security.AdminKeyHash), []byte(candidate)); err == nil {
			return true
		}
	}
	return false
}

// AdminKeyValidator returns a closure suitable for middleware validation.
func AdminKeyValidator(cfg *Config) func(string) bool {
	return func(candidate string) bool {
		return CheckAdminKey(cfg, candidate)
	}
}
