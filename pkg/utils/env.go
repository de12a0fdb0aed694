package utils

import (
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cast"
)

// LoadEnv loads .env files for the given mode. Missing files are not an
// error for the caller to die on; defaults cover every key.
func LoadEnv(mode string) error {
	candidates := []string{".env." + mode, ".env"}
	var loaded bool
	for _, f := range candidates {
		if _, err := os.Stat(f); err == nil {
			if err := godotenv.Load(f); err != nil {
				return fmt.Errorf("load %s: %w", f, err)
			}
			loaded = true
		}
	}
	if !loaded {
		return fmt.Errorf("no .env file found for mode %q", mode)
	}
	return nil
}

// GetEnv returns the raw environment value for key.
func GetEnv(key string) string {
	return os.Getenv(key)
}

// GetStringOrDefault returns the environment value or def when unset.
func GetStringOrDefault(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

// GetIntOrDefault returns the environment value parsed as int or def.
func GetIntOrDefault(key string, def int) int {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return cast.ToInt(v)
	}
	return def
}

// GetBoolOrDefault returns the environment value parsed as bool or def.
func GetBoolOrDefault(key string, def bool) bool {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return cast.ToBool(v)
	}
	return def
}

// GetStringSliceOrDefault splits a comma separated environment value.
func GetStringSliceOrDefault(key string, def []string) []string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		parts := strings.Split(v, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return def
}
