package util

import (
	"os"
	"strings"
)

// GetEnvOrDefault returns the value of env, or def when it is unset or empty. If env is unset
// but env_FILE names a readable file, the file's trimmed content is used, so secrets can be
// mounted rather than exported.
func GetEnvOrDefault(env, def string) string {
	if val := os.Getenv(env); val != "" {
		return val
	}
	if path := os.Getenv(env + "_FILE"); path != "" {
		if b, err := os.ReadFile(path); err == nil {
			if val := strings.TrimSpace(string(b)); val != "" {
				return val
			}
		}
	}
	return def
}
