package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/joho/godotenv"
)

// envVarPattern matches ${VAR}, ${VAR:-default}, and $VAR.
var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

// LoadEnvFiles loads .env.local then .env if present. Missing files are
// not an error.
func LoadEnvFiles() error {
	for _, file := range []string{".env.local", ".env"} {
		if err := godotenv.Load(file); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to load %s: %w", file, err)
		}
	}
	return nil
}

func expandEnvString(s string) string {
	if !strings.Contains(s, "$") {
		return s
	}
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		if strings.HasPrefix(match, "${") {
			inner := match[2 : len(match)-1]
			if idx := strings.Index(inner, ":-"); idx != -1 {
				if val := os.Getenv(inner[:idx]); val != "" {
					return val
				}
				return inner[idx+2:]
			}
			return os.Getenv(inner)
		}
		return os.Getenv(match[1:])
	})
}

// expandValue walks a decoded YAML tree and expands env references in
// every string it finds.
func expandValue(v any) any {
	switch val := v.(type) {
	case string:
		return expandEnvString(val)
	case map[string]any:
		result := make(map[string]any, len(val))
		for k, item := range val {
			result[k] = expandValue(item)
		}
		return result
	case []any:
		result := make([]any, len(val))
		for i, item := range val {
			result[i] = expandValue(item)
		}
		return result
	default:
		return v
	}
}

// applyFeatureEnv lets LONTAR_FEATURE_* environment variables override the
// feature flags in the file, so deployments can flip behavior without
// editing config.
func applyFeatureEnv(flags *FeatureFlags) {
	set := func(dst **bool, key string) {
		raw, ok := os.LookupEnv(key)
		if !ok {
			return
		}
		v := raw == "1" || strings.EqualFold(raw, "true") || strings.EqualFold(raw, "on")
		*dst = &v
	}
	set(&flags.Verifier, "LONTAR_FEATURE_VERIFIER")
	set(&flags.GraphExpansion, "LONTAR_FEATURE_GRAPH_EXPANSION")
	set(&flags.GoldenRoutes, "LONTAR_FEATURE_GOLDEN_ROUTES")
	set(&flags.IdentityShortcut, "LONTAR_FEATURE_IDENTITY_SHORTCUT")
	set(&flags.DomainFilter, "LONTAR_FEATURE_DOMAIN_FILTER")
	set(&flags.MemoryExtraction, "LONTAR_FEATURE_MEMORY_EXTRACTION")
}
