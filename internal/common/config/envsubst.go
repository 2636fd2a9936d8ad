package config

import (
	"os"
	"regexp"
)

// envVarPattern matches ${VAR} and ${VAR:-default} references.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(:-([^}]*))?\}`)

// ExpandEnv substitutes ${VAR} and ${VAR:-default} references in s with
// environment values. A ${VAR} whose variable is unset and that carries no
// default is left literal, so the value survives the round trip and the
// reference stays visible in logs.
func ExpandEnv(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		name := groups[1]
		hasDefault := groups[2] != ""

		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		if hasDefault {
			return groups[3]
		}
		return match
	})
}
