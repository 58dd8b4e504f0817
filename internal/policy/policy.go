// Package policy gates which commands may run in a given invocation.
package policy

import (
	"strings"

	clierr "github.com/ggonzalez94/drain-cli/internal/errors"
)

// CheckCommandAllowed accepts commandPath when the allowlist is empty, names
// it exactly, or names one of its parent groups ("sweep" allows "sweep run").
func CheckCommandAllowed(allowlist []string, commandPath string) error {
	if len(allowlist) == 0 {
		return nil
	}
	normPath := normalize(commandPath)
	for _, allowed := range allowlist {
		a := normalize(allowed)
		if a == "" {
			continue
		}
		if a == normPath || strings.HasPrefix(normPath, a+" ") {
			return nil
		}
	}
	return clierr.New(clierr.CodeBlocked, "command blocked by --enable-commands policy")
}

func normalize(v string) string {
	parts := strings.Fields(strings.ToLower(strings.TrimSpace(v)))
	return strings.Join(parts, " ")
}
