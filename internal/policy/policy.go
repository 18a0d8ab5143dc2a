package policy

import (
	"strings"

	clierr "github.com/ggonzalez94/defi-agent/internal/errors"
)

// Wildcard in an allowlist permits every command.
const Wildcard = "*"

// CheckCommandAllowed reports whether commandPath is permitted by allowlist. An entry matches
// the exact path or any command below it, so "transfer" allows "transfer send" and "transfer nft".
func CheckCommandAllowed(allowlist []string, commandPath string) error {
	if Allowed(allowlist, commandPath) {
		return nil
	}
	return clierr.New(clierr.CodeBlocked, "command "+strings.TrimSpace(commandPath)+" blocked by --enable-commands policy")
}

func Allowed(allowlist []string, commandPath string) bool {
	if len(allowlist) == 0 {
		return true
	}
	normPath := normalize(commandPath)
	for _, allowed := range allowlist {
		entry := normalize(allowed)
		if entry == "" {
			continue
		}
		if entry == Wildcard || entry == normPath || strings.HasPrefix(normPath, entry+" ") {
			return true
		}
	}
	return false
}

func normalize(v string) string {
	parts := strings.Fields(strings.ToLower(strings.TrimSpace(v)))
	return strings.Join(parts, " ")
}
