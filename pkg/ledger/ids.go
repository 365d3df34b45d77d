package ledger

import (
	"fmt"

	"go.jetify.com/typeid/v2"
)

// GenerateID returns a new K-sortable "prefix_suffix" identifier.
func GenerateID(prefix string) (string, error) {
	generated, err := typeid.Generate(prefix)
	if err != nil {
		return "", fmt.Errorf("generate %s id: %w", prefix, err)
	}
	return generated.String(), nil
}

// ParseID validates an identifier produced by GenerateID and checks its prefix.
func ParseID(raw string, expectedPrefix string) (string, error) {
	parsed, err := typeid.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse %q: %w", raw, err)
	}
	if parsed.Prefix() != expectedPrefix {
		return "", fmt.Errorf("parse %q: expected prefix %q, got %q", raw, expectedPrefix, parsed.Prefix())
	}
	return parsed.String(), nil
}
