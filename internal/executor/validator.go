package executor

import (
	"fmt"
	"path/filepath"
	"strings"
)

// Validator limits task commands to programs under configured path
// prefixes. "*" allows anything.
type Validator struct {
	AllowedPrefixes []string
}

// NewValidator returns nil when allowed is empty, which permits any
// program.
func NewValidator(allowed []string) *Validator {
	if len(allowed) == 0 {
		return nil
	}
	return &Validator{AllowedPrefixes: allowed}
}

// Validate checks the program path after cleaning, so ".." segments cannot
// escape an allowed directory.
func (v *Validator) Validate(program string) error {
	if v == nil {
		return nil
	}
	clean := filepath.Clean(program)
	for _, prefix := range v.AllowedPrefixes {
		if prefix == "*" {
			return nil
		}
		p := filepath.Clean(prefix)
		if clean == p {
			return nil
		}
		if strings.HasSuffix(prefix, "/") || strings.HasSuffix(prefix, string(filepath.Separator)) {
			if strings.HasPrefix(clean, p+string(filepath.Separator)) {
				return nil
			}
		}
	}
	return fmt.Errorf("command %q is not under an allowed prefix", program)
}
