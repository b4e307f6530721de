package multitenantengine

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/google/uuid"
)

const maxTenantNameLength = 100

// ValidateTenantName checks a display name before a tenant is created
func ValidateTenantName(name string) error {
	if name == "" {
		return fmt.Errorf("tenant name cannot be empty")
	}
	if len(name) > maxTenantNameLength {
		return fmt.Errorf("tenant name length %d exceeds maximum of %d characters", len(name), maxTenantNameLength)
	}
	if strings.TrimSpace(name) != name {
		return fmt.Errorf("tenant name has leading or trailing whitespace: %q", name)
	}
	for _, r := range name {
		if unicode.IsControl(r) {
			return fmt.Errorf("tenant name contains control character %U", r)
		}
	}
	return nil
}

// ValidateTenantID checks an id taken from a request path. Tenant ids are UUIDs.
func ValidateTenantID(id string) error {
	if id == "" {
		return fmt.Errorf("tenant id cannot be empty")
	}
	if _, err := uuid.Parse(id); err != nil {
		return fmt.Errorf("tenant id %q is not a UUID: %w", id, err)
	}
	return nil
}
