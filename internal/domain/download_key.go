package domain

import (
	"fmt"
	"strings"
)

// FileRole identifies which file of an owner a download is for
type FileRole int

const (
	RolePrimary FileRole = iota
	RoleAuxiliary1
	RoleAuxiliary2
	RoleAuxiliary3
)

var roleNames = []string{"primary", "auxiliary1", "auxiliary2", "auxiliary3"}

// String returns the role name
func (r FileRole) String() string {
	if r < 0 || int(r) >= len(roleNames) {
		return fmt.Sprintf("role(%d)", int(r))
	}
	return roleNames[r]
}

// Valid returns true if the role is a known role
func (r FileRole) Valid() bool {
	return r >= 0 && int(r) < len(roleNames)
}

// ParseFileRole converts a role name back to a FileRole
func ParseFileRole(s string) (FileRole, error) {
	for i, name := range roleNames {
		if strings.EqualFold(s, name) {
			return FileRole(i), nil
		}
	}
	return 0, fmt.Errorf("%w: unknown file role %q", ErrInvalidInput, s)
}

// keySeparator joins owner and role. Roles never contain it, so parsing
// splits on the last occurrence and owner IDs may contain it freely.
const keySeparator = "#"

// DownloadKey is the stable identity of one logical file
type DownloadKey struct {
	OwnerID string
	Role    FileRole
}

// NewDownloadKey creates a DownloadKey
func NewDownloadKey(ownerID string, role FileRole) DownloadKey {
	return DownloadKey{OwnerID: ownerID, Role: role}
}

// String returns the persisted form of the key
func (k DownloadKey) String() string {
	return k.OwnerID + keySeparator + k.Role.String()
}

// Validate checks the key is usable
func (k DownloadKey) Validate() error {
	if k.OwnerID == "" {
		return fmt.Errorf("%w: owner id is required", ErrInvalidInput)
	}
	if !k.Role.Valid() {
		return fmt.Errorf("%w: invalid role %d", ErrInvalidInput, int(k.Role))
	}
	return nil
}

// ParseDownloadKey parses the output of DownloadKey.String
func ParseDownloadKey(s string) (DownloadKey, error) {
	idx := strings.LastIndex(s, keySeparator)
	if idx <= 0 {
		return DownloadKey{}, fmt.Errorf("%w: malformed download key %q", ErrInvalidInput, s)
	}
	role, err := ParseFileRole(s[idx+1:])
	if err != nil {
		return DownloadKey{}, err
	}
	return DownloadKey{OwnerID: s[:idx], Role: role}, nil
}
