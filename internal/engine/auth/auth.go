package auth

import (
	"slices"

	"x2a/internal/domain"
)

// Policy turns an authenticated subject and its granted permissions into the
// caller the repositories filter on. Ownership decisions stay in SQL; this
// only computes the two capability flags.
type Policy struct {
	ViewAllPermission  string
	WriteAllPermission string
}

// Caller returns the caller for subject. The flags are independent: seeing
// every project does not grant deleting them.
func (p Policy) Caller(subject string, permissions []string) domain.Caller {
	return domain.Caller{
		Credentials: subject,
		CanViewAll:  p.ViewAllPermission != "" && slices.Contains(permissions, p.ViewAllPermission),
		CanWriteAll: p.WriteAllPermission != "" && slices.Contains(permissions, p.WriteAllPermission),
	}
}
