package repo

import "x2a/internal/domain"

// ownerClause is the access predicate for projects. Without the capability
// the caller only reaches rows it created; the clause is ANDed into the same
// statement that reads or deletes, so there is no check-then-act window.
// A caller with empty credentials matches nothing.
func ownerClause(caller domain.Caller, capability bool) (string, []any) {
	if capability {
		return "", nil
	}
	if caller.Credentials == "" {
		return " AND 1=0", nil
	}
	return " AND created_by=?", []any{caller.Credentials}
}
