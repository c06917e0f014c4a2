package capability

import (
	"errors"
	"fmt"
)

// ErrPermissionDenied is the class all PermissionErrors match via errors.Is.
var ErrPermissionDenied = errors.New("capability: permission denied")

// PermissionError reports a capability call made without the required grant.
// It fires before any side effect of the call.
type PermissionError struct {
	Missing Permission
}

func (e *PermissionError) Error() string {
	return fmt.Sprintf("capability: permission denied: %s", e.Missing)
}

func (e *PermissionError) Is(target error) bool {
	return target == ErrPermissionDenied
}

// MissingPermission extracts the ungranted permission from err, if err is a
// PermissionError anywhere in its chain.
func MissingPermission(err error) (Permission, bool) {
	var perr *PermissionError
	if errors.As(err, &perr) {
		return perr.Missing, true
	}
	return "", false
}
