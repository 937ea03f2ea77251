package trust

import (
	"errors"
	"fmt"
)

// Kind identifies which validation rule a path failed.
type Kind string

const (
	// KindNotFound means the path is empty, missing, or not a regular file.
	KindNotFound Kind = "not_found"
	// KindUntrustedOwner means the file is not owned by the trust principal.
	KindUntrustedOwner Kind = "untrusted_owner"
	// KindUnsafePermissions means group or other principals can access the file.
	KindUnsafePermissions Kind = "unsafe_permissions"
)

// SecurityError reports a failed trust validation. It names the path and the
// first rule that failed; callers must not proceed past a SecurityError.
type SecurityError struct {
	Path   string
	Kind   Kind
	Detail string
}

func (e *SecurityError) Error() string {
	return fmt.Sprintf("security validation failed on %s: %s: %s", e.Path, e.Kind, e.Detail)
}

// Is allows errors.Is comparisons against a bare kind marker, e.g.
// errors.Is(err, &SecurityError{Kind: KindNotFound}).
func (e *SecurityError) Is(target error) bool {
	var other *SecurityError
	if !errors.As(target, &other) {
		return false
	}
	return other.Kind == e.Kind && (other.Path == "" || other.Path == e.Path)
}

// KindOf extracts the violation kind from err, if err is a SecurityError.
func KindOf(err error) (Kind, bool) {
	var se *SecurityError
	if errors.As(err, &se) {
		return se.Kind, true
	}
	return "", false
}
