// Package trust gates which files the runner may execute or read secrets
// from. A file passes when it exists, is owned by the configured trust
// principal, and its mode denies group/other access. The threat model is
// other processes on the same host, not a network attacker.
package trust

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"trustrun/internal/log"
)

// TrustedPath is an absolute path that passed validation. Trust is never
// cached: a TrustedPath is only as fresh as the Validate call that produced
// it, so callers revalidate on every use.
type TrustedPath string

func (p TrustedPath) String() string {
	return string(p)
}

// Policy configures what Validate accepts.
type Policy struct {
	// Principal is the required owning user name. Ownership is resolved from
	// the file's numeric uid.
	Principal string
	// PermSuffix is the required trailing digits of the octal permission
	// rendering. "00" means no group/other access; owner bits are
	// unconstrained.
	PermSuffix string
}

// DefaultPolicy mirrors the production worker setup: files must be owned by
// root and carry mode x00 (500, 400, 600, ...).
func DefaultPolicy() Policy {
	return Policy{Principal: "root", PermSuffix: "00"}
}

// Validator is the capability the rest of the runner depends on.
type Validator interface {
	Validate(path string) (TrustedPath, error)
}

// FileValidator checks paths against a Policy. Checks run in order and stop
// at the first failure; any failure is a *SecurityError.
type FileValidator struct {
	policy Policy
	logger *slog.Logger
}

// NewValidator creates a FileValidator for the given policy. Zero-value
// policy fields fall back to the defaults.
func NewValidator(policy Policy) *FileValidator {
	if policy.Principal == "" {
		policy.Principal = DefaultPolicy().Principal
	}
	if policy.PermSuffix == "" {
		policy.PermSuffix = DefaultPolicy().PermSuffix
	}
	return &FileValidator{
		policy: policy,
		logger: log.WithComponent("trust"),
	}
}

// Validate checks path and returns it as a TrustedPath on success.
func (v *FileValidator) Validate(path string) (TrustedPath, error) {
	v.logger.Debug("validating file", "path", path)

	if path == "" {
		return "", v.fail(path, KindNotFound, "empty path")
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return "", v.fail(path, KindNotFound, fmt.Sprintf("resolve absolute path: %v", err))
	}

	info, err := os.Stat(abs)
	if err != nil {
		return "", v.fail(abs, KindNotFound, fmt.Sprintf("stat: %v", err))
	}
	if !info.Mode().IsRegular() {
		return "", v.fail(abs, KindNotFound, "not a regular file")
	}

	owner, err := fileOwner(info)
	if err != nil {
		return "", v.fail(abs, KindUntrustedOwner, fmt.Sprintf("resolve owner: %v", err))
	}
	v.logger.Debug("file owner", "path", abs, "owner", owner)
	if owner != v.policy.Principal {
		return "", v.fail(abs, KindUntrustedOwner,
			fmt.Sprintf("owned by %q, expected %q", owner, v.policy.Principal))
	}

	perm := fmt.Sprintf("%04o", info.Mode().Perm())
	v.logger.Debug("file permissions", "path", abs, "perm", perm)
	if !strings.HasSuffix(perm, v.policy.PermSuffix) {
		return "", v.fail(abs, KindUnsafePermissions,
			fmt.Sprintf("mode %s does not end with %q", perm, v.policy.PermSuffix))
	}

	return TrustedPath(abs), nil
}

func (v *FileValidator) fail(path string, kind Kind, detail string) error {
	err := &SecurityError{Path: path, Kind: kind, Detail: detail}
	v.logger.Error("trust validation failed", "path", path, "kind", string(kind), "detail", detail)
	return err
}
