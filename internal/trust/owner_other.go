//go:build !unix

package trust

import (
	"fmt"
	"os"
)

// Ownership checks need unix uid semantics; on other platforms every file
// fails closed rather than passing unverified.
func fileOwner(info os.FileInfo) (string, error) {
	return "", fmt.Errorf("file ownership validation is not supported on this platform")
}
