//go:build unix

package trust

import (
	"fmt"
	"os"
	"os/user"
	"strconv"
	"syscall"
)

// fileOwner resolves the owning user name from the file's numeric uid.
func fileOwner(info os.FileInfo) (string, error) {
	st, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return "", fmt.Errorf("no unix stat info for %s", info.Name())
	}
	u, err := user.LookupId(strconv.FormatUint(uint64(st.Uid), 10))
	if err != nil {
		return "", fmt.Errorf("lookup uid %d: %w", st.Uid, err)
	}
	return u.Username, nil
}
