//go:build !windows

package manager

import (
	stderrors "errors"
	"os"
	"syscall"

	"github.com/hpungsan/scribe/internal/errors"
)

// openNoFollow opens path with O_NOFOLLOW on the final component.
// Directory components are covered by pathPolicy.check.
func openNoFollow(path string, flag int, perm os.FileMode) (*os.File, error) {
	fd, err := syscall.Open(path, flag|syscall.O_NOFOLLOW|syscall.O_CLOEXEC, uint32(perm))
	if err != nil {
		if stderrors.Is(err, syscall.ELOOP) {
			return nil, errors.NewInvalidRequest("path must not be a symlink")
		}
		if stderrors.Is(err, syscall.ENOENT) && flag&os.O_CREATE == 0 {
			return nil, errors.NewFileNotFound(path)
		}
		return nil, err
	}
	return os.NewFile(uintptr(fd), path), nil
}
