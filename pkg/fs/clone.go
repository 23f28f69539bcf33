// Package fs holds small filesystem helpers shared by the artifact layout
// and the hypervisor driver.
package fs

import (
	"errors"
	"io"
	"os"

	"golang.org/x/sys/unix"
)

// CloneFile copies src to dst. On filesystems with reflink support the clone
// is instant and shares extents; otherwise a plain byte copy runs. dst is
// truncated if it exists.
func CloneFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}

	err = unix.IoctlFileClone(int(out.Fd()), int(in.Fd()))
	if err != nil {
		if !errors.Is(err, unix.EOPNOTSUPP) && !errors.Is(err, unix.EXDEV) && !errors.Is(err, unix.EINVAL) {
			_ = out.Close()
			_ = os.Remove(dst)
			return err
		}
		if _, err := io.Copy(out, in); err != nil {
			_ = out.Close()
			_ = os.Remove(dst)
			return err
		}
	}

	if err := out.Sync(); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
