package transport

import (
	"fmt"

	"golang.org/x/sys/unix"
)

const markSupported = true

func setMark(fd uintptr, mark int) error {
	if err := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_MARK, mark); err != nil {
		return fmt.Errorf("failed to set SO_MARK: %w", err)
	}
	return nil
}
