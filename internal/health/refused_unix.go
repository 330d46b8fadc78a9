//go:build unix

package health

import (
	"errors"

	"golang.org/x/sys/unix"
)

func isRefused(err error) bool {
	return errors.Is(err, unix.ECONNREFUSED)
}
