//go:build unix

package main

import (
	"errors"
	"os"
	"syscall"
)

// isEXDEV reports whether err is a rename failure across filesystems.
func isEXDEV(err error) bool {
	var le *os.LinkError
	if errors.As(err, &le) {
		return errors.Is(le.Err, syscall.EXDEV)
	}
	return errors.Is(err, syscall.EXDEV)
}
