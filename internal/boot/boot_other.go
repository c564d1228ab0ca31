//go:build !linux

package boot

import (
	"errors"
	"runtime"
)

var errUnsupported = errors.New("boot setup is only supported on linux, not " + runtime.GOOS)

func EssentialMounts() []Mount { return nil }

func mountOne(Mount) (bool, error) { return false, errUnsupported }

func SetSubreaper() error { return errUnsupported }

func IsSubreaper() bool { return false }
