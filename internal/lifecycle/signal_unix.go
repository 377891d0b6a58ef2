//go:build unix

package lifecycle

import "syscall"

var probeSignal = syscall.Signal(0)
