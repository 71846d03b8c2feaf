//go:build !linux

package device

import (
	"fmt"
	"os"
	"runtime"
)

// OpenSerial is only implemented on Linux.
func OpenSerial(path string) (*os.File, error) {
	return nil, fmt.Errorf("serial devices are not supported on %s", runtime.GOOS)
}
