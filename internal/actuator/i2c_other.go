//go:build !linux

package actuator

import (
	"fmt"
	"runtime"
)

// OpenI2C is only available on linux.
func OpenI2C(path string, addr byte) (Bus, error) {
	return nil, fmt.Errorf("open i2c %s (address %#02x): not supported on %s", path, addr, runtime.GOOS)
}
