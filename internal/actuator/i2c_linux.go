//go:build linux

package actuator

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// i2cSlave is I2C_SLAVE from linux/i2c-dev.h.
const i2cSlave = 0x0703

// OpenI2C opens an I2C adapter such as /dev/i2c-1 and binds it to the
// peripheral at addr.
func OpenI2C(path string, addr byte) (Bus, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("open i2c %s: %w", path, err)
	}
	if err := unix.IoctlSetInt(int(f.Fd()), i2cSlave, int(addr)); err != nil {
		f.Close()
		return nil, fmt.Errorf("bind i2c %s to address %#02x: %w", path, addr, err)
	}
	return f, nil
}
