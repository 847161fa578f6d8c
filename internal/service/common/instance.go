//nolint:revive,nolintlint // Package name "common" is intentional for shared helpers.
package common

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/mitchellh/go-ps"
)

// ErrAlreadyRunning is returned when another controller process is running.
var ErrAlreadyRunning = errors.New("another instance is already running")

// EnsureSingleInstance fails when another process with this executable name
// is running. The camera, the serial link and the GPIO pin admit a single owner.
func EnsureSingleInstance() error {
	executable, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolve executable: %w", err)
	}

	processList, err := ps.Processes()
	if err != nil {
		return fmt.Errorf("list processes: %w", err)
	}

	if pid, found := findOther(processList, filepath.Base(executable), os.Getpid()); found {
		return fmt.Errorf("%w: pid %d", ErrAlreadyRunning, pid)
	}

	return nil
}

// findOther returns the pid of a process named name other than self.
func findOther(processList []ps.Process, name string, self int) (int, bool) {
	for _, process := range processList {
		if process.Pid() == self {
			continue
		}

		if process.Executable() != name {
			continue
		}

		return process.Pid(), true
	}

	return 0, false
}
