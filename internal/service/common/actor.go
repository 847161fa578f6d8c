//nolint:revive,nolintlint // Package name "common" is intentional for shared helpers.
package common

import (
	"fmt"
	"os"
	"os/user"
)

// Host identifies the machine and account a run was started from.
type Host struct {
	Hostname string
	Username string
}

// Fields returns the host as run log fields.
func (h Host) Fields() map[string]any {
	return map[string]any{
		"hostname": h.Hostname,
		"username": h.Username,
	}
}

// DetectHost gathers host and user information for the run log.
func DetectHost() (Host, error) {
	hostname, err := os.Hostname()
	if err != nil {
		return Host{}, fmt.Errorf("hostname: %w", err)
	}

	currentUser, err := user.Current()
	if err != nil {
		return Host{}, fmt.Errorf("current user: %w", err)
	}

	return Host{
		Hostname: hostname,
		Username: currentUser.Username,
	}, nil
}
