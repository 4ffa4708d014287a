//go:build linux && !android && !bluez_dbus

package manager

import (
	"github.com/srg/blecentral/central"
	"github.com/srg/blecentral/config"
	"github.com/srg/blecentral/linux/backend"
)

// newPlatformManager selects the raw-HCI Linux backend by default. Build
// with -tags bluez_dbus to select linuxdbus instead.
func newPlatformManager(cfg *config.Config) (central.Manager, error) {
	return backend.NewManager(cfg), nil
}
