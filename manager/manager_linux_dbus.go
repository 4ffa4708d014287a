//go:build linux && !android && bluez_dbus

package manager

import (
	"github.com/srg/blecentral/central"
	"github.com/srg/blecentral/config"
	"github.com/srg/blecentral/linuxdbus"
)

// newPlatformManager selects the BlueZ D-Bus backend, chosen at build time
// with -tags bluez_dbus over the default raw-HCI linux/backend.
func newPlatformManager(cfg *config.Config) (central.Manager, error) {
	return linuxdbus.NewManager(cfg)
}
