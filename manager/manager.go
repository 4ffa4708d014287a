// Package manager is the platform-selecting facade application code
// imports instead of reaching into a specific backend package directly.
// NewManager dispatches to exactly one of linux/backend, linuxdbus,
// darwin, windows, android, or web at compile time via Go build tags, the
// way the teacher's own internal/devicefactory.go isolates its single
// go-ble-backed constructor behind one function application code calls.
package manager

import (
	"github.com/srg/blecentral/central"
	"github.com/srg/blecentral/config"
)

// NewManager constructs the central.Manager for the host platform this
// binary was built for. cfg may be nil, in which case config.Default() is
// used.
func NewManager(cfg *config.Config) (central.Manager, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	return newPlatformManager(cfg)
}
