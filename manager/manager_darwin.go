//go:build darwin

package manager

import (
	"github.com/srg/blecentral/central"
	"github.com/srg/blecentral/config"
	"github.com/srg/blecentral/darwin"
)

func newPlatformManager(cfg *config.Config) (central.Manager, error) {
	return darwin.NewManager(cfg), nil
}
