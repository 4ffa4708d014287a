//go:build windows

package manager

import (
	"github.com/srg/blecentral/central"
	"github.com/srg/blecentral/config"
	"github.com/srg/blecentral/windows"
)

func newPlatformManager(cfg *config.Config) (central.Manager, error) {
	return windows.NewManager(cfg)
}
