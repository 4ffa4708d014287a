//go:build android

package manager

import (
	"github.com/srg/blecentral/android"
	"github.com/srg/blecentral/central"
	"github.com/srg/blecentral/config"
)

func newPlatformManager(cfg *config.Config) (central.Manager, error) {
	return android.NewManager(cfg), nil
}
