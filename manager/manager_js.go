//go:build js && wasm

package manager

import (
	"github.com/srg/blecentral/central"
	"github.com/srg/blecentral/config"
	"github.com/srg/blecentral/web"
)

func newPlatformManager(cfg *config.Config) (central.Manager, error) {
	return web.NewManager(cfg)
}
