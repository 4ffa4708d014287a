// Package darwin implements the central.Manager/Adapter/Peripheral contract
// (spec §4.3-§4.6) on top of github.com/go-ble/ble's CoreBluetooth binding,
// the macOS backend named in spec §4.7. CoreBluetooth itself never exposes
// a peripheral's real BD_ADDR (Apple's privacy model hides it behind a
// per-host CBUUID identifier instead); every *central.Error this package
// returns is produced by normalizing go-ble's error strings the way the
// teacher's NormalizeError does, and every peripheral identity is the
// synthetic BDAddr derived in peripheralIDFromAddr.
package darwin

import (
	"context"
	"crypto/sha1"
	"errors"
	"strings"

	"github.com/go-ble/ble"
	"github.com/go-ble/ble/darwin"
	"github.com/sirupsen/logrus"

	"github.com/srg/blecentral/bdaddr"
	"github.com/srg/blecentral/central"
	"github.com/srg/blecentral/config"
	"github.com/srg/blecentral/registry"
)

// DeviceFactory creates the ble.Device backing every Manager; overridable
// in tests the way the teacher's own goble.DeviceFactory is.
var DeviceFactory = func() (ble.Device, error) {
	return darwin.NewDevice()
}

// peripheralIDFromAddr synthesizes a stable 6-byte BDAddr from
// CoreBluetooth's opaque per-host identifier string, since go-ble's
// ble.Addr().String() on Darwin is a CBUUID, not a real BD_ADDR. Truncating
// a SHA-1 digest keeps the mapping deterministic for a given identifier
// across a process's lifetime without claiming it is the device's real
// hardware address.
func peripheralIDFromAddr(addr string) central.BDAddrId {
	sum := sha1.Sum([]byte(strings.ToLower(addr)))
	a, _ := bdaddr.FromSlice(sum[:6])
	return central.BDAddrId{Addr: a}
}

// Manager wraps a single CoreBluetooth central manager; macOS exposes no
// concept of multiple independently-addressable local radios, so Adapters
// always returns exactly one Adapter (spec §4.7 notes this as the expected
// shape for both Darwin and Windows).
type Manager struct {
	cfg *config.Config
	log *logrus.Logger
}

// NewManager returns a Manager using cfg (config.Default() if nil).
func NewManager(cfg *config.Config) *Manager {
	if cfg == nil {
		cfg = config.Default()
	}
	return &Manager{cfg: cfg, log: cfg.NewLogger()}
}

// Adapters returns the single CoreBluetooth-backed Adapter.
func (m *Manager) Adapters(ctx context.Context) ([]central.Adapter, error) {
	dev, err := DeviceFactory()
	if err != nil {
		return nil, normalizeError(err)
	}
	ble.SetDefaultDevice(dev)
	a := &Adapter{
		dev: dev,
		cfg: m.cfg,
		log: m.log.WithField("adapter", "darwin0"),
		reg: registry.NewWithBufferSize(m.cfg.NotificationBufferSize),
	}
	return []central.Adapter{a}, nil
}

// normalizeError maps go-ble's error strings and context errors onto the
// portable taxonomy, generalizing the teacher's NormalizeError (which maps
// onto the application's own device.Err* sentinels) onto central.ErrorKind.
func normalizeError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return central.TimedOut(0)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "bluetooth is turned off"),
		strings.Contains(msg, "have=4 want=5"):
		return central.Wrap(central.KindPermissionDenied, err)
	case strings.Contains(msg, "device not connected"),
		strings.Contains(msg, "disconnected"):
		return central.Wrap(central.KindNotConnected, err)
	case strings.Contains(msg, "device already connected"):
		return nil
	case strings.Contains(msg, "not found"):
		return central.Wrap(central.KindDeviceNotFound, err)
	default:
		return central.Other(err)
	}
}
