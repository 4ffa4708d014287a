//go:build android

// Package android implements the central.Manager/Adapter/Peripheral
// contract on top of a Java BluetoothGatt companion object reached through
// cgo/JNI. Android's BLE API is delegate-callback shaped the same way
// CoreBluetooth is (onScanResult, onConnectionStateChange,
// onServicesDiscovered, onCharacteristicChanged all arrive on a JNI
// callback thread with no Go-side blocking call to wait on), so this
// package reuses the same mediator pattern as darwin: a narrow gattBridge
// interface is the seam the real JNI glue attaches to, and every blocking
// Peripheral method parks on a pending-reply channel that the bridge's
// callback path resolves.
package android

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/srg/blecentral/central"
	"github.com/srg/blecentral/config"
)

// Manager owns the one Android BluetoothAdapter a process has access to.
type Manager struct {
	cfg *config.Config
	log *logrus.Logger
}

func NewManager(cfg *config.Config) *Manager {
	if cfg == nil {
		cfg = config.Default()
	}
	return &Manager{cfg: cfg, log: cfg.NewLogger()}
}

// Adapters always returns exactly one Adapter: the Android BLE stack, like
// WinRT, exposes no multi-radio enumeration surface to an application
// process.
func (m *Manager) Adapters(ctx context.Context) ([]central.Adapter, error) {
	a := newAdapter(m.cfg, m.log.WithField("adapter", "android0"), defaultGattBridge())
	return []central.Adapter{a}, nil
}
