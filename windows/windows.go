//go:build windows

// Package windows implements the central.Manager/Adapter/Peripheral
// contract (spec §4.3-§4.6) on top of WinRT's
// Windows.Devices.Bluetooth/.Advertisement/.GenericAttributeProfile APIs,
// projected into Go by github.com/saltosystems/winrt-go. WinRT async
// operations (IAsyncOperation) are not context-aware, so every blocking
// call here is bridged through awaitIAsyncOperation's poll loop, generalized
// from the reference driver this package is grounded on.
package windows

import (
	"context"
	"fmt"
	"time"

	"github.com/go-ole/go-ole"
	"github.com/saltosystems/winrt-go"
	"github.com/saltosystems/winrt-go/windows/foundation"
	"github.com/sirupsen/logrus"

	"github.com/srg/blecentral/bdaddr"
	"github.com/srg/blecentral/central"
	"github.com/srg/blecentral/config"
)

// Manager owns the one-time WinRT apartment initialization every Adapter's
// COM calls depend on.
type Manager struct {
	cfg *config.Config
	log *logrus.Logger
}

// NewManager initializes WinRT on a single-threaded COM apartment
// (COINIT_APARTMENTTHREADED, matching the reference driver) and returns a
// Manager using cfg (config.Default() if nil).
func NewManager(cfg *config.Config) (*Manager, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := winrt.RoInitialize(1); err != nil {
		return nil, central.Other(fmt.Errorf("windows: RoInitialize: %w", err))
	}
	return &Manager{cfg: cfg, log: cfg.NewLogger()}, nil
}

// Adapters always returns exactly one Adapter: Windows exposes Bluetooth LE
// central-role APIs against the host's default radio, with no WinRT
// surface to enumerate multiple independently-addressable local adapters
// (spec §4.7).
func (m *Manager) Adapters(ctx context.Context) ([]central.Adapter, error) {
	a := newAdapter(m.cfg, m.log.WithField("adapter", "windows0"))
	return []central.Adapter{a}, nil
}

// bdAddrFromUint64 unpacks a little-endian-packed WinRT Bluetooth address
// (as returned by BluetoothLEAdvertisementReceivedEventArgs.GetBluetoothAddress)
// into the library's canonical MSB-first BDAddr.
func bdAddrFromUint64(v uint64) bdaddr.BDAddr {
	var b [6]byte
	for i := 0; i < 6; i++ {
		b[5-i] = byte(v >> (8 * i))
	}
	return bdaddr.New(b)
}

// uint64FromBDAddr is bdAddrFromUint64's inverse, used to call
// FromBluetoothAddressAsync.
func uint64FromBDAddr(addr bdaddr.BDAddr) uint64 {
	b := addr.Bytes()
	var v uint64
	for i := 0; i < 6; i++ {
		v |= uint64(b[5-i]) << (8 * i)
	}
	return v
}

// awaitIAsyncOperation polls a WinRT async operation to completion or until
// ctx is done. WinRT's projected async types have no channel or context
// integration, so this loop is the bridge, the same shape as the reference
// driver's awaitIAsyncOperation, extended here with context cancellation
// since spec requires every blocking call to honor ctx.
func awaitIAsyncOperation(ctx context.Context, op foundation.IAsyncOperationer) (interface{}, error) {
	const pollInterval = 10 * time.Millisecond
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		status, err := op.GetStatus()
		if err != nil {
			return nil, err
		}
		switch status {
		case foundation.AsyncStatusCompleted:
			return op.GetResults()
		case foundation.AsyncStatusError:
			return nil, fmt.Errorf("windows: async operation failed")
		case foundation.AsyncStatusCanceled:
			return nil, fmt.Errorf("windows: async operation canceled")
		}
		time.Sleep(pollInterval)
	}
}

// normalizeError maps a WinRT HRESULT-bearing error onto the portable
// taxonomy. go-ole surfaces COM failures as *ole.OleError; everything else
// (including awaitIAsyncOperation's own sentinel errors) falls through to
// KindOther.
func normalizeError(err error) error {
	if err == nil {
		return nil
	}
	if err == context.DeadlineExceeded || err == context.Canceled {
		return central.TimedOut(0)
	}
	if oleErr, ok := err.(*ole.OleError); ok {
		switch oleErr.Code() {
		case 0x80070005: // E_ACCESSDENIED
			return central.Wrap(central.KindPermissionDenied, err)
		}
	}
	return central.Other(err)
}
