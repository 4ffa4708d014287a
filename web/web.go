//go:build js && wasm

// Package web implements the central.Manager/Adapter/Peripheral contract
// on top of the browser's Web Bluetooth API via syscall/js. Every
// navigator.bluetooth call returns a JS Promise; jsAwait bridges each one
// into a blocking Go call by parking the calling goroutine on a channel
// that a "then"/"catch" callback pair resolves, the same
// promise-to-pending-future mediator shape android/darwin/windows use for
// their own native async APIs.
package web

import (
	"context"
	"crypto/sha1"
	"errors"
	"fmt"
	"strings"
	"syscall/js"

	"github.com/sirupsen/logrus"

	"github.com/srg/blecentral/bdaddr"
	"github.com/srg/blecentral/central"
	"github.com/srg/blecentral/config"
)

// Manager owns the browser's single navigator.bluetooth object.
type Manager struct {
	cfg *config.Config
	log *logrus.Logger
}

func NewManager(cfg *config.Config) (*Manager, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	nav := js.Global().Get("navigator")
	if nav.IsUndefined() || nav.Get("bluetooth").IsUndefined() {
		return nil, central.NotSupported("navigator.bluetooth is not available in this environment")
	}
	return &Manager{cfg: cfg, log: cfg.NewLogger()}, nil
}

// Adapters always returns exactly one Adapter: Web Bluetooth exposes a
// single navigator.bluetooth object per page, with no concept of multiple
// local radios.
func (m *Manager) Adapters(ctx context.Context) ([]central.Adapter, error) {
	a := newAdapter(m.cfg, m.log.WithField("adapter", "web0"), js.Global().Get("navigator").Get("bluetooth"))
	return []central.Adapter{a}, nil
}

// peripheralIDFromDeviceID synthesizes a stable BDAddr from a
// BluetoothDevice.id string. Web Bluetooth's privacy model never exposes a
// real BD_ADDR (the same constraint darwin's CoreBluetooth binding faces),
// only an opaque per-origin device identifier.
func peripheralIDFromDeviceID(deviceID string) central.BDAddrId {
	sum := sha1.Sum([]byte(deviceID))
	addr, _ := bdaddr.FromSlice(sum[:6])
	return central.BDAddrId{Addr: addr}
}

// jsAwait bridges a JS Promise into a blocking Go call. Blocking here is
// safe under GOOS=js: the calling goroutine parks on the channel, controls
// returns to the Go scheduler and then to the JS event loop, which is what
// actually runs the promise's continuation and unblocks the channel.
func jsAwait(ctx context.Context, promise js.Value) (js.Value, error) {
	resultCh := make(chan js.Value, 1)
	errCh := make(chan error, 1)

	var thenFunc, catchFunc js.Func
	thenFunc = js.FuncOf(func(this js.Value, args []js.Value) any {
		if len(args) > 0 {
			resultCh <- args[0]
		} else {
			resultCh <- js.Undefined()
		}
		return nil
	})
	catchFunc = js.FuncOf(func(this js.Value, args []js.Value) any {
		if len(args) > 0 {
			errCh <- jsErrorToGo(args[0])
		} else {
			errCh <- errors.New("web: promise rejected")
		}
		return nil
	})
	defer thenFunc.Release()
	defer catchFunc.Release()

	promise.Call("then", thenFunc).Call("catch", catchFunc)

	select {
	case v := <-resultCh:
		return v, nil
	case err := <-errCh:
		return js.Undefined(), err
	case <-ctx.Done():
		return js.Undefined(), ctx.Err()
	}
}

func jsErrorToGo(v js.Value) error {
	if v.Type() == js.TypeObject && !v.Get("message").IsUndefined() {
		return fmt.Errorf("web: %s: %s", v.Get("name").String(), v.Get("message").String())
	}
	return fmt.Errorf("web: %s", v.String())
}

// normalizeError maps a Web Bluetooth DOMException (surfaced as a plain Go
// error carrying its "name: message" text via jsErrorToGo) onto the
// portable taxonomy. Web Bluetooth's well-known DOMException names are
// "SecurityError" (permission/user-gesture failures), "NotFoundError" (no
// matching device), and "NetworkError" (GATT operation failed after
// disconnect).
func normalizeError(err error) error {
	if err == nil {
		return nil
	}
	if err == context.DeadlineExceeded {
		return central.TimedOut(0)
	}
	if err == context.Canceled {
		return err
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "SecurityError"):
		return central.Wrap(central.KindPermissionDenied, err)
	case strings.Contains(msg, "NotFoundError"):
		return central.Wrap(central.KindDeviceNotFound, err)
	case strings.Contains(msg, "NetworkError"), strings.Contains(msg, "not connected"):
		return central.Wrap(central.KindNotConnected, err)
	default:
		return central.Other(err)
	}
}
