//go:build js && wasm

package web

import (
	"context"
	"sync"
	"syscall/js"

	"github.com/sirupsen/logrus"

	"github.com/srg/blecentral/central"
	"github.com/srg/blecentral/config"
	"github.com/srg/blecentral/registry"
)

type Adapter struct {
	cfg       *config.Config
	log       *logrus.Entry
	bluetooth js.Value
	reg       *registry.Registry

	mu          sync.Mutex
	scan        js.Value // BluetoothLEScan, or the zero js.Value if not scanning
	scanHandler js.Func
}

func newAdapter(cfg *config.Config, log *logrus.Entry, bluetooth js.Value) *Adapter {
	return &Adapter{
		cfg:       cfg,
		log:       log,
		bluetooth: bluetooth,
		reg:       registry.NewWithBufferSize(cfg.NotificationBufferSize),
	}
}

func (a *Adapter) Events(ctx context.Context) (<-chan central.CentralEvent, error) {
	ch, unsubscribe := a.reg.EventStream()
	out := make(chan central.CentralEvent)
	go func() {
		defer close(out)
		defer unsubscribe()
		for {
			select {
			case ev, ok := <-ch:
				if !ok {
					return
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// StartScan requests a passive LE scan via navigator.bluetooth.requestLEScan,
// available behind the experimental "bluetooth" feature flag, and listens
// for "advertisementreceived" events on navigator.bluetooth itself.
func (a *Adapter) StartScan(ctx context.Context, filter central.ScanFilter) error {
	requestLEScan := a.bluetooth.Get("requestLEScan")
	if requestLEScan.IsUndefined() {
		return central.NotSupported("navigator.bluetooth.requestLEScan is not available in this browser")
	}

	opts := js.Global().Get("Object").New()
	opts.Set("acceptAllAdvertisements", true)
	opts.Set("keepRepeatedDevices", true)

	var handler js.Func
	handler = js.FuncOf(func(this js.Value, args []js.Value) any {
		if len(args) > 0 {
			a.handleAdvertisement(args[0], filter)
		}
		return nil
	})

	promise := a.bluetooth.Call("requestLEScan", opts)
	scan, err := jsAwait(ctx, promise)
	if err != nil {
		handler.Release()
		return normalizeError(err)
	}

	a.bluetooth.Call("addEventListener", "advertisementreceived", handler)

	a.mu.Lock()
	a.scan = scan
	a.scanHandler = handler
	a.mu.Unlock()
	return nil
}

func (a *Adapter) handleAdvertisement(ev js.Value, filter central.ScanFilter) {
	device := ev.Get("device")
	deviceID := device.Get("id").String()
	id := peripheralIDFromDeviceID(deviceID)

	p, firstSeen := a.reg.UpsertFromScan(id, func() central.Peripheral {
		return newPeripheral(a, id, device)
	})
	dp := p.(*peripheral)
	changed := dp.mergeAdvertisement(ev)

	if !filter.Matches(dp.Properties()) {
		return
	}
	if firstSeen {
		a.reg.Emit(central.DeviceDiscovered(id))
	} else if changed {
		a.reg.Emit(central.DeviceUpdated(id))
	}
}

func (a *Adapter) StopScan(ctx context.Context) error {
	a.mu.Lock()
	scan := a.scan
	handler := a.scanHandler
	a.scan = js.Value{}
	a.scanHandler = js.Func{}
	a.mu.Unlock()

	if !scan.Truthy() {
		return nil
	}
	a.bluetooth.Call("removeEventListener", "advertisementreceived", handler)
	handler.Release()
	scan.Call("stop")
	return nil
}

func (a *Adapter) Peripherals(ctx context.Context) ([]central.Peripheral, error) {
	return a.reg.List(), nil
}

func (a *Adapter) Peripheral(ctx context.Context, id central.PeripheralId) (central.Peripheral, error) {
	p, ok := a.reg.Get(id)
	if !ok {
		return nil, central.ErrDeviceNotFound
	}
	return p, nil
}

// AddPeripheral always returns KindNotSupported: Web Bluetooth's security
// model requires every BluetoothDevice handle to originate from a
// user-gesture-triggered requestDevice() picker, never from a bare address
// this module can originate on its own.
func (a *Adapter) AddPeripheral(ctx context.Context, id central.PeripheralId) (central.Peripheral, error) {
	return nil, central.NotSupported("web backend cannot originate a connection from a bare address")
}

func (a *Adapter) AdapterInfo(ctx context.Context) (string, error) {
	return "web0 (navigator.bluetooth)", nil
}

// AdapterState always reports PoweredOn: navigator.bluetooth.
// getAvailability() reports whether a radio exists at all, not its current
// power state, and Web Bluetooth surfaces an unavailable/off radio as a
// requestDevice()/connect() rejection instead.
func (a *Adapter) AdapterState(ctx context.Context) (central.AdapterState, error) {
	return central.StatePoweredOn, nil
}

func (a *Adapter) Close() error {
	a.mu.Lock()
	handler := a.scanHandler
	scan := a.scan
	a.mu.Unlock()
	if scan.Truthy() {
		a.bluetooth.Call("removeEventListener", "advertisementreceived", handler)
		handler.Release()
		scan.Call("stop")
	}
	a.reg.Close()
	return nil
}
