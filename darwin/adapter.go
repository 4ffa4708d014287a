package darwin

import (
	"context"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"

	"github.com/srg/blecentral/central"
	"github.com/srg/blecentral/config"
	"github.com/srg/blecentral/registry"
)

// Adapter wraps the ble.Device CoreBluetooth hands back from DeviceFactory.
type Adapter struct {
	dev ble.Device
	cfg *config.Config
	log *logrus.Entry
	reg *registry.Registry

	scanCancel context.CancelFunc
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

// StartScan runs ble.Device.Scan in the background until StopScan cancels
// it, translating each ble.Advertisement into the portable event model the
// way the teacher's bleScanner translates it into device.Advertisement.
func (a *Adapter) StartScan(ctx context.Context, filter central.ScanFilter) error {
	scanCtx, cancel := context.WithCancel(context.Background())
	a.scanCancel = cancel

	go func() {
		err := a.dev.Scan(scanCtx, true, func(adv ble.Advertisement) {
			a.handleAdvertisement(adv, filter)
		})
		if err != nil && scanCtx.Err() == nil {
			a.log.WithError(err).Warn("darwin: scan loop exited with error")
		}
	}()
	return nil
}

// StopScan cancels the scan started by StartScan.
func (a *Adapter) StopScan(ctx context.Context) error {
	if a.scanCancel != nil {
		a.scanCancel()
		a.scanCancel = nil
	}
	return nil
}

func (a *Adapter) handleAdvertisement(adv ble.Advertisement, filter central.ScanFilter) {
	id := peripheralIDFromAddr(adv.Addr().String())

	p, firstSeen := a.reg.UpsertFromScan(id, func() central.Peripheral {
		return newPeripheral(a, id, adv.Addr().String())
	})
	dp := p.(*peripheral)
	changed := dp.mergeAdvertisement(adv)

	if !filter.Matches(dp.Properties()) {
		return
	}
	if firstSeen {
		a.reg.Emit(central.DeviceDiscovered(id))
	} else if changed {
		a.reg.Emit(central.DeviceUpdated(id))
	}
	dp.emitAdvertisementEvents(a.reg, adv)
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

// AddPeripheral is unsupported on Darwin: CoreBluetooth can only dial a
// peripheral it has either scanned or previously connected to and cached
// (retrievePeripheralsWithIdentifiers), neither of which go-ble exposes as
// a synthesize-from-BDAddr operation.
func (a *Adapter) AddPeripheral(ctx context.Context, id central.PeripheralId) (central.Peripheral, error) {
	return nil, central.NotSupported("darwin backend cannot originate a peripheral without a prior advertisement")
}

func (a *Adapter) AdapterInfo(ctx context.Context) (string, error) {
	return "darwin0 (CoreBluetooth)", nil
}

// AdapterState always reports PoweredOn once the device factory has
// succeeded; go-ble surfaces a powered-off central manager as a Dial/Scan
// error ("have=4 want=5") rather than as an observable state, mirrored in
// normalizeError's KindPermissionDenied mapping.
func (a *Adapter) AdapterState(ctx context.Context) (central.AdapterState, error) {
	return central.StatePoweredOn, nil
}

func (a *Adapter) Close() error {
	if a.scanCancel != nil {
		a.scanCancel()
	}
	a.reg.Close()
	return a.dev.Stop()
}
