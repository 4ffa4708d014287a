package central

import (
	"context"

	"github.com/srg/blecentral/bdaddr"
)

// Manager is the application's entry point: it enumerates the Bluetooth
// adapters available on the host.
type Manager interface {
	Adapters(ctx context.Context) ([]Adapter, error)
}

// Adapter is one Bluetooth controller/radio. Events returns a fresh,
// independent subscription each call (§4.4); multiple subscribers may be
// live concurrently.
type Adapter interface {
	// Events returns a lazy, restartable stream of CentralEvent. The
	// returned channel is closed when ctx is done or Close is called.
	Events(ctx context.Context) (<-chan CentralEvent, error)

	StartScan(ctx context.Context, filter ScanFilter) error
	StopScan(ctx context.Context) error

	Peripherals(ctx context.Context) ([]Peripheral, error)
	Peripheral(ctx context.Context, id PeripheralId) (Peripheral, error)

	// AddPeripheral registers a peripheral the backend did not itself
	// discover via scanning (e.g. a known BDAddr typed in by the
	// application). Returns a KindNotSupported error on backends that
	// cannot originate connections without a prior advertisement.
	AddPeripheral(ctx context.Context, id PeripheralId) (Peripheral, error)

	AdapterInfo(ctx context.Context) (string, error)
	AdapterState(ctx context.Context) (AdapterState, error)

	Close() error
}

// Peripheral is a single remote GATT device reachable from an Adapter.
type Peripheral interface {
	ID() PeripheralId
	Address() bdaddr.BDAddr
	Properties() *PeripheralProperties // snapshot; fields unset if never advertised
	Services() []*Service              // empty until DiscoverServices succeeds

	IsConnected() bool
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	DiscoverServices(ctx context.Context) ([]*Service, error)

	Read(ctx context.Context, c *Characteristic) ([]byte, error)
	Write(ctx context.Context, c *Characteristic, data []byte, wt WriteType) error
	Subscribe(ctx context.Context, c *Characteristic) error
	Unsubscribe(ctx context.Context, c *Characteristic) error

	// Notifications returns a lazy stream of ValueNotification for
	// characteristics this peripheral is subscribed to. The stream is
	// closed when ctx is done or the peripheral disconnects.
	Notifications(ctx context.Context) (<-chan ValueNotification, error)

	ReadDescriptor(ctx context.Context, d *Descriptor) ([]byte, error)
	WriteDescriptor(ctx context.Context, d *Descriptor, data []byte) error
}
