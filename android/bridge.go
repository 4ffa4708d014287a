//go:build android

package android

import (
	"github.com/srg/blecentral/bleuuid"
)

// scanResult mirrors the fields ScanCallback.onScanResult's ScanRecord
// exposes: device address, RSSI, local name, and raw advertising payload.
type scanResult struct {
	addr      string // Android device address, "AA:BB:CC:DD:EE:FF"
	rssi      int8
	localName string
	mfgData   map[uint16][]byte
	svcData   map[bleuuid.UUID][]byte
	services  []bleuuid.UUID
}

// gattEvent is the mediator's single inbound event shape: every
// BluetoothGattCallback method (onConnectionStateChange,
// onServicesDiscovered, onCharacteristicRead, onCharacteristicWrite,
// onCharacteristicChanged, onDescriptorRead, onDescriptorWrite) is
// projected onto one of these by the JNI glue this interface isolates.
type gattEvent struct {
	kind      gattEventKind
	addr      string
	status    int // Android BluetoothGatt.GATT_SUCCESS == 0
	charUUID  bleuuid.UUID
	descUUID  bleuuid.UUID
	value     []byte
	services  []androidService
}

type gattEventKind int

const (
	eventConnected gattEventKind = iota
	eventDisconnected
	eventServicesDiscovered
	eventCharacteristicRead
	eventCharacteristicWrite
	eventCharacteristicChanged
	eventDescriptorRead
	eventDescriptorWrite
)

type androidCharacteristic struct {
	uuid  bleuuid.UUID
	props int // BluetoothGattCharacteristic.PROPERTY_* bitmask
}

type androidService struct {
	uuid  bleuuid.UUID
	chars []androidCharacteristic
}

// gattBridge is the seam between this package's mediator logic and the
// actual JNI calls into a BluetoothGatt companion object. A real Android
// build provides a cgo-backed implementation that calls
// BluetoothAdapter.startLeScan/BluetoothDevice.connectGatt/
// BluetoothGatt.{discoverServices,readCharacteristic,writeCharacteristic,
// setCharacteristicNotification} and relays each JNI callback back into
// events() by calling deliverEvent. No JNI code ships in this tree: the
// mediator logic above is the portable, testable half of the adapter.
type gattBridge interface {
	startScan(onResult func(scanResult)) error
	stopScan() error
	connect(addr string) error
	disconnect(addr string) error
	discoverServices(addr string) error
	readCharacteristic(addr string, uuid bleuuid.UUID) error
	writeCharacteristic(addr string, uuid bleuuid.UUID, data []byte, withResponse bool) error
	setCharacteristicNotification(addr string, uuid bleuuid.UUID, enabled bool) error
	events() <-chan gattEvent
	close() error
}

// defaultGattBridge is overridden by the real JNI-backed implementation
// once one is linked in; its absence here is what keeps this package
// buildable without a JNI toolchain attached.
var defaultGattBridge = func() gattBridge {
	return nil
}
