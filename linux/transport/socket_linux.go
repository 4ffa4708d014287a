//go:build linux

package transport

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/srg/blecentral/linux/hci"
)

// hciFilter mirrors the kernel's struct hci_filter (bluetooth/hci.h):
// a packet-type bitmask, a 64-bit event-code bitmask split across two
// uint32s, and an opcode (unused here, left zero to admit every opcode).
type hciFilter struct {
	TypeMask  uint32
	EventMask [2]uint32
	Opcode    uint16
}

const hciFilterOption = 2 // HCI_FILTER, golang.org/x/sys/unix does not export it.

// deviceInfo mirrors the kernel's struct hci_dev_info, trimmed to the
// fields this package needs (grounded on
// other_examples/0b6758ff_paypal-gatt__linux-devices.go.go's
// HCIDeviceInfo).
type deviceInfo struct {
	DevId   uint16
	Name    [8]byte
	BDAddr  [6]byte
	Flags   uint32
	DevType uint8

	Features [8]uint8

	PktType    uint32
	LinkPolicy uint32
	LinkMode   uint32

	AclMtu  uint16
	AclPkts uint16
	ScoMtu  uint16
	ScoPkts uint16

	Stats [10]uint32
}

type deviceListRequest struct {
	DevNum  uint16
	DevReqs [maxHCIDevices]struct {
		DevId  uint16
		DevOpt uint32
	}
}

const maxHCIDevices = 16

const (
	hciGetDeviceList = 0x800448d2 // HCIGETDEVLIST, _IOR('H', 210, int)
	hciGetDeviceInfo = 0x800448d3 // HCIGETDEVINFO, _IOR('H', 211, int)
)

// hciSocket adapts a raw AF_BLUETOOTH/BTPROTO_HCI file descriptor to the
// Socket interface.
type hciSocket struct {
	fd int
}

func (s *hciSocket) Read(buf []byte) (int, error)  { return unix.Read(s.fd, buf) }
func (s *hciSocket) Write(buf []byte) (int, error) { return unix.Write(s.fd, buf) }
func (s *hciSocket) Close() error                  { return unix.Close(s.fd) }

// ListDeviceIDs enumerates the controller indices the kernel currently
// knows about, via HCIGETDEVLIST (grounded on
// other_examples/0b6758ff_paypal-gatt__linux-devices.go.go).
func ListDeviceIDs() ([]int, error) {
	fd, err := unix.Socket(unix.AF_BLUETOOTH, unix.SOCK_RAW, unix.BTPROTO_HCI)
	if err != nil {
		return nil, fmt.Errorf("transport: open control socket: %w", err)
	}
	defer unix.Close(fd)

	req := deviceListRequest{DevNum: maxHCIDevices}
	if err := ioctl(fd, hciGetDeviceList, unsafe.Pointer(&req)); err != nil {
		return nil, fmt.Errorf("transport: HCIGETDEVLIST: %w", err)
	}

	ids := make([]int, 0, req.DevNum)
	for i := 0; i < int(req.DevNum); i++ {
		ids = append(ids, int(req.DevReqs[i].DevId))
	}
	return ids, nil
}

// DeviceInfo queries HCIGETDEVINFO for devID.
func DeviceInfo(devID int) (deviceInfo, error) {
	fd, err := unix.Socket(unix.AF_BLUETOOTH, unix.SOCK_RAW, unix.BTPROTO_HCI)
	if err != nil {
		return deviceInfo{}, fmt.Errorf("transport: open control socket: %w", err)
	}
	defer unix.Close(fd)

	info := deviceInfo{DevId: uint16(devID)}
	if err := ioctl(fd, hciGetDeviceInfo, unsafe.Pointer(&info)); err != nil {
		return deviceInfo{}, fmt.Errorf("transport: HCIGETDEVINFO(%d): %w", devID, err)
	}
	return info, nil
}

// OpenDevice opens a raw HCI socket bound to devID and installs the kernel
// filter spec §4.3 requires: Command, Event and ACLData packet types, and
// exactly the event codes in hci.EventFilterMask.
func OpenDevice(devID int) (*hciSocket, error) {
	fd, err := unix.Socket(unix.AF_BLUETOOTH, unix.SOCK_RAW, unix.BTPROTO_HCI)
	if err != nil {
		return nil, fmt.Errorf("transport: socket: %w", err)
	}

	filter := buildFilter()
	if err := setHCIFilter(fd, filter); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("transport: set filter: %w", err)
	}

	sa := &unix.SockaddrHCI{Dev: uint16(devID), Channel: unix.HCI_CHANNEL_RAW}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("transport: bind dev %d: %w", devID, err)
	}

	return &hciSocket{fd: fd}, nil
}

// buildFilter constructs the packet-type/event-code filter named in spec
// §4.3, matching the kernel's hci_set_bit(nr, mask) convention: bit nr of
// the relevant mask is set for packet type nr or event code nr.
func buildFilter() hciFilter {
	var f hciFilter
	setBit32(&f.TypeMask, uint(hci.PacketCommand))
	setBit32(&f.TypeMask, uint(hci.PacketACLData))
	setBit32(&f.TypeMask, uint(hci.PacketEvent))
	for _, code := range hci.EventFilterMask {
		setBit64(&f.EventMask, uint(code))
	}
	return f
}

func setBit32(mask *uint32, bit uint) {
	*mask |= 1 << bit
}

func setBit64(mask *[2]uint32, bit uint) {
	if bit < 32 {
		mask[0] |= 1 << bit
	} else {
		mask[1] |= 1 << (bit - 32)
	}
}

func setHCIFilter(fd int, f hciFilter) error {
	return setsockopt(fd, unix.SOL_HCI, hciFilterOption, unsafe.Pointer(&f), unsafe.Sizeof(f))
}

func ioctl(fd int, req uintptr, arg unsafe.Pointer) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), req, uintptr(arg))
	if errno != 0 {
		return errno
	}
	return nil
}

func setsockopt(fd, level, name int, val unsafe.Pointer, vallen uintptr) error {
	_, _, errno := unix.Syscall6(unix.SYS_SETSOCKOPT, uintptr(fd), uintptr(level), uintptr(name), uintptr(val), vallen, 0)
	if errno != 0 {
		return errno
	}
	return nil
}
