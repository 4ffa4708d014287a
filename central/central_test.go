package central

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/srg/blecentral/bdaddr"
	"github.com/srg/blecentral/bleuuid"
)

func TestScanFilterMatches(t *testing.T) {
	svcA := bleuuid.MustParse("0x180d")
	svcB := bleuuid.MustParse("0x180f")
	svcC := bleuuid.MustParse("0x1800")

	tests := []struct {
		name   string
		filter ScanFilter
		props  *PeripheralProperties
		want   bool
	}{
		{
			name:   "empty filter matches everything",
			filter: ScanFilter{},
			props:  &PeripheralProperties{Services: nil},
			want:   true,
		},
		{
			name:   "empty filter matches even with no advertised services",
			filter: ScanFilter{},
			props:  &PeripheralProperties{Services: []bleuuid.UUID{}},
			want:   true,
		},
		{
			name:   "matches when one of several wanted services is advertised",
			filter: ScanFilter{Services: []bleuuid.UUID{svcA, svcB}},
			props:  &PeripheralProperties{Services: []bleuuid.UUID{svcB, svcC}},
			want:   true,
		},
		{
			name:   "no match when none of the advertised services are wanted",
			filter: ScanFilter{Services: []bleuuid.UUID{svcA}},
			props:  &PeripheralProperties{Services: []bleuuid.UUID{svcB, svcC}},
			want:   false,
		},
		{
			name:   "no match against an empty advertised service set",
			filter: ScanFilter{Services: []bleuuid.UUID{svcA}},
			props:  &PeripheralProperties{Services: nil},
			want:   false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.filter.Matches(tt.props))
		})
	}
}

func TestCharPropFlagsHas(t *testing.T) {
	f := CharRead | CharNotify

	assert.True(t, f.Has(CharRead))
	assert.True(t, f.Has(CharNotify))
	assert.False(t, f.Has(CharWrite))
	assert.False(t, f.Has(CharIndicate))

	assert.False(t, CharPropFlags(0).Has(CharRead))
}

func TestCharPropFlagsString(t *testing.T) {
	assert.Equal(t, "none", CharPropFlags(0).String())
	assert.Equal(t, "read", CharRead.String())
	assert.Equal(t, "read|write", (CharRead | CharWrite).String())
	assert.Equal(t, "broadcast|read|write-without-response|write|notify|indicate|signed-writes|extended",
		(CharBroadcast | CharRead | CharWriteWithoutResponse | CharWrite | CharNotify | CharIndicate | CharAuthenticatedSignedWrites | CharExtendedProperties).String())
}

func TestErrorIsComparesByKindOnly(t *testing.T) {
	e1 := &Error{Kind: KindNotConnected, Cause: errors.New("link supervision timeout")}
	e2 := &Error{Kind: KindNotConnected, Cause: errors.New("unrelated cause")}

	assert.True(t, errors.Is(e1, e2), "two errors of the same Kind must satisfy errors.Is regardless of Cause")
	assert.True(t, errors.Is(e1, ErrNotConnected))

	e3 := &Error{Kind: KindDeviceNotFound}
	assert.False(t, errors.Is(e1, e3), "errors of different Kind must not satisfy errors.Is")

	assert.False(t, e1.Is(errors.New("not a *Error at all")))
}

func TestErrorUnwrapExposesCause(t *testing.T) {
	cause := errors.New("boom")
	e := Wrap(KindOther, cause)

	assert.Equal(t, cause, errors.Unwrap(e))
	assert.True(t, errors.Is(e, cause))
}

func TestNotSupportedAndTimedOutConstructors(t *testing.T) {
	ns := NotSupported("descriptor read")
	assert.Equal(t, KindNotSupported, ns.Kind)
	assert.Equal(t, "not supported: descriptor read", ns.Error())

	to := TimedOut(5 * time.Second)
	assert.Equal(t, KindTimedOut, to.Kind)
	assert.Equal(t, "timed out after 5000ms", to.Error())
}

func TestIsKind(t *testing.T) {
	err := NotSupported("x")
	assert.True(t, IsKind(err, KindNotSupported))
	assert.False(t, IsKind(err, KindOther))
	assert.False(t, IsKind(errors.New("plain"), KindOther))
}

func TestCentralEventConstructors(t *testing.T) {
	id := BDAddrId{Addr: bdaddr.New([6]byte{1, 2, 3, 4, 5, 6})}

	assert.Equal(t, CentralEvent{Kind: EventDeviceDiscovered, PeripheralId: id}, DeviceDiscovered(id))
	assert.Equal(t, CentralEvent{Kind: EventDeviceUpdated, PeripheralId: id}, DeviceUpdated(id))
	assert.Equal(t, CentralEvent{Kind: EventDeviceConnected, PeripheralId: id}, DeviceConnected(id))
	assert.Equal(t, CentralEvent{Kind: EventDeviceDisconnected, PeripheralId: id}, DeviceDisconnected(id))
	assert.Equal(t, CentralEvent{Kind: EventDeviceLost, PeripheralId: id}, DeviceLost(id))
	assert.Equal(t, CentralEvent{Kind: EventStateUpdate, State: StatePoweredOn}, StateUpdateEvent(StatePoweredOn))
}

func TestCentralEventKindString(t *testing.T) {
	assert.Equal(t, "DeviceDiscovered", EventDeviceDiscovered.String())
	assert.Equal(t, "StateUpdate", EventStateUpdate.String())
	assert.Equal(t, "Unknown", CentralEventKind(99).String())
}

func TestBDAddrIdEqual(t *testing.T) {
	a := BDAddrId{Addr: bdaddr.New([6]byte{0, 0, 0, 0, 0, 1})}
	b := BDAddrId{Addr: bdaddr.New([6]byte{0, 0, 0, 0, 0, 1})}
	c := BDAddrId{Addr: bdaddr.New([6]byte{0, 0, 0, 0, 0, 2})}

	assert.True(t, a.Equal(b))
	assert.False(t, a.Equal(c))
	assert.False(t, a.Equal(nil))
}
