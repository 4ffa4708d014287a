package transport

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srg/blecentral/linux/hci"
)

// fakeSocket is an in-memory Socket: Write captures outgoing HCI packets,
// Read delivers frames queued via push().
type fakeSocket struct {
	mu      sync.Mutex
	writes  [][]byte
	toRead  chan []byte
	closed  chan struct{}
	closeCh chan struct{}
	once    sync.Once
}

func newFakeSocket() *fakeSocket {
	return &fakeSocket{
		toRead:  make(chan []byte, 16),
		closeCh: make(chan struct{}),
	}
}

func (s *fakeSocket) Write(b []byte) (int, error) {
	cp := append([]byte(nil), b...)
	s.mu.Lock()
	s.writes = append(s.writes, cp)
	s.mu.Unlock()
	return len(b), nil
}

func (s *fakeSocket) Read(buf []byte) (int, error) {
	select {
	case data := <-s.toRead:
		return copy(buf, data), nil
	case <-s.closeCh:
		return 0, errClosed
	}
}

func (s *fakeSocket) Close() error {
	s.once.Do(func() { close(s.closeCh) })
	return nil
}

func (s *fakeSocket) push(pkt []byte) { s.toRead <- pkt }

func (s *fakeSocket) lastWrite() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.writes) == 0 {
		return nil
	}
	return s.writes[len(s.writes)-1]
}

type stubErr string

func (e stubErr) Error() string { return string(e) }

const errClosed = stubErr("closed")

type stubHandler struct {
	mu       sync.Mutex
	reports  []hci.AdvertisingReport
	conns    []hci.LEConnectionCompleteEvent
	updates  []hci.LEConnectionUpdateCompleteEvent
	discs    []hci.DisconnectionCompleteEvent
	aclCalls [][]byte
}

func (h *stubHandler) OnAdvertisingReport(r hci.AdvertisingReport) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.reports = append(h.reports, r)
}

func (h *stubHandler) OnConnectionComplete(ev hci.LEConnectionCompleteEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.conns = append(h.conns, ev)
}

func (h *stubHandler) OnConnectionUpdateComplete(ev hci.LEConnectionUpdateCompleteEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.updates = append(h.updates, ev)
}

func (h *stubHandler) OnDisconnectionComplete(ev hci.DisconnectionCompleteEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.discs = append(h.discs, ev)
}

func (h *stubHandler) OnACLData(handle uint16, pb hci.PBFlag, data []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.aclCalls = append(h.aclCalls, data)
}

func commandCompleteEvent(opcode uint16, params []byte) []byte {
	body := append([]byte{0x01, byte(opcode), byte(opcode >> 8)}, params...)
	return append([]byte{byte(hci.PacketEvent), byte(hci.EventCommandComplete), byte(len(body))}, body...)
}

func TestStartScanSendsParametersThenEnable(t *testing.T) {
	sock := newFakeSocket()
	h := &stubHandler{}
	tr := New(sock, h)
	defer tr.Close()

	go func() {
		sock.push(commandCompleteEvent(opcodeLESetScanParameters, []byte{0x00}))
		sock.push(commandCompleteEvent(opcodeLESetScanEnable, []byte{0x00}))
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, tr.StartScan(ctx))

	last := sock.lastWrite()
	require.NotEmpty(t, last)
	assert.Equal(t, byte(hci.PacketCommand), last[0])
}

func TestAdvertisingReportDispatchedToHandler(t *testing.T) {
	sock := newFakeSocket()
	h := &stubHandler{}
	tr := New(sock, h)
	defer tr.Close()

	raw := []byte{
		byte(hci.PacketEvent), byte(hci.EventLEMeta), 0x0C,
		0x02, 0x01,
		0x04, 0x00, 0xC0, 0x4A, 0x96, 0xEA, 0xDA, 0x74,
		0x00,
		0xBE,
	}
	sock.push(raw)

	require.Eventually(t, func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		return len(h.reports) == 1
	}, time.Second, 10*time.Millisecond)

	assert.Equal(t, uint8(4), h.reports[0].EventType)
	assert.Equal(t, int8(-66), h.reports[0].RSSI)
}

func TestConnectResolvesOnMatchingConnectionComplete(t *testing.T) {
	sock := newFakeSocket()
	h := &stubHandler{}
	tr := New(sock, h)
	defer tr.Close()

	addr := [6]byte{0xC0, 0x4A, 0x96, 0xEA, 0xDA, 0x74}

	go func() {
		sock.push(commandCompleteEvent(opcodeLECreateConnection, nil))
		body := append([]byte{byte(hci.LESubeventConnectionComplete)},
			0x00, 0x01, 0x00, 0x00, 0x00)
		body = append(body, addr[:]...)
		body = append(body, 0x06, 0x00, 0x00, 0x00, 0x2A, 0x00, 0x00)
		sock.push(append([]byte{byte(hci.PacketEvent), byte(hci.EventLEMeta), byte(len(body))}, body...))
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	ev, err := tr.Connect(ctx, addr, 0x00)
	require.NoError(t, err)
	assert.Equal(t, uint16(1), ev.ConnectionHandle)
	assert.Equal(t, addr, ev.PeerAddress)
}

func TestDisconnectionCompleteDispatched(t *testing.T) {
	sock := newFakeSocket()
	h := &stubHandler{}
	tr := New(sock, h)
	defer tr.Close()

	body := []byte{0x00, 0x01, 0x00, 0x13}
	sock.push(append([]byte{byte(hci.PacketEvent), byte(hci.EventDisconnectionComplete), byte(len(body))}, body...))

	require.Eventually(t, func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		return len(h.discs) == 1
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, uint16(1), h.discs[0].ConnectionHandle)
}

func TestACLDataRoutedToHandler(t *testing.T) {
	sock := newFakeSocket()
	h := &stubHandler{}
	tr := New(sock, h)
	defer tr.Close()

	payload := []byte{0x02, 0x00, 0x04, 0x00, 0xAA, 0xBB}
	sock.push(append([]byte{byte(hci.PacketACLData), 0x01, 0x20, byte(len(payload)), 0x00}, payload...))

	require.Eventually(t, func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		return len(h.aclCalls) == 1
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, payload, h.aclCalls[0])
}
