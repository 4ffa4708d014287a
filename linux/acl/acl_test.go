package acl

import (
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srg/blecentral/bleuuid"
	"github.com/srg/blecentral/linux/hci"
)

// fakeConn is an in-memory Conn: Write appends an L2CAP-framed copy of its
// argument to an internal queue that Read drains, simulating the kernel
// echo/response behavior the ACL stream depends on. Tests push additional
// inbound frames via push().
type fakeConn struct {
	writes chan []byte
	toRead chan []byte
	closed chan struct{}
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		writes: make(chan []byte, 16),
		toRead: make(chan []byte, 16),
		closed: make(chan struct{}),
	}
}

func frame(pdu []byte) []byte {
	l2capLen := len(pdu)
	out := []byte{byte(l2capLen), byte(l2capLen >> 8), 0x04, 0x00}
	return append(out, pdu...)
}

func (c *fakeConn) Write(p []byte) (int, error) {
	cp := append([]byte(nil), p...)
	select {
	case c.writes <- cp:
	default:
	}
	return len(p), nil
}

func (c *fakeConn) Read(buf []byte) (int, error) {
	select {
	case data := <-c.toRead:
		n := copy(buf, data)
		return n, nil
	case <-c.closed:
		return 0, io.EOF
	}
}

func (c *fakeConn) Close() error {
	select {
	case <-c.closed:
	default:
		close(c.closed)
	}
	return nil
}

// push delivers pdu to the stream's next Read as one L2CAP-framed message.
func (c *fakeConn) push(pdu []byte) {
	c.toRead <- frame(pdu)
}

func TestSendCommandSucceedsOnEcho(t *testing.T) {
	conn := newFakeConn()
	s := New(conn, 1)
	defer s.Close(nil)

	go func() {
		written := <-conn.writes
		conn.push(written) // kernel echoes the exact bytes back
	}()

	err := s.SendCommand([]byte{0x52, 0x0F, 0x00, 0x01})
	assert.NoError(t, err)
}

func TestSendRequestReceivesDistinctResponse(t *testing.T) {
	conn := newFakeConn()
	s := New(conn, 1)
	defer s.Close(nil)

	go func() {
		<-conn.writes
		conn.push([]byte{0x13}) // ATT Write Response
	}()

	resp, err := s.SendRequest([]byte{0x12, 0x0F, 0x00, 0x01, 0x00})
	require.NoError(t, err)
	assert.Equal(t, []byte{0x13}, resp)
}

func TestNotificationArrivingBeforeEchoIsBufferedAndDispatched(t *testing.T) {
	conn := newFakeConn()
	s := New(conn, 1)
	defer s.Close(nil)

	s.BindCharacteristic(0x000E, bleuuid.FromU16(0x2A37))
	notifCh, unsub := s.Notifications()
	defer unsub()

	go func() {
		written := <-conn.writes
		// A notification races in ahead of the real echo.
		conn.push([]byte{0x1B, 0x0E, 0x00, 0xAA, 0xBB})
		conn.push(written)
	}()

	err := s.SendCommand([]byte{0x52, 0x0F, 0x00, 0x01})
	require.NoError(t, err)

	select {
	case n := <-notifCh:
		assert.Equal(t, bleuuid.FromU16(0x2A37), n.UUID)
		assert.Equal(t, []byte{0xAA, 0xBB}, n.Value)
	case <-time.After(time.Second):
		t.Fatal("expected a ValueNotification to be dispatched")
	}
}

func TestInboundExchangeMTURequestGetsFixedReply(t *testing.T) {
	conn := newFakeConn()
	s := New(conn, 1)
	defer s.Close(nil)

	conn.push([]byte{hci.AttOpMTUReq, 0x17, 0x00})

	select {
	case written := <-conn.writes:
		assert.Equal(t, hci.ExchangeMTUNotSupportedResponse, written)
	case <-time.After(time.Second):
		t.Fatal("expected a fixed MTU-not-supported reply to be written")
	}
}

func TestCloseUnblocksPendingSend(t *testing.T) {
	conn := newFakeConn()
	s := New(conn, 1)

	done := make(chan error, 1)
	go func() {
		_, err := s.SendRequest([]byte{0x0A, 0x01, 0x00})
		done <- err
	}()

	<-conn.writes
	s.Close(nil)

	select {
	case err := <-done:
		assert.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("expected Close to unblock the pending SendRequest")
	}
}
