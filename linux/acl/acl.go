// Package acl implements the per-connection Linux ACL stream (spec §4.2):
// a single-writer, write-then-wait-for-echo state machine over one
// L2CAP-over-ATT socket, serializing Command/Request traffic and
// dispatching inbound Value Notifications to subscribers.
package acl

import (
	"errors"
	"io"
	"sync"
	"syscall"
	"time"

	"github.com/smallnest/ringbuffer"

	"github.com/srg/blecentral/bleuuid"
	"github.com/srg/blecentral/central"
	"github.com/srg/blecentral/eventbus"
	"github.com/srg/blecentral/linux/hci"
)

// Conn is the L2CAP-over-ATT socket an ACL stream owns. On Linux this is a
// connected SOCK_SEQPACKET socket bound to CID 0x0004 (ATT); each Read
// returns one complete L2CAP frame (4-byte basic header + ATT PDU).
type Conn interface {
	io.Reader
	io.Writer
	io.Closer
}

type kind int

const (
	kindCommand kind = iota
	kindRequest
)

type outboundMsg struct {
	kind  kind
	bytes []byte
	reply chan replyResult
}

type replyResult struct {
	data []byte
	err  error
}

// notSupportedExchangeMTU is the opcode this stream auto-replies to rather
// than forwarding to a caller (spec §4.2, §8 vector 6).
const notSupportedExchangeMTU = hci.AttOpMTUReq

// Stream is one connection's ACL state machine. Exactly one goroutine
// (run) sends Command/Request bytes and reads the inbound channel, so the
// write-then-wait-for-echo protocol is unambiguous; readLoop also writes
// (the fixed Exchange MTU reply), and writeMu serializes the two writers.
type Stream struct {
	conn   Conn
	handle uint16

	outbound chan outboundMsg
	inbound  chan []byte
	skipped  [][]byte

	readBuf *ringbuffer.RingBuffer
	writeMu sync.Mutex

	notifications *eventbus.Bus[central.ValueNotification]
	valueHandleMu sync.RWMutex
	valueHandles  map[uint16]bleuuid.UUID // valueHandle -> characteristic UUID, populated by discovery

	closed   chan struct{}
	closeErr error
	closeMu  sync.Mutex

	fatalOnce sync.Once

	// OnFatal is invoked exactly once, from the stream's own goroutine,
	// when an unrecoverable OS error ends the stream. The adapter uses it
	// to transition the peripheral to disconnected and emit
	// DeviceDisconnected.
	OnFatal func(err error)
}

// New wraps conn as an ACL stream for handle and starts its worker
// goroutines. The caller must call Close when the connection ends.
func New(conn Conn, handle uint16) *Stream {
	s := &Stream{
		conn:          conn,
		handle:        handle,
		outbound:      make(chan outboundMsg),
		inbound:       make(chan []byte, 16),
		readBuf:       ringbuffer.New(4096),
		notifications: eventbus.New[central.ValueNotification](16),
		valueHandles:  make(map[uint16]bleuuid.UUID),
		closed:        make(chan struct{}),
	}
	go s.readLoop()
	go s.run()
	return s
}

// BindCharacteristic records which characteristic UUID a value handle
// belongs to, so inbound notifications can be tagged (populated by GATT
// discovery).
func (s *Stream) BindCharacteristic(valueHandle uint16, uuid bleuuid.UUID) {
	s.valueHandleMu.Lock()
	defer s.valueHandleMu.Unlock()
	s.valueHandles[valueHandle] = uuid
}

// Notifications returns a fresh subscription to this stream's value
// notifications.
func (s *Stream) Notifications() (<-chan central.ValueNotification, func()) {
	return s.notifications.Subscribe()
}

// SendCommand writes bytes and waits for the kernel to echo them back
// (spec §4.2: "success = the same bytes echoed back by the kernel via the
// socket"). It does not expect an ATT-level response.
func (s *Stream) SendCommand(bytes []byte) error {
	reply := make(chan replyResult, 1)
	msg := outboundMsg{kind: kindCommand, bytes: bytes, reply: reply}
	select {
	case s.outbound <- msg:
	case <-s.closed:
		return s.closeErrSnapshot()
	}
	select {
	case r := <-reply:
		return r.err
	case <-s.closed:
		return s.closeErrSnapshot()
	}
}

// SendRequest writes bytes and waits for the distinct ATT response PDU,
// returning its raw bytes.
func (s *Stream) SendRequest(bytes []byte) ([]byte, error) {
	reply := make(chan replyResult, 1)
	msg := outboundMsg{kind: kindRequest, bytes: bytes, reply: reply}
	select {
	case s.outbound <- msg:
	case <-s.closed:
		return nil, s.closeErrSnapshot()
	}
	select {
	case r := <-reply:
		return r.data, r.err
	case <-s.closed:
		return nil, s.closeErrSnapshot()
	}
}

// Close tears down the stream: closes the socket and unblocks any pending
// Send call with the given err (use nil for a clean shutdown).
func (s *Stream) Close(err error) {
	s.closeMu.Lock()
	defer s.closeMu.Unlock()
	select {
	case <-s.closed:
		return
	default:
	}
	s.closeErr = err
	close(s.closed)
	s.conn.Close()
	s.notifications.Close()
}

func (s *Stream) closeErrSnapshot() error {
	s.closeMu.Lock()
	defer s.closeMu.Unlock()
	if s.closeErr != nil {
		return s.closeErr
	}
	return central.ErrNotConnected
}

// readLoop reads raw L2CAP frames off the socket, decodes complete ATT
// PDUs, and either dispatches them immediately if unsolicited (Value
// Notifications, inbound Exchange MTU Requests) or pushes them to inbound
// for whichever caller is waiting on a Command echo or Request response.
// Every SOCK_SEQPACKET Read returns one complete frame; the Reassembler is
// used defensively in case the connection falls back to a stream-oriented
// socket that delivers partial reads.
func (s *Stream) readLoop() {
	var reassembler hci.Reassembler
	readBuf := make([]byte, 4096)
	drainBuf := make([]byte, 4096)
	for {
		n, err := s.conn.Read(readBuf)
		if err != nil {
			s.fatal(err)
			return
		}
		if n == 0 {
			continue
		}
		if _, werr := s.readBuf.Write(readBuf[:n]); werr != nil && !errors.Is(werr, ringbuffer.ErrIsFull) {
			s.fatal(werr)
			return
		}

		for {
			dn, rerr := s.readBuf.TryRead(drainBuf)
			if dn == 0 {
				if rerr != nil && !errors.Is(rerr, ringbuffer.ErrIsEmpty) {
					s.fatal(rerr)
					return
				}
				break
			}
			pdu, done := reassembler.Feed(hci.PBStart, drainBuf[:dn])
			if !done {
				continue
			}
			if s.tryDispatchNotification(pdu) {
				continue
			}
			select {
			case s.inbound <- pdu:
			case <-s.closed:
				return
			}
		}
	}
}

// run is the stream's single worker: it serializes outbound writes and the
// write-then-wait-for-echo decision.
func (s *Stream) run() {
	for {
		select {
		case msg := <-s.outbound:
			s.process(msg)
		case <-s.closed:
			return
		}
	}
}

func (s *Stream) process(msg outboundMsg) {
	for {
		if err := s.writeAll(msg.bytes); err != nil {
			msg.reply <- replyResult{err: err}
			return
		}
		break
	}

	// Messages set aside while waiting are re-enqueued ahead of any
	// remaining skipped ones once this message completes.
	var held [][]byte
	defer func() { s.skipped = append(held, s.skipped...) }()

	for {
		data, ok := s.nextInbound()
		if !ok {
			msg.reply <- replyResult{err: s.closeErrSnapshot()}
			return
		}

		if bytesEqual(data, msg.bytes) {
			if msg.kind == kindCommand {
				msg.reply <- replyResult{}
				return
			}
			// A Request's own bytes echoed back verbatim is not a real
			// ATT response; buffer it and keep waiting (spec §4.2: "Any
			// messages observed while waiting but not matching either
			// rule are buffered and re-enqueued").
			held = append(held, data)
			continue
		}

		if msg.kind == kindRequest {
			s.dispatchOrComplete(data, msg.reply)
			return
		}

		// Command: an unrelated message arrived before our echo.
		// Notifications and inbound MTU requests never reach here (readLoop
		// dispatches those before they're queued to inbound); buffer
		// whatever this is and keep waiting for the real echo.
		held = append(held, data)
	}
}

// dispatchOrComplete completes a Request with its response PDU.
func (s *Stream) dispatchOrComplete(data []byte, reply chan replyResult) {
	reply <- replyResult{data: data}
}

// tryDispatchNotification checks whether data is an inbound ATT Handle
// Value Notification or an Exchange MTU Request, handling both without
// surfacing them to a waiting Command/Request caller. Returns true if data
// was consumed this way.
func (s *Stream) tryDispatchNotification(data []byte) bool {
	if len(data) == 0 {
		return false
	}
	switch data[0] {
	case hci.AttOpHandleNotify:
		notif, err := hci.DecodeHandleValueNotification(data)
		if err != nil {
			return true // malformed notification: drop, don't resurface
		}
		uuid := s.lookupCharacteristic(notif.Handle)
		s.notifications.Publish(central.ValueNotification{UUID: uuid, Value: notif.Value})
		return true
	case notSupportedExchangeMTU:
		// Inbound Exchange MTU Request: reply with the fixed "not
		// supported" error and never deliver it to the notification bus
		// (spec §4.2, §8 vector 6).
		_ = s.writeAll(hci.ExchangeMTUNotSupportedResponse)
		return true
	default:
		return false
	}
}

func (s *Stream) lookupCharacteristic(valueHandle uint16) bleuuid.UUID {
	s.valueHandleMu.RLock()
	defer s.valueHandleMu.RUnlock()
	return s.valueHandles[valueHandle]
}

// nextInbound returns the next message to evaluate: previously skipped
// messages are drained first (FIFO) to preserve relative order, per spec
// §4.2.
func (s *Stream) nextInbound() ([]byte, bool) {
	if len(s.skipped) > 0 {
		data := s.skipped[0]
		s.skipped = s.skipped[1:]
		return data, true
	}
	select {
	case data := <-s.inbound:
		return data, true
	case <-s.closed:
		return nil, false
	}
}

// writeAll retries on ENOTCONN (spec §4.2: "the kernel may deliver the
// connection-complete notification slightly after connect() returns").
// Any other OS error is fatal for this stream. writeMu serializes this
// against the readLoop goroutine's own unsolicited MTU replies, since both
// can reach the socket independently of the single outbound-request worker.
func (s *Stream) writeAll(b []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	for {
		_, err := s.conn.Write(b)
		if err == nil {
			return nil
		}
		if errors.Is(err, syscall.ENOTCONN) {
			time.Sleep(10 * time.Millisecond)
			continue
		}
		s.fatal(err)
		return err
	}
}

func (s *Stream) fatal(err error) {
	s.Close(err)
	s.fatalOnce.Do(func() {
		if s.OnFatal != nil {
			s.OnFatal(err)
		}
	})
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
