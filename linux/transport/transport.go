// Package transport owns the raw HCI socket for one Bluetooth adapter (spec
// §4.3): device selection, the kernel-side event filter, scan control, and
// the reader/dispatcher loop that feeds decoded HCI/LE events to a Handler.
package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/srg/blecentral/linux/hci"
)

// Handler receives decoded events off the adapter's HCI socket. All methods
// are called from the Transport's own reader goroutine; implementations
// must not block.
type Handler interface {
	OnAdvertisingReport(hci.AdvertisingReport)
	OnConnectionComplete(hci.LEConnectionCompleteEvent)
	OnConnectionUpdateComplete(hci.LEConnectionUpdateCompleteEvent)
	OnDisconnectionComplete(hci.DisconnectionCompleteEvent)
	OnACLData(handle uint16, pb hci.PBFlag, data []byte)
}

// Socket is the OS-level raw HCI socket a Transport drives. Linux supplies
// the real implementation (socket_linux.go); other platforms never build
// this package.
type Socket interface {
	Read(buf []byte) (int, error)
	Write(buf []byte) (int, error)
	Close() error
}

const (
	scanIntervalDefault = 0x0010
	scanWindowDefault   = 0x0010
	ownAddressPublic    = 0x00
	scanFilterPolicy    = 0x00
	scanTypeActive      = 0x01
	filterDuplicatesOn  = 0x01

	disconnectReasonRemoteUserTerminated = 0x13
)

// pendingCommand tracks one outstanding Command Complete/Status wait, keyed
// by opcode.
type pendingCommand struct {
	done chan commandResult
}

type commandResult struct {
	status byte
	params []byte
}

// pendingConnect tracks one outstanding LE Create Connection attempt.
type pendingConnect struct {
	addr [6]byte
	done chan hci.LEConnectionCompleteEvent
}

// Transport is one adapter's HCI socket plus its reader/dispatcher loop.
type Transport struct {
	sock    Socket
	handler Handler

	writeMu sync.Mutex

	cmdMu      sync.Mutex
	cmdPending map[uint16]*pendingCommand

	connMu      sync.Mutex
	connPending []*pendingConnect

	closed chan struct{}
	once   sync.Once
}

// New wraps an already-open, already-filtered HCI socket and starts its
// reader loop. Callers obtain sock via OpenDevice (Linux) or an equivalent
// platform constructor.
func New(sock Socket, handler Handler) *Transport {
	t := &Transport{
		sock:       sock,
		handler:    handler,
		cmdPending: map[uint16]*pendingCommand{},
		closed:     make(chan struct{}),
	}
	go t.readLoop()
	return t
}

// Close shuts down the socket and the reader loop.
func (t *Transport) Close() error {
	var err error
	t.once.Do(func() {
		close(t.closed)
		err = t.sock.Close()
	})
	return err
}

// StartScan installs LE scan parameters then enables scanning (spec §4.3:
// active scan, interval/window 0x0010, public own address, accept-all
// filter policy, duplicate filtering on).
func (t *Transport) StartScan(ctx context.Context) error {
	params := []byte{
		scanTypeActive,
		byte(scanIntervalDefault), byte(scanIntervalDefault >> 8),
		byte(scanWindowDefault), byte(scanWindowDefault >> 8),
		ownAddressPublic,
		scanFilterPolicy,
	}
	if _, err := t.sendCommand(ctx, opcodeLESetScanParameters, params); err != nil {
		return err
	}
	enable := []byte{0x01, filterDuplicatesOn}
	_, err := t.sendCommand(ctx, opcodeLESetScanEnable, enable)
	return err
}

// StopScan disables scanning.
func (t *Transport) StopScan(ctx context.Context) error {
	disable := []byte{0x00, filterDuplicatesOn}
	_, err := t.sendCommand(ctx, opcodeLESetScanEnable, disable)
	return err
}

// Connect issues LE Create Connection for addr/addrType and blocks until the
// controller reports LE Connection Complete for that address, ctx is done,
// or the connection attempt is cancelled. addr is in wire order (the same
// byte order as AdvertisingReport.Address and LEConnectionCompleteEvent.
// PeerAddress); the caller is responsible for its own timeout via ctx.
func (t *Transport) Connect(ctx context.Context, addr [6]byte, addrType uint8) (hci.LEConnectionCompleteEvent, error) {
	pending := &pendingConnect{addr: addr, done: make(chan hci.LEConnectionCompleteEvent, 1)}
	t.connMu.Lock()
	t.connPending = append(t.connPending, pending)
	t.connMu.Unlock()

	defer t.removePendingConnect(pending)

	params := make([]byte, 0, 25)
	params = append(params,
		byte(scanIntervalDefault), byte(scanIntervalDefault>>8), // scan interval
		byte(scanWindowDefault), byte(scanWindowDefault>>8), // scan window
		0x00,     // initiator filter policy: use peer address
		addrType, // peer address type
	)
	params = append(params, addr[:]...) // peer address, already wire order
	params = append(params,
		ownAddressPublic,
		0x06, 0x00, // conn interval min (7.5ms units of 1.25ms => 0x0006)
		0x0C, 0x00, // conn interval max
		0x00, 0x00, // conn latency
		0x2A, 0x00, // supervision timeout (x10ms: 0x002A = 42 => 420ms)
		0x00, 0x00, // min CE length
		0x00, 0x00, // max CE length
	)

	if _, err := t.sendCommand(ctx, opcodeLECreateConnection, params); err != nil {
		return hci.LEConnectionCompleteEvent{}, err
	}

	select {
	case ev := <-pending.done:
		return ev, nil
	case <-ctx.Done():
		t.cancelConnect(context.Background())
		return hci.LEConnectionCompleteEvent{}, ctx.Err()
	case <-t.closed:
		return hci.LEConnectionCompleteEvent{}, fmt.Errorf("transport: closed")
	}
}

// cancelConnect issues LE Create Connection Cancel, used when a Connect
// attempt is abandoned (context cancelled/timed out).
func (t *Transport) cancelConnect(ctx context.Context) {
	_, _ = t.sendCommand(ctx, opcodeLECreateConnectionCancel, nil)
}

// Disconnect issues the HCI Disconnect command for handle.
func (t *Transport) Disconnect(ctx context.Context, handle uint16) error {
	params := []byte{byte(handle), byte(handle >> 8), disconnectReasonRemoteUserTerminated}
	_, err := t.sendCommand(ctx, opcodeDisconnect, params)
	return err
}

// WriteACL frames and writes one ACL data fragment directly to the socket,
// bypassing the command round-trip. Nothing in this module calls it:
// linux/acl writes ATT traffic to its own L2CAP socket.
func (t *Transport) WriteACL(handle uint16, pb hci.PBFlag, payload []byte) error {
	return t.write(hci.EncodeACLDataPacket(handle, pb, payload))
}

func (t *Transport) removePendingConnect(p *pendingConnect) {
	t.connMu.Lock()
	defer t.connMu.Unlock()
	for i, c := range t.connPending {
		if c == p {
			t.connPending = append(t.connPending[:i], t.connPending[i+1:]...)
			return
		}
	}
}

func (t *Transport) write(b []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	_, err := t.sock.Write(b)
	return err
}

// sendCommand writes an HCI Command packet and waits for its Command
// Complete or Command Status event, whichever the controller returns for
// this opcode (spec §4.3's filter admits both).
func (t *Transport) sendCommand(ctx context.Context, opcode uint16, params []byte) (commandResult, error) {
	pending := &pendingCommand{done: make(chan commandResult, 1)}
	t.cmdMu.Lock()
	t.cmdPending[opcode] = pending
	t.cmdMu.Unlock()
	defer func() {
		t.cmdMu.Lock()
		delete(t.cmdPending, opcode)
		t.cmdMu.Unlock()
	}()

	pkt := make([]byte, 0, 4+len(params))
	pkt = append(pkt, byte(hci.PacketCommand), byte(opcode), byte(opcode>>8), byte(len(params)))
	pkt = append(pkt, params...)
	if err := t.write(pkt); err != nil {
		return commandResult{}, err
	}

	select {
	case r := <-pending.done:
		return r, nil
	case <-ctx.Done():
		return commandResult{}, ctx.Err()
	case <-t.closed:
		return commandResult{}, fmt.Errorf("transport: closed")
	case <-time.After(5 * time.Second):
		return commandResult{}, fmt.Errorf("transport: command 0x%04x timed out", opcode)
	}
}

// readLoop reads raw bytes off the socket, splits complete HCI packets with
// the codec's Done/Incomplete/Error contract, and dispatches each.
func (t *Transport) readLoop() {
	var buf []byte
	chunk := make([]byte, 4096)
readLoop:
	for {
		n, err := t.sock.Read(chunk)
		if err != nil {
			return
		}
		if n == 0 {
			continue
		}
		buf = append(buf, chunk[:n]...)

		for {
			pkt, consumed, status := hci.SplitPacket(buf)
			switch status {
			case hci.StatusIncomplete:
				continue readLoop
			case hci.StatusError:
				buf = buf[1:]
				continue
			case hci.StatusDone:
				buf = buf[consumed:]
				t.dispatch(pkt)
			}
		}
	}
}

func (t *Transport) dispatch(pkt hci.RawPacket) {
	switch pkt.Type {
	case hci.PacketEvent:
		t.dispatchEvent(pkt)
	case hci.PacketACLData:
		if t.handler != nil {
			t.handler.OnACLData(pkt.ConnHandle, pkt.PBFlag, pkt.ACLData)
		}
	}
}

func (t *Transport) dispatchEvent(pkt hci.RawPacket) {
	switch pkt.EventCode {
	case hci.EventCommandComplete:
		ev, err := hci.DecodeCommandComplete(pkt.EventData)
		if err == nil {
			t.completeCommand(ev.Opcode, commandResult{status: firstByte(ev.ReturnParameters), params: ev.ReturnParameters})
		}
	case hci.EventCommandStatus:
		ev, err := hci.DecodeCommandStatus(pkt.EventData)
		if err == nil {
			t.completeCommand(ev.Opcode, commandResult{status: ev.Status})
		}
	case hci.EventDisconnectionComplete:
		ev, err := hci.DecodeDisconnectionComplete(pkt.EventData)
		if err == nil && t.handler != nil {
			t.handler.OnDisconnectionComplete(ev)
		}
	case hci.EventLEMeta:
		t.dispatchLEMeta(pkt.EventData)
	}
}

func (t *Transport) dispatchLEMeta(b []byte) {
	if len(b) < 1 {
		return
	}
	switch hci.LESubeventCode(b[0]) {
	case hci.LESubeventAdvertisingReport:
		ev, err := hci.DecodeLEAdvertisingReport(b[1:])
		if err == nil && t.handler != nil {
			for _, r := range ev.Reports {
				t.handler.OnAdvertisingReport(r)
			}
		}
	case hci.LESubeventConnectionComplete:
		ev, err := hci.DecodeLEConnectionComplete(b[1:])
		if err == nil {
			t.resolvePendingConnect(ev)
			if t.handler != nil {
				t.handler.OnConnectionComplete(ev)
			}
		}
	case hci.LESubeventConnectionUpdateComplete:
		ev, err := hci.DecodeLEConnectionUpdateComplete(b[1:])
		if err == nil && t.handler != nil {
			t.handler.OnConnectionUpdateComplete(ev)
		}
	}
}

func (t *Transport) completeCommand(opcode uint16, r commandResult) {
	t.cmdMu.Lock()
	pending, ok := t.cmdPending[opcode]
	t.cmdMu.Unlock()
	if !ok {
		return
	}
	select {
	case pending.done <- r:
	default:
	}
}

func (t *Transport) resolvePendingConnect(ev hci.LEConnectionCompleteEvent) {
	t.connMu.Lock()
	defer t.connMu.Unlock()
	for i, p := range t.connPending {
		if p.addr == ev.PeerAddress {
			select {
			case p.done <- ev:
			default:
			}
			t.connPending = append(t.connPending[:i], t.connPending[i+1:]...)
			return
		}
	}
}

func firstByte(b []byte) byte {
	if len(b) == 0 {
		return 0
	}
	return b[0]
}
