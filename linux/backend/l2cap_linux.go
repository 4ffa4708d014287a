//go:build linux

package backend

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/srg/blecentral/bdaddr"
)

// l2capConn is a connected SOCK_SEQPACKET L2CAP-over-ATT socket (spec §6:
// "PSM=0, CID=ATT(0x0004)"). It satisfies linux/acl.Conn: each Read returns
// one complete L2CAP frame.
type l2capConn struct {
	fd int
}

func (c *l2capConn) Read(b []byte) (int, error)  { return unix.Read(c.fd, b) }
func (c *l2capConn) Write(b []byte) (int, error) { return unix.Write(c.fd, b) }
func (c *l2capConn) Close() error                { return unix.Close(c.fd) }

const attCID = 0x0004

// openL2CAP opens and connects a SOCK_SEQPACKET ATT socket from local
// (the adapter's own address) to peer/peerAddrType. unix.SockaddrL2's Addr
// field takes canonical MSB-first bytes and reverses them into wire order
// internally, so both addresses are passed exactly as bdaddr.BDAddr stores
// them.
func openL2CAP(local, peer bdaddr.BDAddr, localAddrType, peerAddrType uint8) (*l2capConn, error) {
	fd, err := unix.Socket(unix.AF_BLUETOOTH, unix.SOCK_SEQPACKET, unix.BTPROTO_L2CAP)
	if err != nil {
		return nil, fmt.Errorf("backend: l2cap socket: %w", err)
	}

	localAddr := local.Bytes()
	if err := unix.Bind(fd, &unix.SockaddrL2{
		PSM:      0,
		CID:      attCID,
		Addr:     localAddr,
		AddrType: localAddrType,
	}); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("backend: l2cap bind: %w", err)
	}

	peerAddr := peer.Bytes()
	if err := unix.Connect(fd, &unix.SockaddrL2{
		PSM:      0,
		CID:      attCID,
		Addr:     peerAddr,
		AddrType: peerAddrType,
	}); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("backend: l2cap connect: %w", err)
	}

	return &l2capConn{fd: fd}, nil
}
