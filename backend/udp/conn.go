package udp

import (
	"net"

	"github.com/pkg/errors"
	"golang.org/x/net/ipv4"
	"golang.org/x/sys/unix"
)

// batchConn is the slice of the socket surface the worker loop drives:
// batched receive and transmit in the style of a poll-mode driver.
type batchConn interface {
	// ReadBatch fills up to len(ms) messages without blocking and returns
	// how many arrived. Zero means the receive ring was empty.
	ReadBatch(ms []ipv4.Message) (int, error)
	// WriteBatch sends up to len(ms) messages and returns how many the
	// kernel accepted.
	WriteBatch(ms []ipv4.Message) (int, error)
	Close() error
	LocalAddr() net.Addr
}

// kernelBatchConn drives a UDP socket through sendmmsg/recvmmsg via
// x/net/ipv4.
type kernelBatchConn struct {
	pc   *ipv4.PacketConn
	conn *net.UDPConn
}

func listenBatch(ip net.IP, port uint16) (batchConn, error) {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: ip, Port: int(port)})
	if err != nil {
		return nil, errors.Wrapf(err, "binding worker socket %s:%d", ip, port)
	}
	return &kernelBatchConn{pc: ipv4.NewPacketConn(conn), conn: conn}, nil
}

func (c *kernelBatchConn) ReadBatch(ms []ipv4.Message) (int, error) {
	n, err := c.pc.ReadBatch(ms, unix.MSG_DONTWAIT)
	if err != nil {
		if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) {
			return 0, nil
		}
		return 0, err
	}
	return n, nil
}

func (c *kernelBatchConn) WriteBatch(ms []ipv4.Message) (int, error) {
	return c.pc.WriteBatch(ms, 0)
}

func (c *kernelBatchConn) Close() error { return c.conn.Close() }

func (c *kernelBatchConn) LocalAddr() net.Addr { return c.conn.LocalAddr() }
