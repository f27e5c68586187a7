// Package rdma implements the RDMA transport: unreliable-connected queue
// pairs carrying RDMA-write-with-immediate messages over RoCEv2 framing. One
// message spans one or more wire packets; the switch writes aggregated
// results back into the same registered region the worker sends from.
package rdma

import (
	"encoding/binary"
	"net"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
	"k8s.io/klog/v2"
)

// RoCEv2 base transport header opcodes for unreliable-connected RDMA writes.
const (
	opUCWriteFirst   = 0x26
	opUCWriteMiddle  = 0x27
	opUCWriteLast    = 0x28
	opUCWriteLastImm = 0x29
	opUCWriteOnly    = 0x2a
	opUCWriteOnlyImm = 0x2b
)

const (
	bthBytes  = 12
	rethBytes = 16
	immBytes  = 4
)

// bth is the base transport header: opcode, flags, partition key, 24-bit
// destination queue pair, and 24-bit packet sequence number.
type bth struct {
	opcode uint8
	destQP uint32
	psn    uint32
}

func (h *bth) marshal(buf []byte) {
	buf[0] = h.opcode
	buf[1] = 0x40 // migration state bit, as sent by standard stacks
	binary.BigEndian.PutUint16(buf[2:4], 0xffff)
	buf[4] = 0
	buf[5] = byte(h.destQP >> 16)
	buf[6] = byte(h.destQP >> 8)
	buf[7] = byte(h.destQP)
	buf[8] = 0
	buf[9] = byte(h.psn >> 16)
	buf[10] = byte(h.psn >> 8)
	buf[11] = byte(h.psn)
}

func parseBth(buf []byte) bth {
	return bth{
		opcode: buf[0],
		destQP: uint32(buf[5])<<16 | uint32(buf[6])<<8 | uint32(buf[7]),
		psn:    uint32(buf[9])<<16 | uint32(buf[10])<<8 | uint32(buf[11]),
	}
}

// reth is the RDMA extended transport header: remote virtual address, remote
// key, and DMA length.
type reth struct {
	vaddr uint64
	rkey  uint32
	dlen  uint32
}

func (h *reth) marshal(buf []byte) {
	binary.BigEndian.PutUint64(buf[0:8], h.vaddr)
	binary.BigEndian.PutUint32(buf[8:12], h.rkey)
	binary.BigEndian.PutUint32(buf[12:16], h.dlen)
}

func parseReth(buf []byte) reth {
	return reth{
		vaddr: binary.BigEndian.Uint64(buf[0:8]),
		rkey:  binary.BigEndian.Uint32(buf[8:12]),
		dlen:  binary.BigEndian.Uint32(buf[12:16]),
	}
}

// CompletionOpcode identifies what a work completion reports.
type CompletionOpcode uint8

const (
	// WCRecvRdmaWithImm reports a received RDMA write with immediate: the
	// payload landed in the registered region and the immediate is in
	// ImmData.
	WCRecvRdmaWithImm CompletionOpcode = iota
	// WCRdmaWrite reports a locally completed, signaled write.
	WCRdmaWrite
)

// WorkCompletion is one entry polled from a completion queue.
type WorkCompletion struct {
	Opcode  CompletionOpcode
	WrID    uint64
	ImmData uint32
	QPNum   uint32
}

// SendWR describes one RDMA-write-with-immediate work request. The local
// buffer doubles as the remote window: the write targets the same virtual
// address on the switch side.
type SendWR struct {
	WrID       uint64
	LocalBuf   []byte
	RemoteAddr uint64
	// Rkey carries the switch pool index in its upper bits and the
	// pool/shadow bit in its low bit.
	Rkey    uint32
	ImmData uint32
	// Signaled asks for a WCRdmaWrite completion once the message is on
	// the wire. Unsignaled writes complete silently.
	Signaled bool
}

// RecvWR describes a pending receive slot for one incoming message.
type RecvWR struct {
	WrID uint64
}

// QueuePair is an unreliable-connected queue pair bound to a completion
// queue. One queue pair carries one outstanding message at a time.
type QueuePair struct {
	Num     uint32
	destQPN uint32
	psn     uint32
	cq      *CompletionQueue

	recvQueue []RecvWR

	// Message reassembly state for the incoming direction.
	rxOffset uint64
	rxActive bool
}

// Connect points the queue pair at its switch-side peer. This is the move to
// RTR/RTS: after it, the pair is ready to receive and send.
func (qp *QueuePair) Connect(destQPN, initialPSN uint32) {
	qp.destQPN = destQPN
	qp.psn = initialPSN
	klog.V(1).Infof("Connected QP 0x%x with remote QP 0x%x initial PSN %d", qp.Num, destQPN, initialPSN)
}

// CompletionQueue multiplexes the completions of the queue pairs of one
// worker thread. Polling it also drives the socket: incoming packets are
// parsed, written into the registered region, and reassembled into receive
// completions.
type CompletionQueue struct {
	conn       *net.UDPConn
	switchAddr *net.UDPAddr

	// The registered region and its fixed base address; incoming RETH
	// virtual addresses are translated against it.
	region     []byte
	regionBase uint64

	pktPayloadBytes int
	qps             map[uint32]*QueuePair

	pending []WorkCompletion
	rxBuf   []byte
}

func newCompletionQueue(conn *net.UDPConn, region []byte, regionBase uint64, pktPayloadBytes int) *CompletionQueue {
	return &CompletionQueue{
		conn:            conn,
		region:          region,
		regionBase:      regionBase,
		pktPayloadBytes: pktPayloadBytes,
		qps:             make(map[uint32]*QueuePair),
		rxBuf:           make([]byte, bthBytes+rethBytes+immBytes+pktPayloadBytes),
	}
}

// createQueuePair registers a queue pair number on this completion queue.
func (cq *CompletionQueue) createQueuePair(qpn uint32) *QueuePair {
	qp := &QueuePair{Num: qpn, cq: cq}
	cq.qps[qpn] = qp
	return qp
}

// PostRecv queues a receive work request on the queue pair.
func (cq *CompletionQueue) PostRecv(qp *QueuePair, wr RecvWR) {
	qp.recvQueue = append(qp.recvQueue, wr)
}

// PostSend transmits a write-with-immediate message: the local buffer is cut
// into packet-sized chunks, each framed with a base transport header, the
// first carrying the RETH and the last the immediate.
func (cq *CompletionQueue) PostSend(qp *QueuePair, wr *SendWR) error {
	total := len(wr.LocalBuf)
	numPkts := (total + cq.pktPayloadBytes - 1) / cq.pktPayloadBytes

	scratch := make([]byte, 0, bthBytes+rethBytes+immBytes+cq.pktPayloadBytes)
	for i := 0; i < numPkts; i++ {
		chunk := wr.LocalBuf[i*cq.pktPayloadBytes : min((i+1)*cq.pktPayloadBytes, total)]

		var opcode uint8
		switch {
		case numPkts == 1:
			opcode = opUCWriteOnlyImm
		case i == 0:
			opcode = opUCWriteFirst
		case i == numPkts-1:
			opcode = opUCWriteLastImm
		default:
			opcode = opUCWriteMiddle
		}

		pkt := scratch[:bthBytes]
		hdr := bth{opcode: opcode, destQP: qp.destQPN, psn: qp.psn}
		qp.psn = (qp.psn + 1) & 0xffffff
		hdr.marshal(pkt)

		if i == 0 {
			pkt = scratch[:len(pkt)+rethBytes]
			r := reth{vaddr: wr.RemoteAddr, rkey: wr.Rkey, dlen: uint32(total)}
			r.marshal(pkt[bthBytes:])
		}
		if opcode == opUCWriteOnlyImm || opcode == opUCWriteLastImm {
			old := len(pkt)
			pkt = scratch[:old+immBytes]
			binary.BigEndian.PutUint32(pkt[old:], wr.ImmData)
		}
		pkt = append(pkt, chunk...)

		if _, err := cq.conn.WriteToUDP(pkt, cq.switchAddr); err != nil {
			return errors.Wrapf(err, "posting send WR %#x on QP 0x%x", wr.WrID, qp.Num)
		}
	}

	if wr.Signaled {
		cq.pending = append(cq.pending, WorkCompletion{Opcode: WCRdmaWrite, WrID: wr.WrID, QPNum: qp.Num})
	}
	return nil
}

// Poll fills wcs with available completions and returns how many it wrote.
// It never blocks: it drains whatever datagrams the socket holds, advances
// message reassembly, and returns.
func (cq *CompletionQueue) Poll(wcs []WorkCompletion) int {
	rawConn, err := cq.conn.SyscallConn()
	for err == nil && len(cq.pending) < len(wcs) {
		var n int
		var recvErr error
		err = rawConn.Read(func(fd uintptr) bool {
			n, _, recvErr = unix.Recvfrom(int(fd), cq.rxBuf, unix.MSG_DONTWAIT)
			return true // one attempt; never wait for readiness
		})
		if err != nil || recvErr != nil {
			break // empty receive ring
		}
		if n < bthBytes {
			continue
		}
		cq.receive(cq.rxBuf[:n])
	}

	n := copy(wcs, cq.pending)
	cq.pending = cq.pending[:copy(cq.pending, cq.pending[n:])]
	return n
}

// receive consumes one incoming RoCE packet.
func (cq *CompletionQueue) receive(pkt []byte) {
	hdr := parseBth(pkt)
	qp, ok := cq.qps[hdr.destQP]
	if !ok {
		klog.V(3).Infof("Dropping packet for unknown QP 0x%x", hdr.destQP)
		return
	}

	payload := pkt[bthBytes:]
	switch hdr.opcode {
	case opUCWriteOnlyImm:
		if len(payload) < rethBytes+immBytes {
			klog.Fatalf("Truncated write-only packet on QP 0x%x", hdr.destQP)
		}
	case opUCWriteFirst:
		if len(payload) < rethBytes {
			klog.Fatalf("Truncated first packet on QP 0x%x", hdr.destQP)
		}
	case opUCWriteLastImm:
		if len(payload) < immBytes {
			klog.Fatalf("Truncated last packet on QP 0x%x", hdr.destQP)
		}
	}
	var imm uint32
	hasImm := false

	switch hdr.opcode {
	case opUCWriteOnlyImm:
		r := parseReth(payload)
		payload = payload[rethBytes:]
		imm = binary.BigEndian.Uint32(payload[:immBytes])
		payload = payload[immBytes:]
		hasImm = true
		qp.rxOffset = r.vaddr - cq.regionBase
	case opUCWriteFirst:
		r := parseReth(payload)
		payload = payload[rethBytes:]
		qp.rxOffset = r.vaddr - cq.regionBase
		qp.rxActive = true
	case opUCWriteMiddle:
		if !qp.rxActive {
			return // lost the first packet of this message
		}
	case opUCWriteLastImm:
		if !qp.rxActive {
			return
		}
		imm = binary.BigEndian.Uint32(payload[:immBytes])
		payload = payload[immBytes:]
		hasImm = true
		qp.rxActive = false
	default:
		klog.Fatalf("Received packet with unknown opcode 0x%x on QP 0x%x", hdr.opcode, hdr.destQP)
	}

	if qp.rxOffset+uint64(len(payload)) > uint64(len(cq.region)) {
		klog.Fatalf("Incoming write on QP 0x%x targets 0x%x beyond the registered region", qp.Num, cq.regionBase+qp.rxOffset)
	}
	copy(cq.region[qp.rxOffset:], payload)
	qp.rxOffset += uint64(len(payload))

	if hasImm {
		if len(qp.recvQueue) == 0 {
			klog.Fatalf("Received message without a posted receive on QP 0x%x", qp.Num)
		}
		wr := qp.recvQueue[0]
		qp.recvQueue = qp.recvQueue[1:]
		cq.pending = append(cq.pending, WorkCompletion{
			Opcode:  WCRecvRdmaWithImm,
			WrID:    wr.WrID,
			ImmData: imm,
			QPNum:   qp.Num,
		})
	}
}
