// Package udp implements the switch-native transport: one logical
// transmission unit per UDP packet, exchanged with the programmable switch
// through batched socket I/O.
package udp

import (
	"encoding/binary"

	"k8s.io/klog/v2"
)

// Application header layout, packed, all multi-byte fields big-endian:
//
//	byte 0    high nibble job type, low nibble packet size category
//	byte 1    short job id (low 8 bits of the job id)
//	bytes 2-5 packet id
//	bytes 6-7 switch pool index; the MSB is the pool/shadow bit
//
// The header is followed by a 2-byte side channel carrying the quantization
// exponent (zero for INT32 jobs) and then the payload of packetNumel
// big-endian int32 entries.
const (
	headerBytes      = 8
	sideChannelBytes = 2

	jobTypeAllReduce = 0x0
)

// sizeCategory maps a packet element count to the switch's size category.
func sizeCategory(packetNumel uint64) uint8 {
	switch packetNumel {
	case 64:
		return 0
	case 128:
		return 1
	case 256:
		return 2
	case 512:
		return 3
	default:
		klog.Fatalf("%d elements per packet has no switch size category", packetNumel)
		return 0
	}
}

// header is the parsed form of the application header.
type header struct {
	jobType    uint8
	sizeCat    uint8
	shortJobID uint8
	pktID      uint32
	slot       uint16 // without the pool bit
	poolBit    bool
}

func (h *header) marshal(buf []byte) {
	buf[0] = h.jobType<<4 | h.sizeCat&0x0f
	buf[1] = h.shortJobID
	binary.BigEndian.PutUint32(buf[2:6], h.pktID)
	slot := h.slot
	if h.poolBit {
		slot |= 0x8000
	}
	binary.BigEndian.PutUint16(buf[6:8], slot)
}

func parseHeader(buf []byte) header {
	slot := binary.BigEndian.Uint16(buf[6:8])
	return header{
		jobType:    buf[0] >> 4,
		sizeCat:    buf[0] & 0x0f,
		shortJobID: buf[1],
		pktID:      binary.BigEndian.Uint32(buf[2:6]),
		slot:       slot &^ 0x8000,
		poolBit:    slot&0x8000 != 0,
	}
}

// slotFor maps a packet id to its switch pool index and pool bit. Each
// worker thread owns the disjoint index range [base, base+2M) where M is its
// outstanding-packet budget; the range is 2M wide because every slot keeps a
// shadow twin for switch retransmissions, addressed by the pool bit. The
// shift persists across job slices so the switch always sees an incrementing
// index sequence, and the pool bit flips on every reuse of the same slot.
func slotFor(pktID uint64, base uint32, shift uint32, maxOutstanding uint64) (slot uint16, poolBit bool) {
	raw := pktID + uint64(shift)
	slot = uint16(uint64(base) + raw%maxOutstanding)
	poolBit = (raw/maxOutstanding)%2 == 1
	return slot, poolBit
}

// bitmap tracks which packet ids have been received.
type bitmap []uint64

func newBitmap(n uint64) bitmap { return make(bitmap, (n+63)/64) }

func (b bitmap) get(i uint64) bool { return b[i/64]&(1<<(i%64)) != 0 }

func (b bitmap) set(i uint64) { b[i/64] |= 1 << (i % 64) }
