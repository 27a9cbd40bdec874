package udpstream

import "sync/atomic"

// packetBuffer is the receive-side arena of a read loop. Datagrams are
// received straight into its unused tail and handed out as views, so a
// receive cycle costs no allocation until the tail runs short.
//
// A view keeps its backing array alive for as long as a consumer holds it;
// growing never copies, it starts a new region and leaves the old one to the
// views that still point into it.
type packetBuffer struct {
	free      []byte // unused tail of the current region
	unit      int    // room reserved for a single datagram
	growUnits int    // region size in units
}

func newPacketBuffer(unit, growUnits int) *packetBuffer {
	b := &packetBuffer{unit: unit, growUnits: growUnits}
	b.free = make([]byte, unit*growUnits)
	return b
}

// ensure makes room for k receive slots.
func (b *packetBuffer) ensure(k int) {
	if len(b.free) >= k*b.unit {
		return
	}
	units := b.growUnits
	if k > units {
		units = k
	}
	b.free = make([]byte, units*b.unit)
	atomic.AddUint64(&DefaultSnmp.BufferGrows, 1)
}

// slot returns the i-th unit sized receive window of the tail.
func (b *packetBuffer) slot(i int) []byte {
	off := i * b.unit
	return b.free[off : off+b.unit : off+b.unit]
}

// carve returns an immutable view over n received bytes starting at off.
// The capacity is clipped so an append on the view reallocates instead of
// running into its neighbour.
func (b *packetBuffer) carve(off, n int) []byte {
	return b.free[off : off+n : off+n]
}

// advance drops the first m bytes of the tail.
func (b *packetBuffer) advance(m int) {
	b.free = b.free[m:]
}

// available reports the unused room left in the current region.
func (b *packetBuffer) available() int { return len(b.free) }
