// Package udpstream gives UDP a connection-oriented face.
//
// A Listener owns one UDP socket and demultiplexes incoming datagrams by
// source endpoint into per-peer streams, handing each newly seen peer out
// through Accept. Dial creates a stream over its own connected socket.
// Both kinds implement net.Conn: one Write sends one datagram, one Read
// returns (at most) one datagram, and datagrams from a single peer are read
// in the order they arrived.
//
// All peers of a Listener share a single intake path. A peer whose stream is
// not being read, or a Listener whose Accept is not being called, eventually
// stalls delivery for every other peer on the same socket.
package udpstream

import (
	"sync"
	"time"

	"github.com/pkg/errors"
)

// ErrBrokenPipe is returned by Read and Accept once the side feeding them is
// gone: the peer was forgotten by the listener, or the read loop stopped.
var ErrBrokenPipe = errors.New("broken pipe")

var errInvalidOperation = errors.New("invalid operation")

// aLongTimeAgo is a read deadline that has always expired, used to wake a
// read loop blocked on a socket it must stop reading.
var aLongTimeAgo = time.Unix(1, 0)

var (
	// a system-wide gather buffer for WriteBuffers, sized to one datagram
	xmitBuf sync.Pool
)

func init() {
	xmitBuf.New = func() interface{} {
		return make([]byte, defaultBufferUnit)
	}
}
