package udpstream

import (
	"sync/atomic"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// tx sends one datagram to the peer. A failed send is returned to the
// writer and asks the listener to forget the peer.
func (s *UDPStream) tx(b []byte) (int, error) {
	n, err := s.link.send(b)
	if err != nil {
		atomic.AddUint64(&DefaultSnmp.OutErrs, 1)
		s.log.Debug("send failed", zap.Stringer("peer", s.remote), zap.Error(err))
		s.link.cleanup()
		notifyCloser(s.closer, s.remote, TerminateReasonWriteError)
		return n, errors.WithStack(err)
	}
	atomic.AddUint64(&DefaultSnmp.OutPkts, 1)
	atomic.AddUint64(&DefaultSnmp.OutBytes, uint64(n))
	return n, nil
}
