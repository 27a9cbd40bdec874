package udpstream

import (
	"fmt"
	"sync/atomic"
)

// Snmp defines network statistics indicator
type Snmp struct {
	ActiveOpens    uint64 // accumulated dialed streams
	PassiveOpens   uint64 // accumulated accepted streams
	CurrEstab      uint64 // current number of established streams
	MaxConn        uint64 // max number of streams ever reached
	InPkts         uint64 // datagrams received by read loops
	InBytes        uint64 // bytes received by read loops
	OutPkts        uint64 // datagrams sent
	OutBytes       uint64 // bytes sent
	BytesReceived  uint64 // bytes delivered to Read callers
	InErrs         uint64 // receive errors that did not stop a loop
	OutErrs        uint64 // send errors surfaced to writers
	StaleEntries   uint64 // peer entries purged after their reader went away
	CleanupSent    uint64 // cleanup notices queued for a read loop
	CleanupLost    uint64 // cleanup notices dropped because one was pending
	AcceptDropped  uint64 // new streams discarded because nobody could accept them
	TruncatedBytes uint64 // bytes discarded by reads into short buffers
	BufferGrows    uint64 // packet buffer regions allocated
}

func newSnmp() *Snmp {
	return new(Snmp)
}

// Header returns all field names
func (s *Snmp) Header() []string {
	return []string{
		"ActiveOpens",
		"PassiveOpens",
		"CurrEstab",
		"MaxConn",
		"InPkts",
		"InBytes",
		"OutPkts",
		"OutBytes",
		"BytesReceived",
		"InErrs",
		"OutErrs",
		"StaleEntries",
		"CleanupSent",
		"CleanupLost",
		"AcceptDropped",
		"TruncatedBytes",
		"BufferGrows",
	}
}

// ToSlice returns current snmp info as slice
func (s *Snmp) ToSlice() []string {
	snmp := s.Copy()
	return []string{
		fmt.Sprint(snmp.ActiveOpens),
		fmt.Sprint(snmp.PassiveOpens),
		fmt.Sprint(snmp.CurrEstab),
		fmt.Sprint(snmp.MaxConn),
		fmt.Sprint(snmp.InPkts),
		fmt.Sprint(snmp.InBytes),
		fmt.Sprint(snmp.OutPkts),
		fmt.Sprint(snmp.OutBytes),
		fmt.Sprint(snmp.BytesReceived),
		fmt.Sprint(snmp.InErrs),
		fmt.Sprint(snmp.OutErrs),
		fmt.Sprint(snmp.StaleEntries),
		fmt.Sprint(snmp.CleanupSent),
		fmt.Sprint(snmp.CleanupLost),
		fmt.Sprint(snmp.AcceptDropped),
		fmt.Sprint(snmp.TruncatedBytes),
		fmt.Sprint(snmp.BufferGrows),
	}
}

// Copy make a copy of current snmp snapshot
func (s *Snmp) Copy() *Snmp {
	d := newSnmp()
	d.ActiveOpens = atomic.LoadUint64(&s.ActiveOpens)
	d.PassiveOpens = atomic.LoadUint64(&s.PassiveOpens)
	d.CurrEstab = atomic.LoadUint64(&s.CurrEstab)
	d.MaxConn = atomic.LoadUint64(&s.MaxConn)
	d.InPkts = atomic.LoadUint64(&s.InPkts)
	d.InBytes = atomic.LoadUint64(&s.InBytes)
	d.OutPkts = atomic.LoadUint64(&s.OutPkts)
	d.OutBytes = atomic.LoadUint64(&s.OutBytes)
	d.BytesReceived = atomic.LoadUint64(&s.BytesReceived)
	d.InErrs = atomic.LoadUint64(&s.InErrs)
	d.OutErrs = atomic.LoadUint64(&s.OutErrs)
	d.StaleEntries = atomic.LoadUint64(&s.StaleEntries)
	d.CleanupSent = atomic.LoadUint64(&s.CleanupSent)
	d.CleanupLost = atomic.LoadUint64(&s.CleanupLost)
	d.AcceptDropped = atomic.LoadUint64(&s.AcceptDropped)
	d.TruncatedBytes = atomic.LoadUint64(&s.TruncatedBytes)
	d.BufferGrows = atomic.LoadUint64(&s.BufferGrows)
	return d
}

// Reset values to zero
func (s *Snmp) Reset() {
	atomic.StoreUint64(&s.ActiveOpens, 0)
	atomic.StoreUint64(&s.PassiveOpens, 0)
	atomic.StoreUint64(&s.CurrEstab, 0)
	atomic.StoreUint64(&s.MaxConn, 0)
	atomic.StoreUint64(&s.InPkts, 0)
	atomic.StoreUint64(&s.InBytes, 0)
	atomic.StoreUint64(&s.OutPkts, 0)
	atomic.StoreUint64(&s.OutBytes, 0)
	atomic.StoreUint64(&s.BytesReceived, 0)
	atomic.StoreUint64(&s.InErrs, 0)
	atomic.StoreUint64(&s.OutErrs, 0)
	atomic.StoreUint64(&s.StaleEntries, 0)
	atomic.StoreUint64(&s.CleanupSent, 0)
	atomic.StoreUint64(&s.CleanupLost, 0)
	atomic.StoreUint64(&s.AcceptDropped, 0)
	atomic.StoreUint64(&s.TruncatedBytes, 0)
	atomic.StoreUint64(&s.BufferGrows, 0)
}

// DefaultSnmp is the global stream statistics collector
var DefaultSnmp *Snmp

func init() {
	DefaultSnmp = newSnmp()
}

func trackEstablished() {
	currestab := atomic.AddUint64(&DefaultSnmp.CurrEstab, 1)
	maxconn := atomic.LoadUint64(&DefaultSnmp.MaxConn)
	if currestab > maxconn {
		atomic.CompareAndSwapUint64(&DefaultSnmp.MaxConn, maxconn, currestab)
	}
}
