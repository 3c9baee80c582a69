package alloc

import (
	"net/netip"

	"go.uber.org/zap"

	"github.com/pcap-platform/pcaprewrite/common/xnetip"
)

// firstHostOffset is how far past the network address allocation starts,
// leaving the low addresses free for real infrastructure in the target
// subnet.
const firstHostOffset = 11

// Allocator hands out replacement addresses from a single subnet, one per
// call, in ascending order. When the subnet runs out the cursor wraps back
// to the starting offset and addresses are reused; that is a degraded but
// non-fatal mode, reported once per wrap.
type Allocator struct {
	prefix netip.Prefix
	last   netip.Addr
	next   netip.Addr
	log    *zap.SugaredLogger
}

func New(prefix netip.Prefix, log *zap.SugaredLogger) *Allocator {
	prefix = prefix.Masked()

	return &Allocator{
		prefix: prefix,
		last:   xnetip.LastAddr(prefix),
		next:   xnetip.AddrAdd(prefix.Addr(), firstHostOffset),
		log:    log,
	}
}

// Next returns the next replacement address and advances the cursor.
func (m *Allocator) Next() netip.Addr {
	addr := m.next

	next := m.next.Next()
	if !m.prefix.Contains(next) || next == m.last {
		next = xnetip.AddrAdd(m.prefix.Addr(), firstHostOffset)
		if !next.Less(m.last) {
			m.log.Warnf("subnet %s exhausted, reusing addresses", m.prefix)
		}
	}
	m.next = next

	return addr
}
