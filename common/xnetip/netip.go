package xnetip

import (
	"encoding/binary"
	"net/netip"
)

// LastAddr returns the highest address of the prefix, which for an IPv4
// network is its broadcast address.
func LastAddr(prefix netip.Prefix) netip.Addr {
	if prefix.Addr().Is4() {
		b := prefix.Addr().As4()
		setHostBits(b[:], prefix.Bits())
		return netip.AddrFrom4(b)
	}

	b := prefix.Addr().As16()
	setHostBits(b[:], prefix.Bits())
	return netip.AddrFrom16(b)
}

func setHostBits(b []byte, bits int) {
	for i := range b {
		hostBits := (i+1)*8 - bits
		if hostBits <= 0 {
			continue
		}
		if hostBits > 8 {
			hostBits = 8
		}
		b[i] |= byte(1<<hostBits - 1)
	}
}

// AddrAdd returns addr advanced by n. Overflow wraps within the address
// family, which callers are expected to guard against via prefix
// containment checks.
func AddrAdd(addr netip.Addr, n uint64) netip.Addr {
	if addr.Is4() {
		b := addr.As4()
		binary.BigEndian.PutUint32(b[:], binary.BigEndian.Uint32(b[:])+uint32(n))
		return netip.AddrFrom4(b)
	}

	b := addr.As16()
	lo := binary.BigEndian.Uint64(b[8:])
	sum := lo + n
	binary.BigEndian.PutUint64(b[8:], sum)
	if sum < lo {
		binary.BigEndian.PutUint64(b[:8], binary.BigEndian.Uint64(b[:8])+1)
	}
	return netip.AddrFrom16(b)
}
