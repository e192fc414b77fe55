package lib

import (
	"encoding/binary"
	"net/netip"

	"github.com/google/netstack/tcpip/header"
)

// Checksum is a running Internet checksum accumulator (RFC 1071). The zero
// value is ready to use.
type Checksum struct {
	sum uint16
	odd bool // an odd-length chunk was added; the next chunk starts mid-word
	pad byte
}

// Add folds b into the running sum. Chunks may have any length; an odd
// trailing byte is carried into the next call.
func (c *Checksum) Add(b []byte) {
	if len(b) == 0 {
		return
	}
	if c.odd {
		c.sum = header.Checksum([]byte{c.pad, b[0]}, c.sum)
		c.odd = false
		b = b[1:]
	}
	if len(b)%2 == 1 {
		c.odd = true
		c.pad = b[len(b)-1]
		b = b[:len(b)-1]
	}
	c.sum = header.Checksum(b, c.sum)
}

// AddUint16 folds a single 16-bit word in network order.
func (c *Checksum) AddUint16(v uint16) {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	c.Add(b[:])
}

// Sum returns the folded one's complement sum without the final inversion.
func (c *Checksum) Sum() uint16 {
	if c.odd {
		return header.Checksum([]byte{c.pad}, c.sum)
	}
	return c.sum
}

// Final returns the value to store in a checksum field.
func (c *Checksum) Final() uint16 {
	return ^c.Sum()
}

// Valid reports whether the accumulated bytes, checksum field included,
// verify correctly.
func (c *Checksum) Valid() bool {
	return c.Sum() == 0xffff
}

// InternetChecksum returns the checksum field value for b.
func InternetChecksum(b []byte) uint16 {
	var c Checksum
	c.Add(b)
	return c.Final()
}

// pseudoHeaderChecksum starts an accumulator with the IPv4 pseudo-header of a
// transport segment of the given length.
func pseudoHeaderChecksum(src, dst netip.Addr, protocol uint8, length int) Checksum {
	var ph [TcpPseudoHeaderLength]byte
	s, d := src.As4(), dst.As4()
	copy(ph[0:4], s[:])
	copy(ph[4:8], d[:])
	ph[9] = protocol
	binary.BigEndian.PutUint16(ph[10:12], uint16(length))
	var c Checksum
	c.Add(ph[:])
	return c
}
