package lib

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestInternetChecksum(t *testing.T) {
	// RFC 1071 section 3 example
	data := []byte{0x00, 0x01, 0xf2, 0x03, 0xf4, 0xf5, 0xf6, 0xf7}
	assert.Equal(t, uint16(0x220d), InternetChecksum(data))

	var c Checksum
	c.Add(data)
	c.AddUint16(0x220d)
	assert.True(t, c.Valid())
}

func TestChecksumChunking(t *testing.T) {
	data := []byte("an odd number of bytes, split anywhere")
	want := InternetChecksum(data)

	for split := 0; split <= len(data); split++ {
		var c Checksum
		c.Add(data[:split])
		c.Add(nil)
		c.Add(data[split:])
		assert.Equal(t, want, c.Final(), "split at %d", split)
	}

	var c Checksum
	for i := range data {
		c.Add(data[i : i+1])
	}
	assert.Equal(t, want, c.Final(), "byte by byte")
}

func TestPseudoHeaderChecksum(t *testing.T) {
	src := netip.MustParseAddr("10.0.0.1")
	dst := netip.MustParseAddr("10.0.0.2")
	seg := Segment{SourcePort: 80, DestinationPort: 40000, SequenceNumber: 1, Flags: ACKFlag, Payload: []byte("xyz")}
	buf := make([]byte, TcpHeaderLength+TcpOptionsMaxLength)
	n, err := seg.Marshal(src, dst, buf)
	assert.NoError(t, err)

	whole := append(buf[:n:n], seg.Payload...)
	assert.True(t, verifyTCPChecksum(src, dst, whole))
	assert.False(t, verifyTCPChecksum(dst, netip.MustParseAddr("10.0.0.3"), whole), "pseudo-header covers the addresses")
}
