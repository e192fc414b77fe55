package lib

import (
	"crypto/rand"
	"encoding/binary"
	"net/netip"
)

func SeqIncrement(seq uint32) uint32 {
	return seq + 1 // implicit modulo operation included
}

func SeqIncrementBy(seq, inc uint32) uint32 {
	return seq + inc // implicit modulo operation included
}

// SeqOrder is the result of comparing two sequence numbers modulo 2^32.
type SeqOrder int

const (
	Behind SeqOrder = -1
	Same   SeqOrder = 0
	Ahead  SeqOrder = 1
)

// SeqCompare reports whether b is Ahead of, Behind, or the Same as a. Two
// values more than 2^31 apart compare as if the sequence space wrapped.
func SeqCompare(a, b uint32) SeqOrder {
	switch d := int32(b - a); {
	case d > 0:
		return Ahead
	case d < 0:
		return Behind
	}
	return Same
}

// SEQ compare function with SEQ wraparound in mind
func isGreater(seq1, seq2 uint32) bool {
	return int32(seq1-seq2) > 0
}

func isGreaterOrEqual(seq1, seq2 uint32) bool {
	return int32(seq1-seq2) >= 0
}

func isLess(seq1, seq2 uint32) bool {
	return int32(seq1-seq2) < 0
}

func isLessOrEqual(seq1, seq2 uint32) bool {
	return int32(seq1-seq2) <= 0
}

// seqInWindow reports whether seq lies in [first, first+size).
func seqInWindow(seq, first uint32, size int) bool {
	return seq-first < uint32(size)
}

// seqDistance is the number of sequence numbers in [from, to).
func seqDistance(from, to uint32) int {
	return int(to - from)
}

// GenerateISN returns a random initial sequence number for endpoints that
// are not configured with a fixed one.
func GenerateISN() (uint32, error) {
	var isn uint32
	err := binary.Read(rand.Reader, binary.BigEndian, &isn)
	if err != nil {
		return 0, err
	}
	return isn, nil
}

func addrFrom(b []byte) netip.Addr {
	var a [4]byte
	copy(a[:], b)
	return netip.AddrFrom4(a)
}

func isLoopback(a netip.Addr) bool {
	return a.Is4() && a.As4()[0] == 127
}

func isLimitedBroadcast(a netip.Addr) bool {
	return a == netip.AddrFrom4([4]byte{255, 255, 255, 255})
}

// directedBroadcast returns the all-ones host address of p.
func directedBroadcast(p netip.Prefix) netip.Addr {
	a := p.Masked().Addr().As4()
	v := binary.BigEndian.Uint32(a[:])
	v |= ^uint32(0) >> uint(p.Bits())
	binary.BigEndian.PutUint32(a[:], v)
	return netip.AddrFrom4(a)
}
