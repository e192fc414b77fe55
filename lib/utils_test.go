package lib

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsGreater(t *testing.T) {
	testCases := []struct {
		seq1     uint32
		seq2     uint32
		expected bool
	}{
		{seq1: 10, seq2: 5, expected: true},                   // Direct comparison
		{seq1: 5, seq2: 10, expected: false},                  // Direct comparison
		{seq1: 5, seq2: 4294967295, expected: true},           // Inverse wrap-around case
		{seq1: 4294967295, seq2: 5, expected: false},          // Inverse wrap-around case
		{seq1: 2147483647, seq2: 2147483646, expected: true},  // Close to wrap-around boundary
		{seq1: 2147483646, seq2: 2147483647, expected: false}, // Close to wrap-around boundary
		{seq1: 0, seq2: 4294967295, expected: true},           // Full wrap-around
		{seq1: 4294967295, seq2: 0, expected: false},          // Full wrap-around
	}

	for _, tc := range testCases {
		result := isGreater(tc.seq1, tc.seq2)
		if result != tc.expected {
			t.Errorf("For (%d, %d), expected %t, but got %t", tc.seq1, tc.seq2, tc.expected, result)
		}
	}
}

func TestSeqCompare(t *testing.T) {
	testCases := []struct {
		a, b     uint32
		expected SeqOrder
	}{
		{a: 100, b: 200, expected: Ahead},
		{a: 200, b: 100, expected: Behind},
		{a: 7, b: 7, expected: Same},
		{a: 0xfffffff0, b: 0x10, expected: Ahead},
		{a: 0x10, b: 0xfffffff0, expected: Behind},
	}
	for _, tc := range testCases {
		assert.Equal(t, tc.expected, SeqCompare(tc.a, tc.b), "SeqCompare(%#x, %#x)", tc.a, tc.b)
	}
	assert.True(t, isLessOrEqual(5, 5))
	assert.True(t, isGreaterOrEqual(0, 0xffffffff))
	assert.True(t, isLess(0xffffffff, 0))
}

func TestSeqInWindow(t *testing.T) {
	assert.True(t, seqInWindow(1000, 1000, 1))
	assert.False(t, seqInWindow(1001, 1000, 1))
	assert.False(t, seqInWindow(999, 1000, 4096))
	assert.True(t, seqInWindow(5, 0xfffffff0, 100), "window spans the wrap")
	assert.Equal(t, 21, seqDistance(0xfffffff0, 5))
	assert.Equal(t, uint32(0), SeqIncrement(0xffffffff))
	assert.Equal(t, uint32(4), SeqIncrementBy(0xfffffffe, 6))
}

func TestDirectedBroadcast(t *testing.T) {
	assert.Equal(t, netip.MustParseAddr("10.0.0.255"), directedBroadcast(netip.MustParsePrefix("10.0.0.1/24")))
	assert.Equal(t, netip.MustParseAddr("172.31.255.255"), directedBroadcast(netip.MustParsePrefix("172.16.4.9/12")))
	assert.True(t, isLoopback(netip.MustParseAddr("127.0.0.53")))
	assert.True(t, isLimitedBroadcast(netip.MustParseAddr("255.255.255.255")))
}
