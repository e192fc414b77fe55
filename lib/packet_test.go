package lib

import (
	"net"
	"net/netip"
	"testing"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// serializeTCP returns the TCP header and payload gopacket produces for tcp.
func serializeTCP(t *testing.T, tcp *layers.TCP, payload []byte) []byte {
	ip := &layers.IPv4{Version: 4, TTL: 64, Protocol: layers.IPProtocolTCP,
		SrcIP: net.IPv4(10, 0, 0, 2), DstIP: net.IPv4(10, 0, 0, 1)}
	require.NoError(t, tcp.SetNetworkLayerForChecksum(ip))
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	require.NoError(t, gopacket.SerializeLayers(buf, opts, tcp, gopacket.Payload(payload)))
	return buf.Bytes()
}

func TestSegmentUnmarshalOptions(t *testing.T) {
	data := serializeTCP(t, &layers.TCP{
		SrcPort: 40000, DstPort: 80, Seq: 7, SYN: true, Window: 1024,
		Options: []layers.TCPOption{
			{OptionType: layers.TCPOptionKindNop},
			{OptionType: layers.TCPOptionKindWindowScale, OptionData: []byte{7}},
			{OptionType: layers.TCPOptionKindMSS, OptionData: []byte{0x02, 0x18}},
			{OptionType: layers.TCPOptionKindSACKPermitted},
		},
	}, []byte("data"))

	var seg Segment
	require.NoError(t, seg.Unmarshal(data))
	assert.Equal(t, uint16(40000), seg.SourcePort)
	assert.Equal(t, uint16(80), seg.DestinationPort)
	assert.Equal(t, uint32(7), seg.SequenceNumber)
	assert.Equal(t, SYNFlag, seg.Flags)
	assert.Equal(t, uint16(536), seg.MSS)
	assert.Equal(t, "data", string(seg.Payload))
	assert.Equal(t, uint32(5), seg.seqLen())
}

func TestSegmentUnmarshalErrors(t *testing.T) {
	valid := serializeTCP(t, &layers.TCP{SrcPort: 1, DstPort: 2, ACK: true}, nil)

	testCases := []struct {
		name string
		data []byte
		err  error
	}{
		{"short", valid[:10], errSegmentFormat},
		{"offset below header", withOffset(valid, 4), errSegmentFormat},
		{"offset beyond data", withOffset(valid, 15), errSegmentFormat},
		{"truncated option", withOptions(valid, []byte{optNop, optNop, optNop, optMSS}), errSegmentOptions},
		{"zero length option", withOptions(valid, []byte{8, 0, 0, 0}), errSegmentOptions},
		{"option past header", withOptions(valid, []byte{8, 10, 0, 0}), errSegmentOptions},
		{"bad mss length", withOptions(valid, []byte{optMSS, 3, 0x05, optEnd}), errSegmentOptions},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			var seg Segment
			assert.Equal(t, tc.err, seg.Unmarshal(tc.data))
		})
	}
}

// withOffset copies data with its data offset field set to words.
func withOffset(data []byte, words byte) []byte {
	b := append([]byte(nil), data...)
	b[12] = words << 4
	return b
}

// withOptions copies the bare header of data and appends opts, whose length
// must be a multiple of four.
func withOptions(data, opts []byte) []byte {
	b := append([]byte(nil), data[:TcpHeaderLength]...)
	b = append(b, opts...)
	b[12] = byte(len(b)/4) << 4
	return b
}

func TestSegmentMarshal(t *testing.T) {
	src := netip.MustParseAddr("10.0.0.1")
	dst := netip.MustParseAddr("10.0.0.2")
	seg := Segment{
		SourcePort:        80,
		DestinationPort:   40000,
		SequenceNumber:    1000,
		AcknowledgmentNum: 5001,
		WindowSize:        4096,
		Flags:             SYNFlag | ACKFlag,
		MSS:               1460,
	}
	buf := make([]byte, TcpHeaderLength+TcpOptionsMaxLength)
	n, err := seg.Marshal(src, dst, buf)
	require.NoError(t, err)
	assert.Equal(t, TcpHeaderLength+TcpMssOptionLength, n)

	pkt := gopacket.NewPacket(buf[:n], layers.LayerTypeTCP, gopacket.Default)
	tcp, ok := pkt.Layer(layers.LayerTypeTCP).(*layers.TCP)
	require.True(t, ok)
	assert.True(t, tcp.SYN && tcp.ACK)
	assert.Equal(t, uint32(5001), tcp.Ack)
	require.Len(t, tcp.Options, 1)
	assert.Equal(t, layers.TCPOptionKindMSS, tcp.Options[0].OptionType)
	assert.Equal(t, []byte{0x05, 0xb4}, tcp.Options[0].OptionData)
	assert.True(t, verifyTCPChecksum(src, dst, buf[:n]))

	_, err = seg.Marshal(src, dst, buf[:TcpHeaderLength])
	assert.Error(t, err)
	assert.Equal(t, "SA", flagString(seg.Flags))
}
