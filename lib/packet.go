package lib

import (
	"encoding/binary"
	"fmt"
	"net/netip"

	"github.com/google/netstack/tcpip/header"
)

// TCP option kinds
const (
	optEnd = 0
	optNop = 1
	optMSS = 2
)

var (
	errSegmentFormat  = fmt.Errorf("malformed tcp header")
	errSegmentOptions = fmt.Errorf("malformed tcp option chain")
)

// Segment is a parsed inbound TCP segment or the description of an outbound one.
type Segment struct {
	SourcePort        uint16 // SourcePort represents the source port
	DestinationPort   uint16 // DestinationPort represents the destination port
	SequenceNumber    uint32 // SequenceNumber represents the sequence number
	AcknowledgmentNum uint32 // AcknowledgmentNum represents the acknowledgment number
	WindowSize        uint16 // WindowSize specifies the number of bytes the receiver is willing to receive
	Flags             uint8  // Flags represent various control flags
	MSS               uint16 // MSS option value, 0 when absent
	Payload           []byte // Payload aliases the inbound buffer, or the send buffer for outbound segments
}

func (seg *Segment) has(flag uint8) bool {
	return seg.Flags&flag != 0
}

// seqLen is the amount of sequence space the segment occupies.
func (seg *Segment) seqLen() uint32 {
	n := uint32(len(seg.Payload))
	if seg.has(SYNFlag) {
		n++
	}
	if seg.has(FINFlag) {
		n++
	}
	return n
}

// Unmarshal parses data, the TCP header and payload of one datagram. Only the
// MSS option is interpreted; other kinds are skipped by their declared length.
func (seg *Segment) Unmarshal(data []byte) error {
	if len(data) < TcpHeaderLength {
		return errSegmentFormat
	}
	h := header.TCP(data)
	do := int(h.DataOffset())
	if do < TcpHeaderLength || do > len(data) {
		return errSegmentFormat
	}
	seg.SourcePort = h.SourcePort()
	seg.DestinationPort = h.DestinationPort()
	seg.SequenceNumber = h.SequenceNumber()
	seg.AcknowledgmentNum = h.AckNumber()
	seg.Flags = h.Flags()
	seg.WindowSize = h.WindowSize()
	seg.MSS = 0

	opts := data[TcpHeaderLength:do]
	for i := 0; i < len(opts); {
		kind := opts[i]
		if kind == optEnd {
			break
		}
		if kind == optNop {
			i++
			continue
		}
		if i+1 >= len(opts) {
			return errSegmentOptions
		}
		length := int(opts[i+1])
		if length < 2 || i+length > len(opts) {
			return errSegmentOptions
		}
		if kind == optMSS {
			if length != TcpMssOptionLength {
				return errSegmentOptions
			}
			seg.MSS = binary.BigEndian.Uint16(opts[i+2 : i+4])
		}
		i += length
	}

	seg.Payload = data[do:]
	return nil
}

// Marshal writes the TCP header of seg into buffer and returns its length.
// The checksum covers the pseudo-header, the header and seg.Payload; the
// payload itself is not copied.
func (seg *Segment) Marshal(src, dst netip.Addr, buffer []byte) (int, error) {
	hlen := TcpHeaderLength
	if seg.MSS > 0 {
		hlen += TcpMssOptionLength
	}
	if len(buffer) < hlen {
		return 0, fmt.Errorf("buffer size (%d) is too small to hold the tcp header (%d)", len(buffer), hlen)
	}
	frame := header.TCP(buffer[:hlen])
	frame.Encode(&header.TCPFields{
		SrcPort:    seg.SourcePort,
		DstPort:    seg.DestinationPort,
		SeqNum:     seg.SequenceNumber,
		AckNum:     seg.AcknowledgmentNum,
		DataOffset: uint8(hlen),
		Flags:      seg.Flags,
		WindowSize: seg.WindowSize,
	})
	if seg.MSS > 0 {
		buffer[TcpHeaderLength] = optMSS
		buffer[TcpHeaderLength+1] = TcpMssOptionLength
		binary.BigEndian.PutUint16(buffer[TcpHeaderLength+2:], seg.MSS)
	}

	sum := pseudoHeaderChecksum(src, dst, ProtocolTCP, hlen+len(seg.Payload))
	sum.Add(buffer[:hlen])
	sum.Add(seg.Payload)
	frame.SetChecksum(sum.Final())
	return hlen, nil
}

// verifyTCPChecksum checks the checksum of a whole TCP segment against the
// pseudo-header of the datagram carrying it.
func verifyTCPChecksum(src, dst netip.Addr, data []byte) bool {
	sum := pseudoHeaderChecksum(src, dst, ProtocolTCP, len(data))
	sum.Add(data)
	return sum.Valid()
}

func flagString(flags uint8) string {
	b := make([]byte, 0, 6)
	for _, f := range []struct {
		bit uint8
		c   byte
	}{{SYNFlag, 'S'}, {ACKFlag, 'A'}, {FINFlag, 'F'}, {RSTFlag, 'R'}, {PSHFlag, 'P'}, {URGFlag, 'U'}} {
		if flags&f.bit != 0 {
			b = append(b, f.c)
		}
	}
	return string(b)
}
