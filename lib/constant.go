package lib

import "github.com/google/netstack/tcpip/header"

// Flag constants
const (
	URGFlag uint8 = header.TCPFlagUrg
	ACKFlag uint8 = header.TCPFlagAck
	PSHFlag uint8 = header.TCPFlagPsh
	RSTFlag uint8 = header.TCPFlagRst
	SYNFlag uint8 = header.TCPFlagSyn
	FINFlag uint8 = header.TCPFlagFin
)

const (
	IpHeaderLength        = header.IPv4MinimumSize // options are rejected, so this is the only accepted length
	TcpHeaderLength       = header.TCPMinimumSize  // options not included
	TcpOptionsMaxLength   = 40
	TcpMssOptionLength    = 4
	TcpPseudoHeaderLength = 12
	UdpHeaderLength       = header.UDPMinimumSize
	IcmpEchoHeaderLength  = 8
)

// IP protocol numbers handled by the stack.
const (
	ProtocolICMP = 1
	ProtocolTCP  = 6
	ProtocolUDP  = 17
)

const (
	// TickInterval is the granularity of every countdown in the engine.
	TickInterval = 10 // milliseconds

	// DefaultMSS is used when neither side offers a smaller value.
	DefaultMSS = 1460

	// maxRetransmitCount bounds the number of retransmissions of one segment.
	maxRetransmitCount = 8

	// delayedAckTicks is the longest an in-order data segment waits for its ACK.
	delayedAckTicks = 20

	// timeWaitMinimum keeps TIME_WAIT observable even with a zero 2MSL setting.
	timeWaitMinimum = 1
)

// State is the TCP connection state of an endpoint.
type State uint8

const (
	StateClosed State = iota
	StateListen
	StateSynSent
	StateSynReceived
	StateEstablished
	StateFinWait1
	StateFinWait2
	StateCloseWait
	StateLastAck
	StateClosing
	StateTimeWait
)

var stateNames = [...]string{
	StateClosed:      "CLOSED",
	StateListen:      "LISTEN",
	StateSynSent:     "SYN_SENT",
	StateSynReceived: "SYN_RECEIVED",
	StateEstablished: "ESTABLISHED",
	StateFinWait1:    "FIN_WAIT1",
	StateFinWait2:    "FIN_WAIT2",
	StateCloseWait:   "CLOSE_WAIT",
	StateLastAck:     "LAST_ACK",
	StateClosing:     "CLOSING",
	StateTimeWait:    "TIME_WAIT",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "UNKNOWN"
}

// synchronized reports whether both initial sequence numbers are known.
func (s State) synchronized() bool {
	return s >= StateEstablished
}

// OpCode identifies the API operation a request, a cancellation or a
// completion callback refers to.
type OpCode int

const (
	OpAll OpCode = iota // cancellation only: matches every pending operation
	OpAccept
	OpConnect
	OpShutdown
	OpClose
	OpSend
	OpReceive
	OpUDPSend
	OpUDPReceive
	OpUDPArrival // callback only: a datagram is waiting in the hold slot
)

var opNames = [...]string{
	OpAll:        "all",
	OpAccept:     "accept",
	OpConnect:    "connect",
	OpShutdown:   "shutdown",
	OpClose:      "close",
	OpSend:       "send",
	OpReceive:    "receive",
	OpUDPSend:    "udp-send",
	OpUDPReceive: "udp-receive",
	OpUDPArrival: "udp-arrival",
}

func (o OpCode) String() string {
	if o >= 0 && int(o) < len(opNames) {
		return opNames[o]
	}
	return "unknown"
}

// Timeout is an API timeout measured in ticks. Positive values are real
// countdowns; the named negative values and zero are modes.
type Timeout int32

const (
	TmoPoll        Timeout = 0  // never wait: complete now or fail with ErrTimeout
	TmoForever     Timeout = -1 // block until completion
	TmoNonBlocking Timeout = -2 // return ErrWouldBlock, complete through the callback
)

func (t Timeout) valid() bool {
	return t >= TmoNonBlocking
}

// countdown reports whether t is decremented by the timer pass.
func (t Timeout) countdown() bool {
	return t > 0
}
