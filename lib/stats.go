package lib

// Stats holds the per-kind diagnostics counters. Malformed or unexpected
// input is never reported to the application; it is dropped and counted here.
type Stats struct {
	IPInReceives      uint64
	IPVersionErrors   uint64
	IPHeaderLenErrors uint64
	IPChecksumErrors  uint64
	IPLengthErrors    uint64
	IPDstErrors       uint64
	IPSrcErrors       uint64
	IPFragmentErrors  uint64
	IPProtocolErrors  uint64
	IPOutRequests     uint64
	IPOutPending      uint64
	IPOutFailures     uint64

	TCPInSegs         uint64
	TCPOutSegs        uint64
	TCPRetransSegs    uint64
	TCPProbeSegs      uint64
	TCPOutRsts        uint64
	TCPChecksumErrors uint64
	TCPFormatErrors   uint64
	TCPOptionErrors   uint64
	TCPNoEndpoint     uint64
	TCPOutOfWindow    uint64
	TCPTruncated      uint64 // in-order bytes dropped because the receive window was full
	TCPAborts         uint64

	UDPInDatagrams    uint64
	UDPOutDatagrams   uint64
	UDPChecksumErrors uint64
	UDPFormatErrors   uint64
	UDPNoEndpoint     uint64

	ICMPInEchos      uint64
	ICMPOutReplies   uint64
	ICMPFormatErrors uint64
}
