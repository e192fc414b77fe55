package filter

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTcpRSTRule(t *testing.T) {
	addr := netip.MustParseAddrPort("10.0.0.2:7080")
	assert.Equal(t, []string{
		"-A", "OUTPUT", "-p", "tcp", "--tcp-flags", "RST", "RST",
		"-s", "10.0.0.2", "--sport", "7080",
		"-m", "comment", "--comment", "polltcp", "-j", "DROP",
	}, tcpRSTRule("-A", true, addr, "polltcp"))

	client := tcpRSTRule("-D", false, addr, "polltcp")
	assert.Equal(t, "-D", client[0])
	assert.Equal(t, []string{"-d", "10.0.0.2", "--dport", "7080"}, client[7:11])
}

func TestUdpServerFiltering(t *testing.T) {
	var u udpServerFilter
	addr := netip.MustParseAddrPort("127.0.0.1:0")
	require.NoError(t, u.AddUdpServerFiltering(addr))
	require.NoError(t, u.AddUdpServerFiltering(addr), "second add is a no-op")

	_, ok := u.udpSrcMap.Load(addr.String())
	assert.True(t, ok)

	require.NoError(t, u.RemoveUdpServerFiltering(addr))
	_, ok = u.udpSrcMap.Load(addr.String())
	assert.False(t, ok)
	assert.NoError(t, u.RemoveUdpServerFiltering(addr))
}
