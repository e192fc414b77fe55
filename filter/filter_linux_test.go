//go:build linux

package filter

import (
	"net/netip"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeIptables records commands and serves a fixed OUTPUT listing.
type fakeIptables struct {
	listing string
	calls   []string
}

func (f *fakeIptables) run(name string, args ...string) ([]byte, error) {
	call := strings.Join(args, " ")
	f.calls = append(f.calls, call)
	if call == "-S OUTPUT" || call == "-S" {
		return []byte(f.listing), nil
	}
	return nil, nil
}

func withFake(t *testing.T, listing string) *fakeIptables {
	fake := &fakeIptables{listing: listing}
	saved := runCommand
	runCommand = fake.run
	t.Cleanup(func() { runCommand = saved })
	return fake
}

func TestAddRuleSkipsDuplicates(t *testing.T) {
	src := netip.MustParseAddrPort("10.0.0.2:7080")
	existing := strings.Join(tcpRSTRule("-A", true, src, "polltcp"), " ")
	fake := withFake(t, "-P OUTPUT ACCEPT\n"+existing+"\n")

	f, err := NewFilter("polltcp")
	require.NoError(t, err)
	require.NoError(t, f.AddTcpServerFiltering(src))
	assert.Equal(t, []string{"-S", "-S OUTPUT"}, fake.calls)

	require.NoError(t, f.AddTcpClientFiltering(src))
	assert.Equal(t, strings.Join(tcpRSTRule("-A", false, src, "polltcp"), " "), fake.calls[len(fake.calls)-1])
}

func TestFinishFilteringDeletesTaggedRules(t *testing.T) {
	fake := withFake(t, strings.Join([]string{
		"-P OUTPUT ACCEPT",
		`-A OUTPUT -d 10.0.0.9/32 -p tcp -m tcp --dport 80 --tcp-flags RST RST -m comment --comment "polltcp" -j DROP`,
		`-A OUTPUT -d 10.0.0.8/32 -p tcp -m comment --comment "other" -j DROP`,
	}, "\n"))

	f, err := NewFilter("polltcp")
	require.NoError(t, err)
	require.NoError(t, f.FinishFiltering())
	require.Len(t, fake.calls, 3)
	assert.Equal(t, "-D OUTPUT -d 10.0.0.9/32 -p tcp -m tcp --dport 80 --tcp-flags RST RST -m comment --comment polltcp -j DROP", fake.calls[2])
}
