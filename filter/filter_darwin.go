//go:build darwin

package filter

import (
	"fmt"
	"net/netip"
	"os"
	"os/exec"
	"strings"

	"github.com/pkg/errors"
)

// pfConfPath is the pf configuration that must reference the anchor.
var pfConfPath = "/etc/pf.conf"

// loadAnchor replaces the rules of anchor with rules.
var loadAnchor = func(anchor, rules string) ([]byte, error) {
	cmd := exec.Command("pfctl", "-a", anchor, "-f", "-")
	cmd.Stdin = strings.NewReader(rules)
	return cmd.CombinedOutput()
}

type filterImpl struct {
	udpServerFilter
	anchor string
}

// NewFilter returns a pf based filter that keeps its rules in the anchor
// named identifier. pf must be enabled and pf.conf must load the anchor.
func NewFilter(identifier string) (Filter, error) {
	if err := isPfEnabled(); err != nil {
		return nil, err
	}
	if err := hasAnchor(identifier); err != nil {
		return nil, err
	}
	return &filterImpl{anchor: identifier}, nil
}

func isPfEnabled() error {
	output, err := runCommand("pfctl", "-s", "info")
	if err != nil {
		return errors.Wrapf(err, "pfctl is not available: %s", output)
	}
	if !strings.Contains(string(output), "Status: Enabled") {
		return errors.New("pf is disabled, enable it with 'pfctl -e'")
	}
	log.Debug("pf is enabled")
	return nil
}

func hasAnchor(anchor string) error {
	conf, err := os.ReadFile(pfConfPath)
	if err != nil {
		return errors.Wrapf(err, "failed to read %s", pfConfPath)
	}
	if !strings.Contains(string(conf), fmt.Sprintf("anchor %q", anchor)) {
		return errors.Errorf("%s does not reference anchor %q", pfConfPath, anchor)
	}
	return nil
}

// pfRSTRule blocks outbound RSTs toward (client side) or from (server side)
// addr.
func pfRSTRule(server bool, addr netip.AddrPort) string {
	if server {
		return fmt.Sprintf("block drop out quick inet proto tcp from %s port = %d to any flags R/R", addr.Addr(), addr.Port())
	}
	return fmt.Sprintf("block drop out quick inet proto tcp from any to %s port = %d flags R/R", addr.Addr(), addr.Port())
}

// rules lists the block rules currently loaded in the anchor.
func (f *filterImpl) rules() ([]string, error) {
	output, err := runCommand("pfctl", "-a", f.anchor, "-s", "rules")
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list rules of anchor %s: %s", f.anchor, output)
	}
	var rules []string
	for _, line := range strings.Split(string(output), "\n") {
		if line = strings.TrimSpace(line); strings.HasPrefix(line, "block") {
			rules = append(rules, line)
		}
	}
	return rules, nil
}

func (f *filterImpl) load(rules []string) error {
	text := strings.Join(rules, "\n")
	if len(rules) > 0 {
		text += "\n"
	}
	if out, err := loadAnchor(f.anchor, text); err != nil {
		return errors.Wrapf(err, "failed to load rules into anchor %s: %s", f.anchor, out)
	}
	return nil
}

func (f *filterImpl) addRule(rule string) error {
	rules, err := f.rules()
	if err != nil {
		return err
	}
	for _, r := range rules {
		if r == rule {
			log.Debugf("Rule already exists: %s", rule)
			return nil
		}
	}
	if err := f.load(append(rules, rule)); err != nil {
		return err
	}
	log.Infof("Successfully added rule: %s", rule)
	return nil
}

func (f *filterImpl) deleteRule(rule string) error {
	rules, err := f.rules()
	if err != nil {
		return err
	}
	kept := rules[:0]
	for _, r := range rules {
		if r != rule {
			kept = append(kept, r)
		}
	}
	if len(kept) == len(rules) {
		return nil
	}
	if err := f.load(kept); err != nil {
		return err
	}
	log.Infof("Successfully removed rule: %s", rule)
	return nil
}

func (f *filterImpl) AddTcpClientFiltering(dst netip.AddrPort) error {
	return f.addRule(pfRSTRule(false, dst))
}

func (f *filterImpl) RemoveTcpClientFiltering(dst netip.AddrPort) error {
	return f.deleteRule(pfRSTRule(false, dst))
}

func (f *filterImpl) AddTcpServerFiltering(src netip.AddrPort) error {
	return f.addRule(pfRSTRule(true, src))
}

func (f *filterImpl) RemoveTcpServerFiltering(src netip.AddrPort) error {
	return f.deleteRule(pfRSTRule(true, src))
}

// FinishFiltering flushes the anchor and closes the dummy UDP sockets.
func (f *filterImpl) FinishFiltering() error {
	f.closeAll()
	if out, err := runCommand("pfctl", "-a", f.anchor, "-F", "rules"); err != nil {
		return errors.Wrapf(err, "failed to flush anchor %s: %s", f.anchor, out)
	}
	return nil
}
