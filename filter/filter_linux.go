//go:build linux

package filter

import (
	"net/netip"
	"strings"

	"github.com/pkg/errors"
)

type filterImpl struct {
	udpServerFilter
	comment string
}

// NewFilter returns an iptables based filter whose rules are tagged with
// identifier so FinishFiltering can find them again.
func NewFilter(identifier string) (Filter, error) {
	if err := isIptablesEnabled(); err != nil {
		return nil, err
	}
	return &filterImpl{comment: identifier}, nil
}

// isIptablesEnabled checks that iptables can list the filter table.
func isIptablesEnabled() error {
	output, err := runCommand("iptables", "-S")
	if err != nil {
		return errors.Wrapf(err, "iptables is not enabled or available: %s", output)
	}
	log.Debug("iptables is enabled and available")
	return nil
}

// addRule appends rule unless an identical one is already in OUTPUT.
func (f *filterImpl) addRule(rule []string) error {
	output, err := runCommand("iptables", "-S", "OUTPUT")
	if err != nil {
		return errors.Wrapf(err, "failed to list iptables rules: %s", output)
	}
	check := strings.Join(rule[1:], " ")
	for _, line := range strings.Split(string(output), "\n") {
		if strings.TrimPrefix(line, "-A ") == check {
			log.Debugf("Rule already exists: %s", line)
			return nil
		}
	}
	if out, err := runCommand("iptables", rule...); err != nil {
		return errors.Wrapf(err, "failed to add iptables rule: %s", out)
	}
	log.Infof("Successfully added rule: %s", strings.Join(rule, " "))
	return nil
}

func (f *filterImpl) deleteRule(rule []string) error {
	if out, err := runCommand("iptables", rule...); err != nil {
		return errors.Wrapf(err, "failed to remove iptables rule: %s", out)
	}
	log.Infof("Successfully removed rule: %s", strings.Join(rule[1:], " "))
	return nil
}

func (f *filterImpl) AddTcpClientFiltering(dst netip.AddrPort) error {
	return f.addRule(tcpRSTRule("-A", false, dst, f.comment))
}

func (f *filterImpl) RemoveTcpClientFiltering(dst netip.AddrPort) error {
	return f.deleteRule(tcpRSTRule("-D", false, dst, f.comment))
}

func (f *filterImpl) AddTcpServerFiltering(src netip.AddrPort) error {
	return f.addRule(tcpRSTRule("-A", true, src, f.comment))
}

func (f *filterImpl) RemoveTcpServerFiltering(src netip.AddrPort) error {
	return f.deleteRule(tcpRSTRule("-D", true, src, f.comment))
}

// FinishFiltering removes every OUTPUT rule carrying the filter's comment
// and closes the dummy UDP sockets.
func (f *filterImpl) FinishFiltering() error {
	f.closeAll()

	output, err := runCommand("iptables", "-S", "OUTPUT")
	if err != nil {
		return errors.Wrapf(err, "failed to list iptables rules: %s", output)
	}
	var deleteErrors []string
	for _, line := range strings.Split(string(output), "\n") {
		if !strings.HasPrefix(line, "-A ") || !hasComment(line, f.comment) {
			continue
		}
		args := strings.Fields(strings.Replace(line, "-A", "-D", 1))
		for i, a := range args {
			args[i] = strings.Trim(a, `"`)
		}
		if out, err := runCommand("iptables", args...); err != nil {
			deleteErrors = append(deleteErrors, line+": "+strings.TrimSpace(string(out)))
		}
	}
	if len(deleteErrors) > 0 {
		return errors.Errorf("some rules failed to delete:\n%s", strings.Join(deleteErrors, "\n"))
	}
	return nil
}

func hasComment(line, comment string) bool {
	return strings.Contains(line, `--comment "`+comment+`"`) || strings.Contains(line, "--comment "+comment+" ")
}
