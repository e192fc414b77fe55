package link

import "github.com/pkg/errors"

var (
	errNotIPv4      = errors.New("not an IPv4 datagram")
	errNotSupported = errors.New("raw IP links are only supported on linux and darwin")
	errLinkClosed   = errors.New("link closed")
)
