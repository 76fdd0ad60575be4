package peerdir

import (
	"errors"
	"fmt"
	"net/netip"
)

// Sentinel kinds used with errors.Is. Callers compare against these rather
// than the concrete *IPError value, since the concrete value also carries
// the offending IP.
var (
	ErrInvalidIP           = errors.New("peerdir: ip is not globally routable")
	ErrUnknownPeer         = errors.New("peerdir: no record for ip")
	ErrTooManyAttempts     = errors.New("peerdir: attempt accounting violation")
	ErrTooManyFailures     = errors.New("peerdir: failure accounting violation")
	ErrCloseWithNoConnection = errors.New("peerdir: close requested against zero connection count")
	ErrPersistenceSignal   = errors.New("peerdir: persistence snapshot channel closed")
	ErrClock               = errors.New("peerdir: unable to read clock")
)

// IPError wraps one of the sentinel kinds above with the offending IP, so
// log lines and operator-facing errors carry context while errors.Is still
// works against the sentinel.
type IPError struct {
	Kind error
	IP   netip.Addr
}

func (e *IPError) Error() string {
	if e.IP.IsValid() {
		return fmt.Sprintf("%s (ip=%s)", e.Kind, e.IP)
	}
	return e.Kind.Error()
}

func (e *IPError) Unwrap() error { return e.Kind }

func (e *IPError) Is(target error) bool {
	return errors.Is(e.Kind, target)
}

func newIPErr(kind error, ip netip.Addr) *IPError {
	return &IPError{Kind: kind, IP: ip}
}
