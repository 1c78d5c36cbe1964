package pool

import (
	"net"
	"strconv"

	"github.com/pkg/errors"
)

// Endpoint identifies a remote destination.
// Two endpoints are equal iff their hosts and ports match exactly. No DNS
// resolution or canonicalization is performed.
type Endpoint struct {
	Host string
	Port int
}

// NewEndpoint creates an Endpoint.
func NewEndpoint(host string, port int) *Endpoint {
	return &Endpoint{Host: host, Port: port}
}

// ParseEndpoint parses an address in the format of "host:port".
func ParseEndpoint(addr string) (*Endpoint, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, errors.WithMessagef(err, "parse endpoint %q", addr)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, errors.WithMessagef(err, "parse port of endpoint %q", addr)
	}
	if port < 0 || port > 65535 {
		return nil, errors.Errorf("port of endpoint %q out of range", addr)
	}
	return &Endpoint{Host: host, Port: port}, nil
}

// Key returns the registry key of the endpoint, in the format of "host:port".
func (e Endpoint) Key() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

func (e Endpoint) String() string {
	return e.Key()
}

// keyOf returns the key of ep, or false if ep is absent.
func keyOf(ep *Endpoint) (string, bool) {
	if ep == nil {
		return "", false
	}
	return ep.Key(), true
}
