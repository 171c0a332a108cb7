// Package endpoint identifies one remote agent by the address its receiver listens on.
package endpoint

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
)

// DefaultPort is the port agents listen on unless configured otherwise.
const DefaultPort = 5555

// AnyHost binds every local interface when used as a listen host.
const AnyHost = "*"

// Endpoint is a (host, port) pair. It is a value type: once a Sender has been
// created for an Endpoint the pair never changes.
type Endpoint struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// New returns the endpoint for host and port.
func New(host string, port int) Endpoint {
	return Endpoint{Host: host, Port: port}
}

// Parse accepts "host", "host:port", "[v6]:port" and "tcp://host:port".
// defaultPort is used when the port is omitted.
func Parse(s string, defaultPort int) (Endpoint, error) {
	s = strings.TrimSpace(strings.TrimPrefix(s, "tcp://"))
	if s == "" {
		return Endpoint{}, errors.New("endpoint: empty address")
	}

	// A bare IPv6 address has colons but no port
	if ip := net.ParseIP(strings.Trim(s, "[]")); ip != nil && strings.Count(s, ":") > 1 && !strings.Contains(s, "]:") {
		return checked(Endpoint{Host: ip.String(), Port: defaultPort})
	}

	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		var addrErr *net.AddrError
		if errors.As(err, &addrErr) && strings.Contains(addrErr.Err, "missing port") {
			return checked(Endpoint{Host: s, Port: defaultPort})
		}
		return Endpoint{}, fmt.Errorf("endpoint: invalid address %q: %w", s, err)
	}

	port, err := strconv.Atoi(portStr)
	if err != nil {
		return Endpoint{}, fmt.Errorf("endpoint: invalid port %q: %w", portStr, err)
	}
	return checked(Endpoint{Host: host, Port: port})
}

func checked(e Endpoint) (Endpoint, error) {
	if err := e.Validate(); err != nil {
		return Endpoint{}, err
	}
	return e, nil
}

// Validate reports whether the endpoint can be dialed or bound.
func (e Endpoint) Validate() error {
	if e.Host == "" {
		return errors.New("endpoint: missing host")
	}
	if e.Port < 1 || e.Port > 65535 {
		return fmt.Errorf("endpoint: port %d out of range", e.Port)
	}
	return nil
}

// String returns "host:port", bracketing IPv6 hosts.
func (e Endpoint) String() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// URL returns the endpoint in "tcp://host:port" form, as agents log it.
func (e Endpoint) URL() string {
	return "tcp://" + e.String()
}

// ListenAddr returns an address suitable for net.Listen. "*" and "0.0.0.0"
// both bind all interfaces.
func (e Endpoint) ListenAddr() string {
	host := e.Host
	if host == AnyHost {
		host = ""
	}
	return net.JoinHostPort(host, strconv.Itoa(e.Port))
}

// ParseList parses every entry of addrs with Parse.
func ParseList(addrs []string, defaultPort int) ([]Endpoint, error) {
	eps := make([]Endpoint, 0, len(addrs))
	for _, a := range addrs {
		ep, err := Parse(a, defaultPort)
		if err != nil {
			return nil, err
		}
		eps = append(eps, ep)
	}
	return eps, nil
}
