// Package mast defines the wire-level vocabulary of the mast and bridge
// controllers: endpoints, task requests and the open-schema state document.
package mast

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// Default endpoint used when nothing has been configured or persisted.
const (
	DefaultHost = "192.168.189.11"
	DefaultPort = 8070
)

// Endpoint is the network address of the device controller.
type Endpoint struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// DefaultEndpoint returns the factory address of the controller.
func DefaultEndpoint() Endpoint {
	return Endpoint{Host: DefaultHost, Port: DefaultPort}
}

// ParseEndpoint builds an Endpoint from operator input. Both fields are
// trimmed; the port must be all digits.
func ParseEndpoint(host, port string) (Endpoint, error) {
	host = strings.TrimSpace(host)
	port = strings.TrimSpace(port)
	if port == "" || strings.TrimLeft(port, "0123456789") != "" {
		return Endpoint{}, fmt.Errorf("port %q: %w", port, ErrInvalidEndpoint)
	}
	n, err := strconv.Atoi(port)
	if err != nil {
		return Endpoint{}, fmt.Errorf("port %q: %w", port, ErrInvalidEndpoint)
	}
	ep := Endpoint{Host: host, Port: n}
	if err := ep.Validate(); err != nil {
		return Endpoint{}, err
	}
	return ep, nil
}

// Validate checks for a non-empty host and a port in 1..65535.
func (e Endpoint) Validate() error {
	if strings.TrimSpace(e.Host) == "" {
		return fmt.Errorf("host is empty: %w", ErrInvalidEndpoint)
	}
	if e.Host != strings.TrimSpace(e.Host) {
		return fmt.Errorf("host %q has surrounding whitespace: %w", e.Host, ErrInvalidEndpoint)
	}
	if e.Port < 1 || e.Port > 65535 {
		return fmt.Errorf("port %d out of range 1-65535: %w", e.Port, ErrInvalidEndpoint)
	}
	return nil
}

// Address returns host:port.
func (e Endpoint) Address() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// BaseURL returns the plain-HTTP base URL of the controller.
func (e Endpoint) BaseURL() string {
	return "http://" + e.Address()
}

func (e Endpoint) String() string {
	return e.Address()
}
