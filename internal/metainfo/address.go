package metainfo

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"strconv"
)

// ErrInvalidAddr is returned when the compact address is invalid.
var ErrInvalidAddr = errors.New("invalid compact information of ip and port")

// Address is a peer endpoint.
type Address struct {
	IP   net.IP
	Port uint16
}

// NewAddress returns a new Address, normalising IPv4 to its 4-byte form.
func NewAddress(ip net.IP, port uint16) Address {
	if ipv4 := ip.To4(); ipv4 != nil {
		ip = ipv4
	}
	return Address{IP: ip, Port: port}
}

// NewAddressFromString parses "host:port" where host is a literal ip.
func NewAddressFromString(s string) (Address, error) {
	host, port, err := net.SplitHostPort(s)
	if err != nil {
		return Address{}, fmt.Errorf("invalid address '%s': %w", s, err)
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return Address{}, fmt.Errorf("invalid address '%s': not an ip", s)
	}
	v, err := strconv.ParseUint(port, 10, 16)
	if err != nil {
		return Address{}, fmt.Errorf("invalid address '%s': %w", s, err)
	}
	return NewAddress(ip, uint16(v)), nil
}

func (a Address) String() string {
	return net.JoinHostPort(a.IP.String(), strconv.FormatUint(uint64(a.Port), 10))
}

// Equal reports whether a and o name the same endpoint.
func (a Address) Equal(o Address) bool {
	return a.Port == o.Port && a.IP.Equal(o.IP)
}

// MarshalBinary returns the compact form: the ip bytes followed by the
// big-endian port.
func (a Address) MarshalBinary() ([]byte, error) {
	ip := a.IP
	if ipv4 := ip.To4(); ipv4 != nil {
		ip = ipv4
	}
	if len(ip) != net.IPv4len && len(ip) != net.IPv6len {
		return nil, ErrInvalidAddr
	}
	b := make([]byte, len(ip)+2)
	copy(b, ip)
	binary.BigEndian.PutUint16(b[len(ip):], a.Port)
	return b, nil
}

// UnmarshalBinary implements the interface encoding.BinaryUnmarshaler.
func (a *Address) UnmarshalBinary(b []byte) error {
	n := len(b) - 2
	switch n {
	case net.IPv4len, net.IPv6len:
	default:
		return ErrInvalidAddr
	}
	ip := make(net.IP, n)
	copy(ip, b[:n])
	a.IP = ip
	a.Port = binary.BigEndian.Uint16(b[n:])
	return nil
}

// ParseCompactPeers splits a compact peer string of 6-byte (IPv4) or, when
// ipv6 is set, 18-byte entries.
func ParseCompactPeers(s string, ipv6 bool) ([]Address, error) {
	size := net.IPv4len + 2
	if ipv6 {
		size = net.IPv6len + 2
	}
	if len(s)%size != 0 {
		return nil, fmt.Errorf("%w: %d bytes is not a multiple of %d", ErrInvalidAddr, len(s), size)
	}
	addrs := make([]Address, 0, len(s)/size)
	for i := 0; i < len(s); i += size {
		var a Address
		if err := a.UnmarshalBinary([]byte(s[i : i+size])); err != nil {
			return nil, err
		}
		addrs = append(addrs, a)
	}
	return addrs, nil
}
