// Copyright 2025 medialib
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package metainfo

import (
	"encoding/binary"
	"net"
	"strconv"

	"github.com/pkg/errors"
)

// CompactAddrLen is the encoded length of one compact peer entry:
// a 4-byte IPv4 address followed by a 2-byte big-endian port.
const CompactAddrLen = 6

// ErrInvalidAddr is returned when the compact information of the ip and
// port is invalid.
var ErrInvalidAddr = errors.New("invalid compact information of ip and port")

// Address represents the network address of a candidate peer.
type Address struct {
	IP   net.IP
	Port uint16
}

// NewAddress returns a new Address.
func NewAddress(ip net.IP, port uint16) Address {
	return Address{IP: ip, Port: port}
}

func (a Address) String() string {
	return net.JoinHostPort(a.IP.String(), strconv.FormatUint(uint64(a.Port), 10))
}

// Equal reports whether a and o hold the same ip and port.
func (a Address) Equal(o Address) bool {
	return a.Port == o.Port && a.IP.Equal(o.IP)
}

// Compact encodes the address to the 6-byte compact form.
func (a Address) Compact() (b []byte, err error) {
	ipv4 := a.IP.To4()
	if ipv4 == nil {
		return nil, ErrInvalidAddr
	}
	b = make([]byte, CompactAddrLen)
	copy(b, ipv4)
	binary.BigEndian.PutUint16(b[4:], a.Port)
	return
}

// ParseCompactAddresses parses the concatenation of 6-byte compact peer
// entries, as returned by the tracker in a compact response.
func ParseCompactAddresses(b []byte) ([]Address, error) {
	if len(b)%CompactAddrLen != 0 {
		return nil, ErrInvalidAddr
	}
	addrs := make([]Address, 0, len(b)/CompactAddrLen)
	for i := 0; i+CompactAddrLen <= len(b); i += CompactAddrLen {
		ip := make(net.IP, 4)
		copy(ip, b[i:i+4])
		addrs = append(addrs, Address{
			IP:   ip,
			Port: binary.BigEndian.Uint16(b[i+4 : i+CompactAddrLen]),
		})
	}
	return addrs, nil
}
