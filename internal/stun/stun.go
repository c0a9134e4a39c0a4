// Package stun implements the STUN binding exchange used to discover the
// externally visible address of a local UDP port.
package stun

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"strconv"
)

// MappedAddress is the server-reported mapping for a local port: how that
// port appears from outside the NAT.
type MappedAddress struct {
	IP   net.IP
	Port int
}

// String returns the address in "ip:port" format, bracketing IPv6 literals.
func (m MappedAddress) String() string {
	return net.JoinHostPort(m.IP.String(), strconv.Itoa(m.Port))
}

// magicCookie is the fixed magic cookie value per RFC 5389.
const magicCookie uint32 = 0x2112A442

// STUN message types.
const (
	typeBindingRequest uint16 = 0x0001
	typeBindingSuccess uint16 = 0x0101
)

// STUN attribute types.
const (
	attrMappedAddress    uint16 = 0x0001
	attrXORMappedAddress uint16 = 0x0020
)

// STUN address families.
const (
	familyIPv4 byte = 0x01
	familyIPv6 byte = 0x02
)

// buildBindingRequest creates a 20-byte STUN Binding Request.
// Format: type (2) | length (2) | magic cookie (4) | transaction ID (12)
func buildBindingRequest(transactionID [12]byte) []byte {
	buf := make([]byte, 20)
	binary.BigEndian.PutUint16(buf[0:2], typeBindingRequest)
	binary.BigEndian.PutUint16(buf[2:4], 0) // no attributes
	binary.BigEndian.PutUint32(buf[4:8], magicCookie)
	copy(buf[8:20], transactionID[:])
	return buf
}

// parseBindingResponse parses a STUN Binding Response and extracts the mapped
// address, preferring XOR-MAPPED-ADDRESS over the legacy MAPPED-ADDRESS.
func parseBindingResponse(data []byte, transactionID [12]byte) (MappedAddress, error) {
	if len(data) < 20 {
		return MappedAddress{}, errors.New("stun: response too short")
	}

	msgType := binary.BigEndian.Uint16(data[0:2])
	msgLen := binary.BigEndian.Uint16(data[2:4])
	cookie := binary.BigEndian.Uint32(data[4:8])

	if cookie != magicCookie {
		return MappedAddress{}, fmt.Errorf("stun: invalid magic cookie 0x%08X", cookie)
	}

	var rxTxID [12]byte
	copy(rxTxID[:], data[8:20])
	if rxTxID != transactionID {
		return MappedAddress{}, errors.New("stun: transaction ID mismatch")
	}

	if msgType != typeBindingSuccess {
		return MappedAddress{}, fmt.Errorf("stun: unexpected message type 0x%04X", msgType)
	}

	attrs := data[20:]
	if int(msgLen) > len(attrs) {
		return MappedAddress{}, errors.New("stun: attributes truncated")
	}
	attrs = attrs[:msgLen]

	var mapped *MappedAddress
	for len(attrs) >= 4 {
		attrType := binary.BigEndian.Uint16(attrs[0:2])
		attrLen := binary.BigEndian.Uint16(attrs[2:4])
		if int(attrLen) > len(attrs)-4 {
			break
		}
		attrVal := attrs[4 : 4+attrLen]

		switch attrType {
		case attrXORMappedAddress:
			addr, err := parseXORMappedAddress(attrVal, transactionID)
			if err != nil {
				return MappedAddress{}, err
			}
			return addr, nil
		case attrMappedAddress:
			addr, err := parseMappedAddress(attrVal)
			if err != nil {
				return MappedAddress{}, err
			}
			mapped = &addr
		}

		// Advance past attribute, padded to 4-byte boundary. The padding can
		// overrun a truncated message even when the value itself fit.
		padded := int(attrLen)
		if padded%4 != 0 {
			padded += 4 - padded%4
		}
		if 4+padded > len(attrs) {
			break
		}
		attrs = attrs[4+padded:]
	}

	if mapped != nil {
		return *mapped, nil
	}
	return MappedAddress{}, errors.New("stun: no address attribute found")
}

// parseXORMappedAddress decodes an XOR-MAPPED-ADDRESS attribute value.
// IPv4 addresses are XOR'd with the magic cookie; IPv6 addresses with the
// concatenation of the magic cookie and the transaction ID (RFC 5389 §15.2).
func parseXORMappedAddress(val []byte, transactionID [12]byte) (MappedAddress, error) {
	// Format: 0x00 (1) | family (1) | xor-port (2) | xor-address (4 or 16)
	if len(val) < 8 {
		return MappedAddress{}, errors.New("stun: XOR-MAPPED-ADDRESS too short")
	}

	xorPort := binary.BigEndian.Uint16(val[2:4])
	port := xorPort ^ uint16(magicCookie>>16)

	var mask [16]byte
	binary.BigEndian.PutUint32(mask[0:4], magicCookie)
	copy(mask[4:16], transactionID[:])

	switch val[1] {
	case familyIPv4:
		ip := make(net.IP, 4)
		for i := 0; i < 4; i++ {
			ip[i] = val[4+i] ^ mask[i]
		}
		return MappedAddress{IP: ip, Port: int(port)}, nil
	case familyIPv6:
		if len(val) < 20 {
			return MappedAddress{}, errors.New("stun: XOR-MAPPED-ADDRESS too short for IPv6")
		}
		ip := make(net.IP, 16)
		for i := 0; i < 16; i++ {
			ip[i] = val[4+i] ^ mask[i]
		}
		return MappedAddress{IP: ip, Port: int(port)}, nil
	default:
		return MappedAddress{}, fmt.Errorf("stun: unsupported address family 0x%02X", val[1])
	}
}

// parseMappedAddress decodes a MAPPED-ADDRESS attribute value.
func parseMappedAddress(val []byte) (MappedAddress, error) {
	// Format: 0x00 (1) | family (1) | port (2) | address (4 or 16)
	if len(val) < 8 {
		return MappedAddress{}, errors.New("stun: MAPPED-ADDRESS too short")
	}

	port := binary.BigEndian.Uint16(val[2:4])

	switch val[1] {
	case familyIPv4:
		ip := make(net.IP, 4)
		copy(ip, val[4:8])
		return MappedAddress{IP: ip, Port: int(port)}, nil
	case familyIPv6:
		if len(val) < 20 {
			return MappedAddress{}, errors.New("stun: MAPPED-ADDRESS too short for IPv6")
		}
		ip := make(net.IP, 16)
		copy(ip, val[4:20])
		return MappedAddress{IP: ip, Port: int(port)}, nil
	default:
		return MappedAddress{}, fmt.Errorf("stun: unsupported address family 0x%02X", val[1])
	}
}
