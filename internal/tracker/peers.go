package tracker

import (
	"encoding/binary"
	"fmt"
	"net/netip"
)

const (
	strideV4 = 6
	strideV6 = 18
)

// parsePeers reads the "peers" (and, if present, "peers6") entries from a
// decoded tracker response, in either compact (byte-string) or the
// original dictionary-list form.
func parsePeers(dict map[string]any) ([]netip.AddrPort, error) {
	var out []netip.AddrPort

	if v, ok := dict["peers"]; ok {
		peers, err := decodePeers(v, false)
		if err != nil {
			return nil, err
		}
		out = append(out, peers...)
	}
	if v, ok := dict["peers6"]; ok {
		peers, err := decodePeers(v, true)
		if err != nil {
			return nil, err
		}
		out = append(out, peers...)
	}

	return out, nil
}

func decodePeers(v any, ipv6 bool) ([]netip.AddrPort, error) {
	switch t := v.(type) {
	case string:
		if ipv6 {
			return decodeCompactV6([]byte(t))
		}
		return decodeCompactV4([]byte(t))
	case []any:
		return decodeDictPeers(t)
	default:
		return nil, fmt.Errorf("unsupported peers type %T", v)
	}
}

func decodeCompactV4(b []byte) ([]netip.AddrPort, error) {
	if len(b)%strideV4 != 0 {
		return nil, fmt.Errorf("compact peers length %d not a multiple of %d", len(b), strideV4)
	}

	n := len(b) / strideV4
	out := make([]netip.AddrPort, n)
	for i, off := 0, 0; i < n; i, off = i+1, off+strideV4 {
		addr := netip.AddrFrom4([4]byte{b[off], b[off+1], b[off+2], b[off+3]})
		port := binary.BigEndian.Uint16(b[off+4 : off+6])
		out[i] = netip.AddrPortFrom(addr, port)
	}
	return out, nil
}

func decodeCompactV6(b []byte) ([]netip.AddrPort, error) {
	if len(b)%strideV6 != 0 {
		return nil, fmt.Errorf("compact peers6 length %d not a multiple of %d", len(b), strideV6)
	}

	n := len(b) / strideV6
	out := make([]netip.AddrPort, n)
	for i, off := 0, 0; i < n; i, off = i+1, off+strideV6 {
		var a16 [16]byte
		copy(a16[:], b[off:off+16])
		port := binary.BigEndian.Uint16(b[off+16 : off+18])
		out[i] = netip.AddrPortFrom(netip.AddrFrom16(a16), port)
	}
	return out, nil
}

func decodeDictPeers(list []any) ([]netip.AddrPort, error) {
	out := make([]netip.AddrPort, 0, len(list))

	for i, it := range list {
		m, ok := it.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("peer[%d]: not a dict", i)
		}

		ipStr, ok := m["ip"].(string)
		if !ok {
			return nil, fmt.Errorf("peer[%d]: missing/invalid ip", i)
		}
		addr, err := netip.ParseAddr(ipStr)
		if err != nil {
			return nil, fmt.Errorf("peer[%d]: bad ip %q: %w", i, ipStr, err)
		}

		portVal, ok := m["port"].(int64)
		if !ok || portVal < 1 || portVal > 65535 {
			return nil, fmt.Errorf("peer[%d]: invalid port %v", i, m["port"])
		}

		out = append(out, netip.AddrPortFrom(addr, uint16(portVal)))
	}

	return out, nil
}
