package txbuilder

import (
	"errors"
	"fmt"
)

// ErrMalformedDER is returned by ParseDER for non-canonical encodings.
var ErrMalformedDER = errors.New("malformed DER signature")

// derInt encodes a big-endian unsigned integer as a DER INTEGER body:
// leading zeros stripped, one 0x00 re-added when the high bit is set.
func derInt(v []byte) []byte {
	i := 0
	for i < len(v)-1 && v[i] == 0 {
		i++
	}
	v = v[i:]
	if len(v) == 0 {
		return []byte{0}
	}
	if v[0]&0x80 != 0 {
		out := make([]byte, len(v)+1)
		copy(out[1:], v)
		return out
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out
}

// ToDER encodes r and s as a DER ECDSA signature:
// 0x30 len 0x02 len(r) r 0x02 len(s) s.
func ToDER(r, s [32]byte) []byte {
	rb := derInt(r[:])
	sb := derInt(s[:])
	body := 2 + len(rb) + 2 + len(sb)
	out := make([]byte, 0, 2+body)
	out = append(out, 0x30, byte(body))
	out = append(out, 0x02, byte(len(rb)))
	out = append(out, rb...)
	out = append(out, 0x02, byte(len(sb)))
	out = append(out, sb...)
	return out
}

// ParseDER decodes a strictly canonical DER signature and returns R and S
// as 32-byte big-endian values. A trailing hash type byte is not accepted.
func ParseDER(sig []byte) (r, s [32]byte, err error) {
	if len(sig) < 8 || len(sig) > 72 {
		return r, s, fmt.Errorf("%w: length %d", ErrMalformedDER, len(sig))
	}
	if sig[0] != 0x30 {
		return r, s, fmt.Errorf("%w: missing sequence tag", ErrMalformedDER)
	}
	if int(sig[1]) != len(sig)-2 {
		return r, s, fmt.Errorf("%w: sequence length %d, have %d", ErrMalformedDER, sig[1], len(sig)-2)
	}
	rest := sig[2:]
	rb, rest, err := parseDERInt(rest)
	if err != nil {
		return r, s, fmt.Errorf("R: %w", err)
	}
	sb, rest, err := parseDERInt(rest)
	if err != nil {
		return r, s, fmt.Errorf("S: %w", err)
	}
	if len(rest) != 0 {
		return r, s, fmt.Errorf("%w: %d trailing bytes", ErrMalformedDER, len(rest))
	}
	copy(r[32-len(rb):], rb)
	copy(s[32-len(sb):], sb)
	return r, s, nil
}

func parseDERInt(b []byte) (v, rest []byte, err error) {
	if len(b) < 2 || b[0] != 0x02 {
		return nil, nil, fmt.Errorf("%w: missing integer tag", ErrMalformedDER)
	}
	n := int(b[1])
	if n == 0 || n > 33 || len(b) < 2+n {
		return nil, nil, fmt.Errorf("%w: integer length %d", ErrMalformedDER, n)
	}
	v = b[2 : 2+n]
	if v[0]&0x80 != 0 {
		return nil, nil, fmt.Errorf("%w: negative integer", ErrMalformedDER)
	}
	if n > 1 && v[0] == 0 && v[1]&0x80 == 0 {
		return nil, nil, fmt.Errorf("%w: unnecessary leading zero", ErrMalformedDER)
	}
	if v[0] == 0 && n > 1 {
		v = v[1:]
	}
	if len(v) > 32 {
		return nil, nil, fmt.Errorf("%w: integer exceeds 32 bytes", ErrMalformedDER)
	}
	return v, b[2+n:], nil
}
