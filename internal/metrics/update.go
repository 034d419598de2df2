package metrics

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// Op is the mutation carried by an Update.
type Op uint8

const (
	// OpSet replaces a gauge value.
	OpSet Op = iota + 1
	// OpInc adds to a counter or gauge.
	OpInc
	// OpDec subtracts from a gauge.
	OpDec
	// OpObserve records a histogram or summary observation.
	OpObserve
)

func (o Op) String() string {
	switch o {
	case OpSet:
		return "set"
	case OpInc:
		return "inc"
	case OpDec:
		return "dec"
	case OpObserve:
		return "observe"
	default:
		return fmt.Sprintf("op(%d)", uint8(o))
	}
}

func (o Op) valid() bool {
	return o >= OpSet && o <= OpObserve
}

// Update is one metric mutation. It is created per call, transmitted once
// and applied once by the registry owner.
type Update struct {
	Name        string
	LabelValues []string
	Op          Op
	Value       float64
}

// ErrMalformedUpdate is returned when an encoded update cannot be decoded.
var ErrMalformedUpdate = errors.New("metrics: malformed update")

const updateVersion byte = 1

// MaxLabelValues bounds the label tuple of an encoded update.
const MaxLabelValues = 255

// MarshalBinary encodes the update as
//
//	version u8 | op u8 | value f64 | name u16-len bytes | count u8 | (label u16-len bytes)*
//
// with all integers big-endian.
func (u Update) MarshalBinary() ([]byte, error) {
	if !u.Op.valid() {
		return nil, fmt.Errorf("%w: invalid op %d", ErrMalformedUpdate, u.Op)
	}
	if len(u.LabelValues) > MaxLabelValues {
		return nil, fmt.Errorf("%w: %d label values", ErrMalformedUpdate, len(u.LabelValues))
	}
	size := 1 + 1 + 8 + 2 + len(u.Name) + 1
	for _, l := range u.LabelValues {
		size += 2 + len(l)
	}
	buf := make([]byte, 0, size)
	buf = append(buf, updateVersion, byte(u.Op))
	buf = binary.BigEndian.AppendUint64(buf, math.Float64bits(u.Value))
	var err error
	if buf, err = appendString(buf, u.Name); err != nil {
		return nil, err
	}
	buf = append(buf, byte(len(u.LabelValues)))
	for _, l := range u.LabelValues {
		if buf, err = appendString(buf, l); err != nil {
			return nil, err
		}
	}
	return buf, nil
}

func appendString(buf []byte, s string) ([]byte, error) {
	if len(s) > math.MaxUint16 {
		return nil, fmt.Errorf("%w: string of %d bytes", ErrMalformedUpdate, len(s))
	}
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(s)))
	return append(buf, s...), nil
}

// UnmarshalBinary decodes an update produced by MarshalBinary.
func (u *Update) UnmarshalBinary(data []byte) error {
	if len(data) < 1+1+8 {
		return fmt.Errorf("%w: short header", ErrMalformedUpdate)
	}
	if data[0] != updateVersion {
		return fmt.Errorf("%w: version %d", ErrMalformedUpdate, data[0])
	}
	op := Op(data[1])
	if !op.valid() {
		return fmt.Errorf("%w: invalid op %d", ErrMalformedUpdate, data[1])
	}
	value := math.Float64frombits(binary.BigEndian.Uint64(data[2:10]))
	rest := data[10:]

	name, rest, err := readString(rest)
	if err != nil {
		return err
	}
	if len(rest) < 1 {
		return fmt.Errorf("%w: missing label count", ErrMalformedUpdate)
	}
	n := int(rest[0])
	rest = rest[1:]
	var labels []string
	if n > 0 {
		labels = make([]string, n)
	}
	for i := 0; i < n; i++ {
		if labels[i], rest, err = readString(rest); err != nil {
			return err
		}
	}
	if len(rest) != 0 {
		return fmt.Errorf("%w: %d trailing bytes", ErrMalformedUpdate, len(rest))
	}

	*u = Update{Name: name, LabelValues: labels, Op: op, Value: value}
	return nil
}

func readString(b []byte) (string, []byte, error) {
	if len(b) < 2 {
		return "", nil, fmt.Errorf("%w: short string length", ErrMalformedUpdate)
	}
	n := int(binary.BigEndian.Uint16(b))
	b = b[2:]
	if len(b) < n {
		return "", nil, fmt.Errorf("%w: string truncated", ErrMalformedUpdate)
	}
	return string(b[:n]), b[n:], nil
}
