package mmio

import (
	"encoding/binary"
	"fmt"
	"sort"
)

// Wire layout of an encoded DeviceType:
//
//	schema u16 | tag u16 | len u16 | payload[len]
//
// All fields are little endian. Tags are append-only across schema revisions
// and tag 0 is reserved; it is never emitted.
const (
	headerSize = 6

	tagReserved  uint16 = 0
	tagVirtio    uint16 = 1
	tagBootTimer uint16 = 2
	tagSerial    uint16 = 3
	tagRtc       uint16 = 4

	virtioPayloadSize = 4
)

// CurrentSchema is the schema revision Encode emits.
const CurrentSchema uint16 = 2

type decodeFunc func(tag uint16, payload []byte, exact bool) (DeviceType, error)

// Registry maps schema revisions to their decoders.
type Registry struct {
	current  uint16
	decoders map[uint16]decodeFunc
}

// DefaultRegistry knows every schema revision this build has shipped.
var DefaultRegistry = newRegistry()

func newRegistry() *Registry {
	r := &Registry{current: CurrentSchema, decoders: make(map[uint16]decodeFunc)}
	r.register(1, decodeTags(map[uint16]Kind{
		tagVirtio:    KindVirtio,
		tagBootTimer: KindBootTimer,
	}))
	r.register(2, decodeTags(map[uint16]Kind{
		tagVirtio:    KindVirtio,
		tagBootTimer: KindBootTimer,
		tagSerial:    KindSerial,
		tagRtc:       KindRtc,
	}))
	return r
}

func (r *Registry) register(schema uint16, fn decodeFunc) {
	if _, ok := r.decoders[schema]; ok {
		panic(fmt.Sprintf("mmio: schema %d registered twice", schema))
	}
	r.decoders[schema] = fn
}

// Schemas returns the known schema revisions in ascending order.
func (r *Registry) Schemas() []uint16 {
	out := make([]uint16, 0, len(r.decoders))
	for s := range r.decoders {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Encode returns the canonical encoding of d.
func (r *Registry) Encode(d DeviceType) ([]byte, error) {
	return r.AppendEncode(nil, d)
}

// AppendEncode appends the canonical encoding of d to buf.
func (r *Registry) AppendEncode(buf []byte, d DeviceType) ([]byte, error) {
	var (
		tag     uint16
		payload []byte
	)
	switch d.Kind {
	case KindVirtio:
		tag = tagVirtio
		payload = binary.LittleEndian.AppendUint32(nil, d.ID)
	case KindBootTimer:
		tag = tagBootTimer
	case KindSerial:
		tag = tagSerial
	case KindRtc:
		tag = tagRtc
	default:
		return buf, fmt.Errorf("encode %s: %w", d, ErrUnknownDeviceVariant)
	}

	buf = binary.LittleEndian.AppendUint16(buf, r.current)
	buf = binary.LittleEndian.AppendUint16(buf, tag)
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(payload)))
	return append(buf, payload...), nil
}

// Decode parses one DeviceType from the front of b and returns the number of
// bytes consumed. Tags this build does not know, including every tag of a
// schema newer than CurrentSchema that older schemas never defined, decode to a
// KindUnrecognized value carrying the raw tag. Truncated or malformed input is
// an error.
func (r *Registry) Decode(b []byte) (DeviceType, int, error) {
	if len(b) < headerSize {
		return DeviceType{}, 0, fmt.Errorf("%w: %d byte header truncated", ErrMalformedDeviceType, len(b))
	}
	schema := binary.LittleEndian.Uint16(b[0:])
	tag := binary.LittleEndian.Uint16(b[2:])
	n := int(binary.LittleEndian.Uint16(b[4:]))
	if len(b)-headerSize < n {
		return DeviceType{}, 0, fmt.Errorf("%w: payload length %d exceeds %d remaining bytes",
			ErrMalformedDeviceType, n, len(b)-headerSize)
	}
	if schema == 0 {
		return DeviceType{}, 0, fmt.Errorf("%w: schema 0", ErrMalformedDeviceType)
	}
	if tag == tagReserved {
		return DeviceType{}, 0, fmt.Errorf("%w: reserved tag", ErrMalformedDeviceType)
	}
	payload := b[headerSize : headerSize+n]

	fn, ok := r.decoders[schema]
	exact := ok
	if !ok {
		// Newer writer. Tags are append-only, so the current decoder still
		// knows what the shared prefix of the tag space means.
		fn = r.decoders[r.current]
	}
	d, err := fn(tag, payload, exact)
	if err != nil {
		return DeviceType{}, 0, fmt.Errorf("decode schema %d tag %d: %w", schema, tag, err)
	}
	return d, headerSize + n, nil
}

func decodeTags(kinds map[uint16]Kind) decodeFunc {
	return func(tag uint16, payload []byte, exact bool) (DeviceType, error) {
		kind, ok := kinds[tag]
		if !ok {
			return DeviceType{Kind: KindUnrecognized, ID: uint32(tag)}, nil
		}
		switch kind {
		case KindVirtio:
			if len(payload) < virtioPayloadSize || (exact && len(payload) != virtioPayloadSize) {
				return DeviceType{}, fmt.Errorf("%w: virtio payload is %d bytes", ErrMalformedDeviceType, len(payload))
			}
			return Virtio(binary.LittleEndian.Uint32(payload)), nil
		default:
			if exact && len(payload) != 0 {
				return DeviceType{}, fmt.Errorf("%w: unexpected %d byte payload for %s",
					ErrMalformedDeviceType, len(payload), kind)
			}
			return DeviceType{Kind: kind}, nil
		}
	}
}

// Encode returns the canonical encoding of d using DefaultRegistry.
func Encode(d DeviceType) ([]byte, error) { return DefaultRegistry.Encode(d) }

// Decode parses a DeviceType using DefaultRegistry.
func Decode(b []byte) (DeviceType, int, error) { return DefaultRegistry.Decode(b) }
