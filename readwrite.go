package netsync

import (
	"encoding/binary"
	"math"
)

var le = binary.LittleEndian

func appendUint8(b []byte, v uint8) []byte { return append(b, v) }

func appendUint16(b []byte, v uint16) []byte {
	return append(b, byte(v), byte(v>>8))
}

func appendUint32(b []byte, v uint32) []byte {
	return append(b, byte(v), byte(v>>8), byte(v>>16), byte(v>>24))
}

func appendFloat32(b []byte, v float32) []byte {
	return appendUint32(b, math.Float32bits(v))
}

// reader walks a fixed-size buffer whose length has already been checked
type reader struct {
	b []byte
	i int
}

func (r *reader) uint8() uint8 {
	v := r.b[r.i]
	r.i++
	return v
}

func (r *reader) uint16() uint16 {
	v := le.Uint16(r.b[r.i:])
	r.i += 2
	return v
}

func (r *reader) uint32() uint32 {
	v := le.Uint32(r.b[r.i:])
	r.i += 4
	return v
}

func (r *reader) float32() float32 {
	return math.Float32frombits(r.uint32())
}
