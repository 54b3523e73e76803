// Package broadcast transmits aggregated monitor data to external programs.
//
// Data leaves the monitor as two-frame ZeroMQ messages: a tag string
// followed by a MessagePack-encoded dictionary. Array-valued entries use the
// msgpack-numpy map convention ({nd, type, kind, shape, data} with a raw
// little-endian buffer), so Python viewers decode them without any
// monitor-specific code.
package broadcast

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/vmihailenco/msgpack/v5"
)

// ErrTransport reports an invalid URL or a socket setup failure.
var ErrTransport = errors.New("transport error")

// ErrCodec reports a payload that cannot be encoded or decoded.
var ErrCodec = errors.New("codec error")

// Array is a dense numeric array with numpy-style dtype metadata. Data is
// the raw little-endian element buffer in row-major order.
type Array struct {
	Shape []int
	DType string // numpy dtype string: "<f4", "<f8", "<u4", "|u1"
	Data  []byte
}

var _ msgpack.CustomEncoder = (*Array)(nil)

func (a *Array) elements() int {
	n := 1
	for _, d := range a.Shape {
		n *= d
	}
	return n
}

// Float32Array wraps float32 values into an Array of the given shape.
func Float32Array(shape []int, values []float32) *Array {
	buf := make([]byte, len(values)*4)
	for i, v := range values {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return &Array{Shape: shape, DType: "<f4", Data: buf}
}

// Float64Array wraps float64 values into an Array of the given shape.
func Float64Array(shape []int, values []float64) *Array {
	buf := make([]byte, len(values)*8)
	for i, v := range values {
		binary.LittleEndian.PutUint64(buf[i*8:], math.Float64bits(v))
	}
	return &Array{Shape: shape, DType: "<f8", Data: buf}
}

// Uint32Array wraps uint32 values into an Array of the given shape.
func Uint32Array(shape []int, values []uint32) *Array {
	buf := make([]byte, len(values)*4)
	for i, v := range values {
		binary.LittleEndian.PutUint32(buf[i*4:], v)
	}
	return &Array{Shape: shape, DType: "<u4", Data: buf}
}

// Uint8Array wraps raw bytes into an Array of the given shape.
func Uint8Array(shape []int, values []uint8) *Array {
	return &Array{Shape: shape, DType: "|u1", Data: append([]byte(nil), values...)}
}

// Float32Values decodes the buffer of a "<f4" array.
func (a *Array) Float32Values() ([]float32, error) {
	if a.DType != "<f4" {
		return nil, fmt.Errorf("%w: array dtype is %s, not <f4", ErrCodec, a.DType)
	}
	n := a.elements()
	if len(a.Data) != n*4 {
		return nil, fmt.Errorf("%w: array buffer has %d bytes for %d elements", ErrCodec, len(a.Data), n)
	}
	out := make([]float32, n)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(a.Data[i*4:]))
	}
	return out, nil
}

// Float64Values decodes the buffer of a "<f8" array.
func (a *Array) Float64Values() ([]float64, error) {
	if a.DType != "<f8" {
		return nil, fmt.Errorf("%w: array dtype is %s, not <f8", ErrCodec, a.DType)
	}
	n := a.elements()
	if len(a.Data) != n*8 {
		return nil, fmt.Errorf("%w: array buffer has %d bytes for %d elements", ErrCodec, len(a.Data), n)
	}
	out := make([]float64, n)
	for i := range out {
		out[i] = math.Float64frombits(binary.LittleEndian.Uint64(a.Data[i*8:]))
	}
	return out, nil
}

// Uint32Values decodes the buffer of a "<u4" array.
func (a *Array) Uint32Values() ([]uint32, error) {
	if a.DType != "<u4" {
		return nil, fmt.Errorf("%w: array dtype is %s, not <u4", ErrCodec, a.DType)
	}
	n := a.elements()
	if len(a.Data) != n*4 {
		return nil, fmt.Errorf("%w: array buffer has %d bytes for %d elements", ErrCodec, len(a.Data), n)
	}
	out := make([]uint32, n)
	for i := range out {
		out[i] = binary.LittleEndian.Uint32(a.Data[i*4:])
	}
	return out, nil
}

// EncodeMsgpack writes the msgpack-numpy map form of the array.
func (a *Array) EncodeMsgpack(enc *msgpack.Encoder) error {
	if err := enc.EncodeMapLen(5); err != nil {
		return err
	}
	if err := enc.EncodeString("nd"); err != nil {
		return err
	}
	if err := enc.EncodeBool(true); err != nil {
		return err
	}
	if err := enc.EncodeString("type"); err != nil {
		return err
	}
	if err := enc.EncodeString(a.DType); err != nil {
		return err
	}
	if err := enc.EncodeString("kind"); err != nil {
		return err
	}
	if err := enc.EncodeString(""); err != nil {
		return err
	}
	if err := enc.EncodeString("shape"); err != nil {
		return err
	}
	if err := enc.EncodeArrayLen(len(a.Shape)); err != nil {
		return err
	}
	for _, d := range a.Shape {
		if err := enc.EncodeInt(int64(d)); err != nil {
			return err
		}
	}
	if err := enc.EncodeString("data"); err != nil {
		return err
	}
	return enc.EncodeBytes(a.Data)
}

// EncodePayload serializes a broadcast dictionary. Values may be scalars,
// strings, booleans, nil, nested maps and slices, or *Array.
func EncodePayload(payload map[string]interface{}) ([]byte, error) {
	b, err := msgpack.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCodec, err)
	}
	return b, nil
}

// DecodePayload deserializes a broadcast dictionary, reassembling
// msgpack-numpy maps into *Array values.
func DecodePayload(b []byte) (map[string]interface{}, error) {
	var raw map[string]interface{}
	if err := msgpack.Unmarshal(b, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCodec, err)
	}
	decoded, err := reassemble(raw)
	if err != nil {
		return nil, err
	}
	return decoded.(map[string]interface{}), nil
}

// reassemble walks a decoded value tree converting numpy-convention maps to
// *Array.
func reassemble(v interface{}) (interface{}, error) {
	switch node := v.(type) {
	case map[string]interface{}:
		if nd, ok := node["nd"].(bool); ok && nd {
			return arrayFromMap(node)
		}
		for k, child := range node {
			dec, err := reassemble(child)
			if err != nil {
				return nil, err
			}
			node[k] = dec
		}
		return node, nil
	case []interface{}:
		for i, child := range node {
			dec, err := reassemble(child)
			if err != nil {
				return nil, err
			}
			node[i] = dec
		}
		return node, nil
	default:
		return v, nil
	}
}

func arrayFromMap(node map[string]interface{}) (*Array, error) {
	dtype, ok := node["type"].(string)
	if !ok {
		return nil, fmt.Errorf("%w: array map has no dtype", ErrCodec)
	}
	rawShape, ok := node["shape"].([]interface{})
	if !ok {
		return nil, fmt.Errorf("%w: array map has no shape", ErrCodec)
	}
	shape := make([]int, len(rawShape))
	for i, d := range rawShape {
		n, err := asInt(d)
		if err != nil {
			return nil, err
		}
		shape[i] = n
	}
	data, ok := node["data"].([]byte)
	if !ok {
		if s, isString := node["data"].(string); isString {
			data = []byte(s)
		} else {
			return nil, fmt.Errorf("%w: array map has no data buffer", ErrCodec)
		}
	}
	return &Array{Shape: shape, DType: dtype, Data: data}, nil
}

func asInt(v interface{}) (int, error) {
	switch n := v.(type) {
	case int:
		return n, nil
	case int8:
		return int(n), nil
	case int16:
		return int(n), nil
	case int32:
		return int(n), nil
	case int64:
		return int(n), nil
	case uint8:
		return int(n), nil
	case uint16:
		return int(n), nil
	case uint32:
		return int(n), nil
	case uint64:
		return int(n), nil
	}
	return 0, fmt.Errorf("%w: %v (%T) is not an integer", ErrCodec, v, v)
}
