package agentdb

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"strconv"
	"time"
)

// Kind identifies the variant stored in a [Value].
type Kind uint8

const (
	KindNull Kind = iota
	KindBool
	KindInt
	KindFloat
	KindText
	KindBlob
	// KindOpaque carries engine-specific bytes for types no other kind covers.
	KindOpaque
)

var kindNames = [...]string{
	KindNull:   "null",
	KindBool:   "bool",
	KindInt:    "int",
	KindFloat:  "float",
	KindText:   "text",
	KindBlob:   "blob",
	KindOpaque: "opaque",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "kind(" + strconv.Itoa(int(k)) + ")"
}

// ParseKind returns the Kind named by s, as produced by [Kind.String].
func ParseKind(s string) (Kind, error) {
	for k, name := range kindNames {
		if name == s {
			return Kind(k), nil
		}
	}
	return KindNull, InvalidArgument("parse kind", "unknown value kind %q", s)
}

// Value is an immutable, typed unit of data exchanged with a backend.
//
// The zero Value is null. Values are cheap to copy: scalars are stored inline
// and blob payloads share one read-only backing array between copies.
type Value struct {
	kind Kind
	num  uint64 // bool, int64 or float64 bits
	str  string // text, or the opaque type name
	data []byte // blob or opaque payload, never mutated after construction
}

// Null returns the null Value.
func Null() Value { return Value{} }

// Bool returns a boolean Value.
func Bool(b bool) Value {
	v := Value{kind: KindBool}
	if b {
		v.num = 1
	}
	return v
}

// Int returns a 64-bit signed integer Value.
func Int(i int64) Value { return Value{kind: KindInt, num: uint64(i)} }

// Float returns a 64-bit floating-point Value.
func Float(f float64) Value { return Value{kind: KindFloat, num: math.Float64bits(f)} }

// Text returns a text Value.
func Text(s string) Value { return Value{kind: KindText, str: s} }

// Blob returns a binary Value. The input is copied.
func Blob(b []byte) Value {
	return Value{kind: KindBlob, data: bytes.Clone(nonNil(b))}
}

// Opaque returns a Value holding engine-specific bytes tagged with typeName
// (for example "timestamp" or "pg:numeric"). The input is copied.
func Opaque(typeName string, b []byte) Value {
	return Value{kind: KindOpaque, str: typeName, data: bytes.Clone(nonNil(b))}
}

func nonNil(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	return b
}

// Kind reports the variant held by v.
func (v Value) Kind() Kind { return v.kind }

// IsNull reports whether v is the null Value.
func (v Value) IsNull() bool { return v.kind == KindNull }

// Len returns the payload length in bytes for text, blob and opaque values,
// and 0 for everything else.
func (v Value) Len() int {
	switch v.kind {
	case KindText:
		return len(v.str)
	case KindBlob, KindOpaque:
		return len(v.data)
	}
	return 0
}

func (v Value) mismatch(want Kind) error {
	return Serialization("convert", "cannot read %s value as %s", v.kind, want)
}

// AsBool returns the boolean held by v.
func (v Value) AsBool() (bool, error) {
	if v.kind != KindBool {
		return false, v.mismatch(KindBool)
	}
	return v.num == 1, nil
}

// AsInt returns the integer held by v. It never parses text.
func (v Value) AsInt() (int64, error) {
	if v.kind != KindInt {
		return 0, v.mismatch(KindInt)
	}
	return int64(v.num), nil
}

// AsFloat returns the float held by v. Integers are not widened.
func (v Value) AsFloat() (float64, error) {
	if v.kind != KindFloat {
		return 0, v.mismatch(KindFloat)
	}
	return math.Float64frombits(v.num), nil
}

// AsText returns the text held by v. Other kinds are never stringified.
func (v Value) AsText() (string, error) {
	if v.kind != KindText {
		return "", v.mismatch(KindText)
	}
	return v.str, nil
}

// AsBlob returns a copy of the bytes held by a blob Value.
func (v Value) AsBlob() ([]byte, error) {
	if v.kind != KindBlob {
		return nil, v.mismatch(KindBlob)
	}
	return bytes.Clone(v.data), nil
}

// AsOpaque returns the type name and a copy of the bytes held by an opaque Value.
func (v Value) AsOpaque() (string, []byte, error) {
	if v.kind != KindOpaque {
		return "", nil, v.mismatch(KindOpaque)
	}
	return v.str, bytes.Clone(v.data), nil
}

// WriteTo writes the raw payload of a text, blob or opaque Value to w without
// copying it first.
func (v Value) WriteTo(w io.Writer) (int64, error) {
	switch v.kind {
	case KindText:
		n, err := io.WriteString(w, v.str)
		return int64(n), err
	case KindBlob, KindOpaque:
		n, err := w.Write(v.data)
		return int64(n), err
	}
	return 0, v.mismatch(KindBlob)
}

// Equal reports structural equality. Floats are compared by bit pattern.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindNull:
		return true
	case KindBool, KindInt, KindFloat:
		return v.num == o.num
	case KindText:
		return v.str == o.str
	case KindBlob:
		return bytes.Equal(v.data, o.data)
	case KindOpaque:
		return v.str == o.str && bytes.Equal(v.data, o.data)
	}
	return false
}

// Native returns the Go value used when binding v as a query parameter:
// nil, bool, int64, float64, string or []byte.
func (v Value) Native() any {
	switch v.kind {
	case KindBool:
		return v.num == 1
	case KindInt:
		return int64(v.num)
	case KindFloat:
		return math.Float64frombits(v.num)
	case KindText:
		return v.str
	case KindBlob, KindOpaque:
		return bytes.Clone(v.data)
	}
	return nil
}

// FromNative converts a value produced by a database driver into a Value.
func FromNative(x any) (Value, error) {
	switch t := x.(type) {
	case nil:
		return Null(), nil
	case Value:
		return t, nil
	case bool:
		return Bool(t), nil
	case int:
		return Int(int64(t)), nil
	case int8:
		return Int(int64(t)), nil
	case int16:
		return Int(int64(t)), nil
	case int32:
		return Int(int64(t)), nil
	case int64:
		return Int(t), nil
	case uint8:
		return Int(int64(t)), nil
	case uint16:
		return Int(int64(t)), nil
	case uint32:
		return Int(int64(t)), nil
	case uint:
		return fromUnsigned(uint64(t))
	case uint64:
		return fromUnsigned(t)
	case float32:
		return Float(float64(t)), nil
	case float64:
		return Float(t), nil
	case string:
		return Text(t), nil
	case []byte:
		return Blob(t), nil
	case time.Time:
		return Opaque("timestamp", []byte(t.Format(time.RFC3339Nano))), nil
	case [16]byte:
		return Opaque("uuid", t[:]), nil
	}
	return Value{}, Serialization("convert", "unsupported native type %T", x)
}

func fromUnsigned(u uint64) (Value, error) {
	if u > math.MaxInt64 {
		return Value{}, Serialization("convert", "unsigned value %d overflows int64", u)
	}
	return Int(int64(u)), nil
}

// MarshalBinary returns the canonical encoding of v: one kind tag byte
// followed by the payload.
func (v Value) MarshalBinary() ([]byte, error) {
	switch v.kind {
	case KindNull:
		return []byte{byte(KindNull)}, nil
	case KindBool:
		return []byte{byte(KindBool), byte(v.num)}, nil
	case KindInt, KindFloat:
		buf := make([]byte, 9)
		buf[0] = byte(v.kind)
		binary.BigEndian.PutUint64(buf[1:], v.num)
		return buf, nil
	case KindText:
		buf := make([]byte, 1+len(v.str))
		buf[0] = byte(KindText)
		copy(buf[1:], v.str)
		return buf, nil
	case KindBlob:
		buf := make([]byte, 1+len(v.data))
		buf[0] = byte(KindBlob)
		copy(buf[1:], v.data)
		return buf, nil
	case KindOpaque:
		buf := make([]byte, 1, 1+binary.MaxVarintLen64+len(v.str)+len(v.data))
		buf[0] = byte(KindOpaque)
		buf = binary.AppendUvarint(buf, uint64(len(v.str)))
		buf = append(buf, v.str...)
		buf = append(buf, v.data...)
		return buf, nil
	}
	return nil, Serialization("encode", "unknown value kind %d", v.kind)
}

// UnmarshalBinary decodes the canonical encoding produced by MarshalBinary.
func (v *Value) UnmarshalBinary(b []byte) error {
	d, err := DecodeValue(b)
	if err != nil {
		return err
	}
	*v = d
	return nil
}

// EncodedLen returns the length of v's canonical encoding.
func (v Value) EncodedLen() int {
	switch v.kind {
	case KindNull:
		return 1
	case KindBool:
		return 2
	case KindInt, KindFloat:
		return 9
	case KindText:
		return 1 + len(v.str)
	case KindBlob:
		return 1 + len(v.data)
	case KindOpaque:
		var tmp [binary.MaxVarintLen64]byte
		return 1 + binary.PutUvarint(tmp[:], uint64(len(v.str))) + len(v.str) + len(v.data)
	}
	return 0
}

// DecodeValue decodes a canonical Value encoding. The returned Value does not
// alias b.
func DecodeValue(b []byte) (Value, error) {
	if len(b) == 0 {
		return Value{}, Serialization("decode", "empty value encoding")
	}
	kind, body := Kind(b[0]), b[1:]
	switch kind {
	case KindNull:
		if len(body) != 0 {
			return Value{}, Serialization("decode", "null value with %d payload bytes", len(body))
		}
		return Null(), nil
	case KindBool:
		if len(body) != 1 || body[0] > 1 {
			return Value{}, Serialization("decode", "malformed bool payload")
		}
		return Bool(body[0] == 1), nil
	case KindInt, KindFloat:
		if len(body) != 8 {
			return Value{}, Serialization("decode", "%s payload is %d bytes, want 8", kind, len(body))
		}
		return Value{kind: kind, num: binary.BigEndian.Uint64(body)}, nil
	case KindText:
		return Text(string(body)), nil
	case KindBlob:
		return Blob(body), nil
	case KindOpaque:
		n, sz := binary.Uvarint(body)
		if sz <= 0 || uint64(len(body)-sz) < n {
			return Value{}, Serialization("decode", "malformed opaque type name")
		}
		name := string(body[sz : sz+int(n)])
		return Opaque(name, body[sz+int(n):]), nil
	}
	return Value{}, Serialization("decode", "unknown value kind tag %d", b[0])
}

type jsonValue struct {
	Kind  string          `json:"kind"`
	Type  string          `json:"type,omitempty"`
	Value json.RawMessage `json:"value,omitempty"`
}

// MarshalJSON encodes v as {"kind": ..., "value": ...}. Blob and opaque
// payloads are base64 encoded.
func (v Value) MarshalJSON() ([]byte, error) {
	out := jsonValue{Kind: v.kind.String()}
	var payload any
	switch v.kind {
	case KindNull:
		return json.Marshal(out)
	case KindBool:
		payload = v.num == 1
	case KindInt:
		payload = int64(v.num)
	case KindFloat:
		f := math.Float64frombits(v.num)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			payload = strconv.FormatFloat(f, 'g', -1, 64)
		} else {
			payload = f
		}
	case KindText:
		payload = v.str
	case KindBlob:
		payload = base64.StdEncoding.EncodeToString(v.data)
	case KindOpaque:
		out.Type = v.str
		payload = base64.StdEncoding.EncodeToString(v.data)
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	out.Value = raw
	return json.Marshal(out)
}

// UnmarshalJSON decodes the form produced by MarshalJSON.
func (v *Value) UnmarshalJSON(b []byte) error {
	var in jsonValue
	if err := json.Unmarshal(b, &in); err != nil {
		return Serialization("decode json", "%v", err)
	}
	kind, err := ParseKind(in.Kind)
	if err != nil {
		return Serialization("decode json", "unknown kind %q", in.Kind)
	}
	bad := func(err error) error {
		return Serialization("decode json", "%s payload: %v", kind, err)
	}
	switch kind {
	case KindNull:
		*v = Null()
	case KindBool:
		var b bool
		if err := json.Unmarshal(in.Value, &b); err != nil {
			return bad(err)
		}
		*v = Bool(b)
	case KindInt:
		var i int64
		if err := json.Unmarshal(in.Value, &i); err != nil {
			return bad(err)
		}
		*v = Int(i)
	case KindFloat:
		var f float64
		if err := json.Unmarshal(in.Value, &f); err != nil {
			var s string
			if json.Unmarshal(in.Value, &s) != nil {
				return bad(err)
			}
			if f, err = strconv.ParseFloat(s, 64); err != nil {
				return bad(err)
			}
		}
		*v = Float(f)
	case KindText:
		var s string
		if err := json.Unmarshal(in.Value, &s); err != nil {
			return bad(err)
		}
		*v = Text(s)
	case KindBlob, KindOpaque:
		var s string
		if err := json.Unmarshal(in.Value, &s); err != nil {
			return bad(err)
		}
		raw, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return bad(err)
		}
		if kind == KindBlob {
			*v = Blob(raw)
		} else {
			*v = Opaque(in.Type, raw)
		}
	}
	return nil
}

// String returns a short diagnostic form such as int(42) or text("Alice").
func (v Value) String() string {
	switch v.kind {
	case KindNull:
		return "null"
	case KindBool:
		return fmt.Sprintf("bool(%t)", v.num == 1)
	case KindInt:
		return fmt.Sprintf("int(%d)", int64(v.num))
	case KindFloat:
		return fmt.Sprintf("float(%g)", math.Float64frombits(v.num))
	case KindText:
		return fmt.Sprintf("text(%q)", v.str)
	case KindBlob:
		return fmt.Sprintf("blob(%d bytes)", len(v.data))
	case KindOpaque:
		return fmt.Sprintf("opaque(%s, %d bytes)", v.str, len(v.data))
	}
	return v.kind.String()
}
