// Package fieldtype implements the typed field values ("ptypes" in the
// original source) that a protocol descriptor's schema is built from. Each
// Value knows how to parse itself from on-wire bytes, print itself for
// logging/events, and compare itself for conntrack key matching.
package fieldtype

import (
	"encoding/binary"
	"fmt"
	"net"

	"github.com/pkg/errors"
)

// Kind names the closed set of field value types the engine understands.
// New protocol modules compose schemas out of these; the set deliberately
// does not grow per-protocol (a protocol needing something bespoke owns a
// Bytes field and parses it itself in process()).
type Kind int

const (
	Uint8 Kind = iota
	Uint16
	Uint32
	IPv4
	IPv6
	String
	Bool
	Bytes
)

func (k Kind) String() string {
	switch k {
	case Uint8:
		return "uint8"
	case Uint16:
		return "uint16"
	case Uint32:
		return "uint32"
	case IPv4:
		return "ipv4"
	case IPv6:
		return "ipv6"
	case String:
		return "string"
	case Bool:
		return "bool"
	case Bytes:
		return "bytes"
	default:
		return "unknown"
	}
}

// Value is a single typed field slot: {alloc, set, get, parse, print,
// compare, cleanup} from the protocol plugin interface (spec.md §6).
// Alloc is the zero value returned by New; cleanup is handled by the Go
// garbage collector, so there is no explicit Cleanup method — any type that
// needs one (e.g. a pooled byte buffer) releases it via a finalizer-free
// Release method of its own instead, kept out of this interface.
type Value interface {
	Kind() Kind
	// Parse reads the value from raw on-wire bytes in network byte order.
	Parse(raw []byte) error
	// Print renders the value for logs and events.
	Print() string
	// Compare reports whether two values of the same Kind are equal. Used
	// by conntrack to compare forward/reverse key components.
	Compare(other Value) bool
	// Bytes returns a canonical byte encoding, used to build conntrack keys.
	Bytes() []byte
}

// New allocates the zero value for kind.
func New(kind Kind) Value {
	switch kind {
	case Uint8:
		return new(Uint8Value)
	case Uint16:
		return new(Uint16Value)
	case Uint32:
		return new(Uint32Value)
	case IPv4:
		return new(IPv4Value)
	case IPv6:
		return new(IPv6Value)
	case String:
		return new(StringValue)
	case Bool:
		return new(BoolValue)
	case Bytes:
		return new(BytesValue)
	default:
		panic(fmt.Sprintf("fieldtype: unknown kind %d", kind))
	}
}

type Uint8Value uint8

func (v *Uint8Value) Kind() Kind { return Uint8 }
func (v *Uint8Value) Parse(raw []byte) error {
	if len(raw) < 1 {
		return errors.New("uint8: short buffer")
	}
	*v = Uint8Value(raw[0])
	return nil
}
func (v *Uint8Value) Print() string { return fmt.Sprintf("%d", uint8(*v)) }
func (v *Uint8Value) Compare(o Value) bool {
	other, ok := o.(*Uint8Value)
	return ok && *v == *other
}
func (v *Uint8Value) Bytes() []byte { return []byte{byte(*v)} }
func (v *Uint8Value) Set(val uint8) { *v = Uint8Value(val) }
func (v *Uint8Value) Get() uint8    { return uint8(*v) }

type Uint16Value uint16

func (v *Uint16Value) Kind() Kind { return Uint16 }
func (v *Uint16Value) Parse(raw []byte) error {
	if len(raw) < 2 {
		return errors.New("uint16: short buffer")
	}
	*v = Uint16Value(binary.BigEndian.Uint16(raw))
	return nil
}
func (v *Uint16Value) Print() string { return fmt.Sprintf("%d", uint16(*v)) }
func (v *Uint16Value) Compare(o Value) bool {
	other, ok := o.(*Uint16Value)
	return ok && *v == *other
}
func (v *Uint16Value) Bytes() []byte {
	b := make([]byte, 2)
	binary.BigEndian.PutUint16(b, uint16(*v))
	return b
}
func (v *Uint16Value) Set(val uint16) { *v = Uint16Value(val) }
func (v *Uint16Value) Get() uint16    { return uint16(*v) }

type Uint32Value uint32

func (v *Uint32Value) Kind() Kind { return Uint32 }
func (v *Uint32Value) Parse(raw []byte) error {
	if len(raw) < 4 {
		return errors.New("uint32: short buffer")
	}
	*v = Uint32Value(binary.BigEndian.Uint32(raw))
	return nil
}
func (v *Uint32Value) Print() string { return fmt.Sprintf("%d", uint32(*v)) }
func (v *Uint32Value) Compare(o Value) bool {
	other, ok := o.(*Uint32Value)
	return ok && *v == *other
}
func (v *Uint32Value) Bytes() []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, uint32(*v))
	return b
}
func (v *Uint32Value) Set(val uint32) { *v = Uint32Value(val) }
func (v *Uint32Value) Get() uint32    { return uint32(*v) }

type IPv4Value struct{ addr [4]byte }

func (v *IPv4Value) Kind() Kind { return IPv4 }
func (v *IPv4Value) Parse(raw []byte) error {
	if len(raw) < 4 {
		return errors.New("ipv4: short buffer")
	}
	copy(v.addr[:], raw[:4])
	return nil
}
func (v *IPv4Value) Print() string { return net.IP(v.addr[:]).String() }
func (v *IPv4Value) Compare(o Value) bool {
	other, ok := o.(*IPv4Value)
	return ok && v.addr == other.addr
}
func (v *IPv4Value) Bytes() []byte       { return append([]byte(nil), v.addr[:]...) }
func (v *IPv4Value) Set(ip net.IP)       { copy(v.addr[:], ip.To4()) }
func (v *IPv4Value) Get() net.IP         { return net.IP(append([]byte(nil), v.addr[:]...)) }
func (v *IPv4Value) SetRaw(b [4]byte)    { v.addr = b }

type IPv6Value struct{ addr [16]byte }

func (v *IPv6Value) Kind() Kind { return IPv6 }
func (v *IPv6Value) Parse(raw []byte) error {
	if len(raw) < 16 {
		return errors.New("ipv6: short buffer")
	}
	copy(v.addr[:], raw[:16])
	return nil
}
func (v *IPv6Value) Print() string { return net.IP(v.addr[:]).String() }
func (v *IPv6Value) Compare(o Value) bool {
	other, ok := o.(*IPv6Value)
	return ok && v.addr == other.addr
}
func (v *IPv6Value) Bytes() []byte { return append([]byte(nil), v.addr[:]...) }
func (v *IPv6Value) Set(ip net.IP) { copy(v.addr[:], ip.To16()) }
func (v *IPv6Value) Get() net.IP   { return net.IP(append([]byte(nil), v.addr[:]...)) }

type StringValue string

func (v *StringValue) Kind() Kind           { return String }
func (v *StringValue) Parse(raw []byte) error { *v = StringValue(raw); return nil }
func (v *StringValue) Print() string        { return string(*v) }
func (v *StringValue) Compare(o Value) bool {
	other, ok := o.(*StringValue)
	return ok && *v == *other
}
func (v *StringValue) Bytes() []byte  { return []byte(*v) }
func (v *StringValue) Set(s string)   { *v = StringValue(s) }
func (v *StringValue) Get() string    { return string(*v) }

type BoolValue bool

func (v *BoolValue) Kind() Kind { return Bool }
func (v *BoolValue) Parse(raw []byte) error {
	if len(raw) < 1 {
		return errors.New("bool: short buffer")
	}
	*v = raw[0] != 0
	return nil
}
func (v *BoolValue) Print() string {
	if *v {
		return "true"
	}
	return "false"
}
func (v *BoolValue) Compare(o Value) bool {
	other, ok := o.(*BoolValue)
	return ok && *v == *other
}
func (v *BoolValue) Bytes() []byte {
	if *v {
		return []byte{1}
	}
	return []byte{0}
}
func (v *BoolValue) Set(b bool) { *v = BoolValue(b) }
func (v *BoolValue) Get() bool  { return bool(*v) }

type BytesValue []byte

func (v *BytesValue) Kind() Kind             { return Bytes }
func (v *BytesValue) Parse(raw []byte) error { *v = append((*v)[:0], raw...); return nil }
func (v *BytesValue) Print() string          { return fmt.Sprintf("% x", []byte(*v)) }
func (v *BytesValue) Compare(o Value) bool {
	other, ok := o.(*BytesValue)
	if !ok || len(*v) != len(*other) {
		return false
	}
	for i := range *v {
		if (*v)[i] != (*other)[i] {
			return false
		}
	}
	return true
}
func (v *BytesValue) Bytes() []byte { return append([]byte(nil), (*v)...) }
func (v *BytesValue) Set(b []byte)  { *v = append((*v)[:0], b...) }
