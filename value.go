package dbus

import (
	"fmt"

	"github.com/d12fk/dbus-asio/fragments"
)

// Kind identifies which wire type a Value holds.
type Kind byte

const (
	KindByte       Kind = TypeByte
	KindBool       Kind = TypeBool
	KindInt16      Kind = TypeInt16
	KindUint16     Kind = TypeUint16
	KindInt32      Kind = TypeInt32
	KindUint32     Kind = TypeUint32
	KindInt64      Kind = TypeInt64
	KindUint64     Kind = TypeUint64
	KindDouble     Kind = TypeDouble
	KindString     Kind = TypeString
	KindObjectPath Kind = TypeObjectPath
	KindSignature  Kind = TypeSignature
	KindUnixFD     Kind = TypeUnixFD
	KindArray      Kind = TypeArray
	KindStruct     Kind = TypeStructOpen
	KindDictEntry  Kind = TypeDictOpen
	KindVariant    Kind = TypeVariant
)

func (k Kind) String() string { return string([]byte{byte(k)}) }

// Value is a single DBus wire value: a tagged union with one variant
// per type code. A parameter list is simply a slice of Values.
//
// Containers hold owned sequences of Values: Array holds elements of
// a uniform element signature, Struct and DictEntry hold an ordered
// sequence of fields, Variant holds exactly one inner Value.
//
// The zero Value is not meaningful; construct one with one of the
// New* functions.
type Value struct {
	sig Signature

	u64 uint64 // byte/bool/int16/uint16/int32/uint32/int64/uint64/unix_fd, widened
	f64 float64
	str string // string/object_path/signature
	fd  *FD

	elemSig  Signature // array element signature
	elems    []Value   // array elements, struct/dict_entry fields
	variant  *Value
}

// NewByte, NewBool, ... construct basic-typed Values.
func NewByte(v byte) Value              { return Value{sig: "y", u64: uint64(v)} }
func NewBool(v bool) Value {
	var b uint64
	if v {
		b = 1
	}
	return Value{sig: "b", u64: b}
}
func NewInt16(v int16) Value            { return Value{sig: "n", u64: uint64(uint16(v))} }
func NewUint16(v uint16) Value          { return Value{sig: "q", u64: uint64(v)} }
func NewInt32(v int32) Value            { return Value{sig: "i", u64: uint64(uint32(v))} }
func NewUint32(v uint32) Value          { return Value{sig: "u", u64: uint64(v)} }
func NewInt64(v int64) Value            { return Value{sig: "x", u64: uint64(v)} }
func NewUint64(v uint64) Value          { return Value{sig: "t", u64: v} }
func NewDouble(v float64) Value         { return Value{sig: "d", f64: v} }
func NewString(v string) Value          { return Value{sig: "s", str: v} }
func NewObjectPath(v ObjectPath) Value  { return Value{sig: "o", str: string(v)} }
func NewSignature(v Signature) Value    { return Value{sig: "g", str: string(v)} }

// NewUnixFD wraps fd as a unix_fd Value. The Value takes ownership of
// fd: closing or dropping the Value closes fd.
func NewUnixFD(fd *FD) Value { return Value{sig: "h", fd: fd} }

// NewArray constructs an array Value with the given element
// signature. Every element of elems must have exactly elemSig as its
// signature.
func NewArray(elemSig Signature, elems []Value) (Value, error) {
	for i, e := range elems {
		if e.sig != elemSig {
			return Value{}, fmt.Errorf("array element %d has signature %q, want %q", i, e.sig, elemSig)
		}
	}
	sig := Signature("a" + string(elemSig))
	if err := sig.Valid(); err != nil {
		return Value{}, err
	}
	return Value{sig: sig, elemSig: elemSig, elems: elems}, nil
}

// NewStruct constructs a struct Value from its ordered fields. A
// struct must have at least one field.
func NewStruct(fields []Value) (Value, error) {
	if len(fields) == 0 {
		return Value{}, fmt.Errorf("struct must have at least one field")
	}
	sig := "("
	for _, f := range fields {
		sig += string(f.sig)
	}
	sig += ")"
	if err := Signature(sig).Valid(); err != nil {
		return Value{}, err
	}
	return Value{sig: Signature(sig), elems: fields}, nil
}

// NewDictEntry constructs a dict_entry Value from a basic-typed key
// and an arbitrary value.
func NewDictEntry(key, val Value) (Value, error) {
	if !IsBasic(byte(key.sig[0])) {
		return Value{}, fmt.Errorf("dict_entry key has non-basic signature %q", key.sig)
	}
	sig := Signature("{" + string(key.sig) + string(val.sig) + "}")
	if err := sig.Valid(); err != nil {
		return Value{}, err
	}
	return Value{sig: sig, elems: []Value{key, val}}, nil
}

// NewVariant wraps inner as a variant Value.
func NewVariant(inner Value) Value {
	return Value{sig: "v", variant: &inner}
}

// Signature returns the value's complete type signature.
func (v Value) Signature() Signature { return v.sig }

// Kind returns the value's top-level type code.
func (v Value) Kind() Kind {
	if len(v.sig) == 0 {
		return 0
	}
	return Kind(v.sig[0])
}

// Alignment returns the wire alignment of the value's type.
func (v Value) Alignment() int { return Alignment(byte(v.Kind())) }

func (v *Value) unwrapVariant() *Value {
	if v.Kind() == KindVariant && v.variant != nil {
		return v.variant
	}
	return v
}

func castErr(v Value, want string) error {
	return &CastError{Want: want, Got: string(v.sig)}
}

// Byte returns the value as a byte, unwrapping one level of variant.
func (v Value) Byte() (byte, error) {
	u := v.unwrapVariant()
	if u.Kind() != KindByte {
		return 0, castErr(*u, "y")
	}
	return byte(u.u64), nil
}

// Bool returns the value as a bool, unwrapping one level of variant.
func (v Value) Bool() (bool, error) {
	u := v.unwrapVariant()
	if u.Kind() != KindBool {
		return false, castErr(*u, "b")
	}
	return u.u64 != 0, nil
}

// Int16 returns the value as an int16, unwrapping one level of variant.
func (v Value) Int16() (int16, error) {
	u := v.unwrapVariant()
	if u.Kind() != KindInt16 {
		return 0, castErr(*u, "n")
	}
	return int16(u.u64), nil
}

// Uint16 returns the value as a uint16, unwrapping one level of variant.
func (v Value) Uint16() (uint16, error) {
	u := v.unwrapVariant()
	if u.Kind() != KindUint16 {
		return 0, castErr(*u, "q")
	}
	return uint16(u.u64), nil
}

// Int32 returns the value as an int32, unwrapping one level of variant.
func (v Value) Int32() (int32, error) {
	u := v.unwrapVariant()
	if u.Kind() != KindInt32 {
		return 0, castErr(*u, "i")
	}
	return int32(u.u64), nil
}

// Uint32 returns the value as a uint32, unwrapping one level of variant.
func (v Value) Uint32() (uint32, error) {
	u := v.unwrapVariant()
	if u.Kind() != KindUint32 {
		return 0, castErr(*u, "u")
	}
	return uint32(u.u64), nil
}

// Int64 returns the value as an int64, unwrapping one level of variant.
func (v Value) Int64() (int64, error) {
	u := v.unwrapVariant()
	if u.Kind() != KindInt64 {
		return 0, castErr(*u, "x")
	}
	return int64(u.u64), nil
}

// Uint64 returns the value as a uint64, unwrapping one level of variant.
func (v Value) Uint64() (uint64, error) {
	u := v.unwrapVariant()
	if u.Kind() != KindUint64 {
		return 0, castErr(*u, "t")
	}
	return u.u64, nil
}

// Double returns the value as a float64, unwrapping one level of variant.
func (v Value) Double() (float64, error) {
	u := v.unwrapVariant()
	if u.Kind() != KindDouble {
		return 0, castErr(*u, "d")
	}
	return u.f64, nil
}

// Str returns the value as a string, accepting string, object_path
// and signature values, unwrapping one level of variant.
func (v Value) Str() (string, error) {
	u := v.unwrapVariant()
	switch u.Kind() {
	case KindString, KindObjectPath, KindSignature:
		return u.str, nil
	default:
		return "", castErr(*u, "s")
	}
}

// ObjectPath returns the value as an ObjectPath, unwrapping one level
// of variant.
func (v Value) ObjectPath() (ObjectPath, error) {
	u := v.unwrapVariant()
	if u.Kind() != KindObjectPath {
		return "", castErr(*u, "o")
	}
	return ObjectPath(u.str), nil
}

// SignatureValue returns the value as a Signature, unwrapping one
// level of variant.
func (v Value) SignatureValue() (Signature, error) {
	u := v.unwrapVariant()
	if u.Kind() != KindSignature {
		return "", castErr(*u, "g")
	}
	return Signature(u.str), nil
}

// UnixFD returns the value's file descriptor, unwrapping one level of
// variant. The caller takes ownership of the returned FD.
func (v Value) UnixFD() (*FD, error) {
	u := v.unwrapVariant()
	if u.Kind() != KindUnixFD {
		return nil, castErr(*u, "h")
	}
	return u.fd, nil
}

// Array returns the value's elements and their common element
// signature, unwrapping one level of variant.
func (v Value) Array() ([]Value, Signature, error) {
	u := v.unwrapVariant()
	if u.Kind() != KindArray {
		return nil, "", castErr(*u, "a")
	}
	return u.elems, u.elemSig, nil
}

// Struct returns the value's fields, unwrapping one level of variant.
func (v Value) Struct() ([]Value, error) {
	u := v.unwrapVariant()
	if u.Kind() != KindStruct {
		return nil, castErr(*u, "(")
	}
	return u.elems, nil
}

// DictEntry returns the value's key and value, unwrapping one level
// of variant.
func (v Value) DictEntry() (key, val Value, err error) {
	u := v.unwrapVariant()
	if u.Kind() != KindDictEntry {
		return Value{}, Value{}, castErr(*u, "{")
	}
	return u.elems[0], u.elems[1], nil
}

// Variant returns the value wrapped by a variant. It does not itself
// unwrap further: Variant is how callers observe variant boundaries.
func (v Value) Variant() (Value, error) {
	if v.Kind() != KindVariant {
		return Value{}, castErr(v, "v")
	}
	return *v.variant, nil
}

// CastError is returned when a downcast accessor is applied to a
// Value of a different runtime type.
type CastError struct {
	Want string
	Got  string
}

func (e *CastError) Error() string {
	return fmt.Sprintf("dbus: cannot access value of type %q as type %q", e.Got, e.Want)
}

// Writer is the marshalling sink for a sequence of Values: an
// encoder for the byte stream plus the side-band descriptor vector
// that unix_fd values are carried in.
type Writer struct {
	E   fragments.Encoder
	FDs []*FD
}

// Reader is the unmarshalling source for a sequence of Values: a
// decoder for the byte stream plus the side-band descriptor vector
// that unix_fd values resolve against.
type Reader struct {
	D   fragments.Decoder
	FDs []*FD
}

// Marshal appends v's wire representation to w.
func (v Value) Marshal(w *Writer) error {
	switch v.Kind() {
	case KindByte:
		w.E.Uint8(byte(v.u64))
	case KindBool:
		b := uint32(0)
		if v.u64 != 0 {
			b = 1
		}
		w.E.Uint32(b)
	case KindInt16, KindUint16:
		w.E.Uint16(uint16(v.u64))
	case KindInt32, KindUint32:
		w.E.Uint32(uint32(v.u64))
	case KindInt64, KindUint64:
		w.E.Uint64(v.u64)
	case KindDouble:
		w.E.Uint64(doubleToBits(v.f64))
	case KindString, KindObjectPath:
		w.E.String(v.str)
	case KindSignature:
		w.E.Pad(1)
		w.E.Uint8(byte(len(v.str)))
		w.E.Write([]byte(v.str))
		w.E.Write([]byte{0})
	case KindUnixFD:
		idx := uint32(len(w.FDs))
		w.FDs = append(w.FDs, v.fd)
		w.E.Uint32(idx)
	case KindArray:
		containsStructs := len(v.elemSig) > 0 && (v.elemSig[0] == TypeStructOpen || v.elemSig[0] == TypeDictOpen)
		return w.E.Array(containsStructs, func() error {
			for _, e := range v.elems {
				if err := e.Marshal(w); err != nil {
					return err
				}
			}
			return nil
		})
	case KindStruct, KindDictEntry:
		return w.E.Struct(func() error {
			for _, e := range v.elems {
				if err := e.Marshal(w); err != nil {
					return err
				}
			}
			return nil
		})
	case KindVariant:
		if err := NewSignature(v.variant.sig).Marshal(w); err != nil {
			return err
		}
		return v.variant.Marshal(w)
	default:
		return fmt.Errorf("dbus: cannot marshal value of unknown kind %q", v.Kind())
	}
	return nil
}

// Unmarshal reads a single complete type named by sig from r.
func Unmarshal(r *Reader, sig Signature) (Value, error) {
	if len(sig) == 0 {
		return Value{}, fmt.Errorf("dbus: cannot unmarshal empty signature")
	}
	code := sig[0]
	switch code {
	case TypeByte:
		b, err := r.D.Uint8()
		return NewByte(b), err
	case TypeBool:
		u, err := r.D.Uint32()
		return NewBool(u != 0), err
	case TypeInt16:
		u, err := r.D.Uint16()
		return NewInt16(int16(u)), err
	case TypeUint16:
		u, err := r.D.Uint16()
		return NewUint16(u), err
	case TypeInt32:
		u, err := r.D.Uint32()
		return NewInt32(int32(u)), err
	case TypeUint32:
		u, err := r.D.Uint32()
		return NewUint32(u), err
	case TypeInt64:
		u, err := r.D.Uint64()
		return NewInt64(int64(u)), err
	case TypeUint64:
		u, err := r.D.Uint64()
		return NewUint64(u), err
	case TypeDouble:
		u, err := r.D.Uint64()
		return NewDouble(bitsToDouble(u)), err
	case TypeString:
		s, err := r.D.String()
		return NewString(s), err
	case TypeObjectPath:
		s, err := r.D.String()
		return NewObjectPath(ObjectPath(s)), err
	case TypeSignature:
		if err := r.D.Pad(1); err != nil {
			return Value{}, err
		}
		n, err := r.D.Uint8()
		if err != nil {
			return Value{}, err
		}
		bs, err := r.D.Read(int(n) + 1)
		if err != nil {
			return Value{}, err
		}
		return NewSignature(Signature(bs[:n])), nil
	case TypeUnixFD:
		idx, err := r.D.Uint32()
		if err != nil {
			return Value{}, err
		}
		if int(idx) >= len(r.FDs) {
			return Value{}, fmt.Errorf("dbus: unix_fd index %d out of range (have %d descriptors)", idx, len(r.FDs))
		}
		dup, err := r.FDs[idx].Dup()
		if err != nil {
			return Value{}, fmt.Errorf("dbus: resolving unix_fd %d: %w", idx, err)
		}
		return NewUnixFD(dup), nil
	case TypeArray:
		elemEnd, err := NextCompleteType(string(sig), 0)
		if err != nil {
			return Value{}, err
		}
		elemSig := sig[1:elemEnd]
		containsStructs := elemSig[0] == TypeStructOpen || elemSig[0] == TypeDictOpen
		var elems []Value
		_, err = r.D.Array(containsStructs, func(int) error {
			e, err := Unmarshal(r, elemSig)
			if err != nil {
				return err
			}
			elems = append(elems, e)
			return nil
		})
		if err != nil {
			return Value{}, err
		}
		return Value{sig: sig, elemSig: elemSig, elems: elems}, nil
	case TypeStructOpen, TypeDictOpen:
		var fields []Value
		err := r.D.Struct(func() error {
			cursor := 1
			for cursor < len(sig)-1 {
				end, err := NextCompleteType(string(sig), cursor)
				if err != nil {
					return err
				}
				f, err := Unmarshal(r, sig[cursor:end])
				if err != nil {
					return err
				}
				fields = append(fields, f)
				cursor = end
			}
			return nil
		})
		if err != nil {
			return Value{}, err
		}
		return Value{sig: sig, elems: fields}, nil
	case TypeVariant:
		innerSigV, err := Unmarshal(r, "g")
		if err != nil {
			return Value{}, err
		}
		innerSig, _ := innerSigV.SignatureValue()
		if err := innerSig.Valid(); err != nil {
			return Value{}, fmt.Errorf("dbus: invalid variant inner signature %q: %w", innerSig, err)
		}
		inner, err := Unmarshal(r, innerSig)
		if err != nil {
			return Value{}, fmt.Errorf("dbus: reading variant value (signature %q): %w", innerSig, err)
		}
		return NewVariant(inner), nil
	default:
		return Value{}, fmt.Errorf("dbus: unknown type code %q in signature %q", code, sig)
	}
}
