package amf

import (
	"fmt"
	"reflect"
	"sort"
	"time"

	"github.com/ajdelguidice/as3lib-miniAMF/pkg/bytestream"
)

// AMF3Encoder writes AMF3 values to a byte stream, interning strings,
// complex objects and traits through its Context.
type AMF3Encoder struct {
	s        *bytestream.Stream
	ctx      *Context
	registry *Registry
}

// NewAMF3Encoder creates an encoder over s. A nil ctx gets a fresh Context;
// passing an existing one shares its reference tables across calls.
func NewAMF3Encoder(s *bytestream.Stream, ctx *Context) *AMF3Encoder {
	if ctx == nil {
		ctx = NewContext()
	}
	return &AMF3Encoder{s: s, ctx: ctx, registry: DefaultRegistry}
}

// SetRegistry switches the class alias registry for this encoder.
func (e *AMF3Encoder) SetRegistry(r *Registry) { e.registry = r }

// Context returns the encoder's reference tables.
func (e *AMF3Encoder) Context() *Context { return e.ctx }

// Stream returns the underlying byte stream, for externalizable bodies.
func (e *AMF3Encoder) Stream() *bytestream.Stream { return e.s }

// WriteU29 writes a variable-length 29-bit unsigned integer.
func (e *AMF3Encoder) WriteU29(value uint32) error {
	return e.writeU29(value)
}

func (e *AMF3Encoder) writeU29(value uint32) error {
	switch {
	case value < 0x80:
		e.s.WriteByte(byte(value))
	case value < 0x4000:
		e.s.WriteByte(byte(value>>7) | 0x80)
		e.s.WriteByte(byte(value & 0x7F))
	case value < 0x200000:
		e.s.WriteByte(byte(value>>14) | 0x80)
		e.s.WriteByte(byte(value>>7) | 0x80)
		e.s.WriteByte(byte(value & 0x7F))
	case value <= maxU29:
		e.s.WriteByte(byte(value>>22) | 0x80)
		e.s.WriteByte(byte(value>>15) | 0x80)
		e.s.WriteByte(byte(value>>8) | 0x80)
		e.s.WriteByte(byte(value))
	default:
		return encodeErrf("amf3.u29", "value %d out of U29 range", value)
	}
	return nil
}

// WriteValue encodes one host value. Dispatch order: boolean, undefined,
// null, integer (Double beyond the signed 29-bit range), float, byte
// string, text string, dense array, associative array, dictionary, date,
// XML, vector, object, extension table.
func (e *AMF3Encoder) WriteValue(v any) error {
	switch v := v.(type) {
	case bool:
		if v {
			e.s.WriteByte(amf3TrueMarker)
		} else {
			e.s.WriteByte(amf3FalseMarker)
		}
		return nil
	case undefinedType:
		e.s.WriteByte(amf3UndefinedMarker)
		return nil
	case nil:
		e.s.WriteByte(amf3NullMarker)
		return nil
	case int:
		return e.writeInteger(int64(v))
	case int8:
		return e.writeInteger(int64(v))
	case int16:
		return e.writeInteger(int64(v))
	case int32:
		return e.writeInteger(int64(v))
	case int64:
		return e.writeInteger(v)
	case uint:
		return e.writeUnsigned(uint64(v))
	case uint8:
		return e.writeInteger(int64(v))
	case uint16:
		return e.writeInteger(int64(v))
	case uint32:
		return e.writeUnsigned(uint64(v))
	case uint64:
		return e.writeUnsigned(v)
	case float32:
		return e.writeDouble(float64(v))
	case float64:
		return e.writeDouble(v)
	case []byte:
		return e.writeByteArray(v)
	case string:
		e.s.WriteByte(amf3StringMarker)
		return e.writeStringValue(v)
	case []any:
		return e.writeDenseArray(v)
	case ECMAArray:
		return e.writeAssocArray(map[string]any(v), v)
	case map[string]any:
		return e.writeAssocArray(v, v)
	case map[any]any:
		return e.writeAnyMap(v)
	case *Dictionary:
		return e.writeDictionary(v)
	case time.Time:
		return e.writeDate(v)
	case XMLDocument:
		return e.writeXMLPayload(amf3XMLDocMarker, v, []byte(v))
	case XML:
		return e.writeXMLPayload(amf3XMLMarker, v, []byte(v))
	case *VectorInt:
		return e.writeVectorInt(v)
	case *VectorUint:
		return e.writeVectorUint(v)
	case *VectorDouble:
		return e.writeVectorDouble(v)
	case *VectorObject:
		return e.writeVectorObject(v)
	case *Object:
		return e.writeObject(v)
	case reflect.Type:
		return encodeErrf("amf3.value", "cannot encode a class object (%s)", v)
	}
	return e.writeFallback(v)
}

// writeFallback handles XML collaborator values, registered structs, the
// extension table and anonymous structs, in that order.
func (e *AMF3Encoder) writeFallback(v any) error {
	if h := currentXMLHandler(); h.IsXML(v) {
		data, err := h.Marshal(v)
		if err != nil {
			return &EncodeError{Op: "amf3.xml", Err: err}
		}
		return e.writeXMLPayload(amf3XMLMarker, v, data)
	}

	t := reflect.TypeOf(v)
	elem := t
	if elem.Kind() == reflect.Pointer {
		elem = elem.Elem()
	}
	if elem.Kind() == reflect.Struct {
		if alias, ok := e.registry.LookupType(elem); ok {
			return e.writeTypedStruct(v, alias)
		}
	}

	if fn, ok := lookupTypeEncoder(v); ok {
		replacement, written, err := fn(v, e)
		if err != nil {
			return err
		}
		if written {
			return nil
		}
		return e.WriteValue(replacement)
	}

	if elem.Kind() == reflect.Struct {
		return e.writeTypedStruct(v, e.registry.ResolveByType(elem))
	}
	return encodeErrf("amf3.value", "unsupported AMF3 type: %T", v)
}

func (e *AMF3Encoder) writeInteger(v int64) error {
	if v < minInt29 || v > maxInt29 {
		return e.writeDouble(float64(v))
	}
	e.s.WriteByte(amf3IntegerMarker)
	return e.writeU29(uint32(v) & maxU29)
}

func (e *AMF3Encoder) writeUnsigned(v uint64) error {
	if v > maxInt29 {
		return e.writeDouble(float64(v))
	}
	return e.writeInteger(int64(v))
}

func (e *AMF3Encoder) writeDouble(v float64) error {
	e.s.WriteByte(amf3DoubleMarker)
	e.s.WriteDouble(v)
	return nil
}

// writeStringValue writes a string payload with its reference header. The
// empty string is the literal 0x01 and never takes a table slot.
func (e *AMF3Encoder) writeStringValue(v string) error {
	if v == "" {
		return e.writeU29(1)
	}
	if idx, ok := e.ctx.stringRef(v); ok {
		return e.writeU29(uint32(idx) << 1)
	}
	e.ctx.addString(v)
	if err := e.writeU29(uint32(len(v))<<1 | 1); err != nil {
		return err
	}
	e.s.WriteString(v)
	return nil
}

// WriteUTF8 writes a string with the shared string-table header, for
// externalizable bodies.
func (e *AMF3Encoder) WriteUTF8(v string) error { return e.writeStringValue(v) }

// writeRef emits a reference header when v is already in the object table.
// On miss the value is registered FIRST, before any inline bytes, so
// self-referential structures terminate.
func (e *AMF3Encoder) writeRef(marker byte, v any) (bool, error) {
	if idx, ok := e.ctx.objectRef(v); ok {
		e.s.WriteByte(marker)
		return true, e.writeU29(uint32(idx) << 1)
	}
	if e.ctx.objectCount() > maxRefIdx {
		return false, encodeErrf("amf3.reference", "object table exceeds %d entries", maxRefIdx)
	}
	e.ctx.addObject(v)
	e.s.WriteByte(marker)
	return false, nil
}

func (e *AMF3Encoder) writeDate(v time.Time) error {
	hit, err := e.writeRef(amf3DateMarker, v)
	if hit || err != nil {
		return err
	}
	if err := e.writeU29(1); err != nil {
		return err
	}
	e.s.WriteDouble(float64(v.UnixMilli()))
	return nil
}

func (e *AMF3Encoder) writeByteArray(v []byte) error {
	hit, err := e.writeRef(amf3ByteArrayMarker, v)
	if hit || err != nil {
		return err
	}
	if err := e.writeU29(uint32(len(v))<<1 | 1); err != nil {
		return err
	}
	e.s.WriteBytes(v)
	return nil
}

func (e *AMF3Encoder) writeXMLPayload(marker byte, v any, data []byte) error {
	hit, err := e.writeRef(marker, v)
	if hit || err != nil {
		return err
	}
	if err := e.writeU29(uint32(len(data))<<1 | 1); err != nil {
		return err
	}
	e.s.WriteBytes(data)
	return nil
}

func (e *AMF3Encoder) writeDenseArray(v []any) error {
	hit, err := e.writeRef(amf3ArrayMarker, v)
	if hit || err != nil {
		return err
	}
	if err := e.writeU29(uint32(len(v))<<1 | 1); err != nil {
		return err
	}
	// No associative portion.
	if err := e.writeStringValue(""); err != nil {
		return err
	}
	for _, item := range v {
		if err := e.WriteValue(item); err != nil {
			return err
		}
	}
	return nil
}

// writeAssocArray encodes a string-keyed map as an Array with only an
// associative portion. Go maps carry no insertion order, so keys are sorted
// to keep the output deterministic.
func (e *AMF3Encoder) writeAssocArray(v map[string]any, identity any) error {
	hit, err := e.writeRef(amf3ArrayMarker, identity)
	if hit || err != nil {
		return err
	}
	if err := e.writeU29(1); err != nil { // dense length 0, inline
		return err
	}
	for _, k := range sortedKeys(v) {
		if k == "" {
			return encodeErrf("amf3.array", "empty string is not a valid associative key")
		}
		if err := e.writeStringValue(k); err != nil {
			return err
		}
		if err := e.WriteValue(v[k]); err != nil {
			return err
		}
	}
	return e.writeStringValue("")
}

// writeAnyMap encodes a map with non-string keys as a Dictionary. Entries
// are ordered by formatted key for determinism.
func (e *AMF3Encoder) writeAnyMap(v map[any]any) error {
	hit, err := e.writeRef(amf3DictionaryMarker, v)
	if hit || err != nil {
		return err
	}
	if err := e.writeU29(uint32(len(v))<<1 | 1); err != nil {
		return err
	}
	e.s.WriteByte(0) // weak keys advisory

	type entry struct {
		order string
		key   any
	}
	entries := make([]entry, 0, len(v))
	for k := range v {
		entries = append(entries, entry{order: fmt.Sprint(k), key: k})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].order < entries[j].order })
	for _, en := range entries {
		if err := e.WriteValue(en.key); err != nil {
			return err
		}
		if err := e.WriteValue(v[en.key]); err != nil {
			return err
		}
	}
	return nil
}

func (e *AMF3Encoder) writeDictionary(v *Dictionary) error {
	hit, err := e.writeRef(amf3DictionaryMarker, v)
	if hit || err != nil {
		return err
	}
	if err := e.writeU29(uint32(len(v.Entries))<<1 | 1); err != nil {
		return err
	}
	if v.WeakKeys {
		e.s.WriteByte(1)
	} else {
		e.s.WriteByte(0)
	}
	for _, en := range v.Entries {
		if err := e.WriteValue(en.Key); err != nil {
			return err
		}
		if err := e.WriteValue(en.Value); err != nil {
			return err
		}
	}
	return nil
}

func (e *AMF3Encoder) writeVectorInt(v *VectorInt) error {
	hit, err := e.writeRef(amf3VectorIntMarker, v)
	if hit || err != nil {
		return err
	}
	if err := e.writeVectorHeader(len(v.Data), v.Fixed); err != nil {
		return err
	}
	for _, n := range v.Data {
		e.s.WriteUint32(uint32(n))
	}
	return nil
}

func (e *AMF3Encoder) writeVectorUint(v *VectorUint) error {
	hit, err := e.writeRef(amf3VectorUintMarker, v)
	if hit || err != nil {
		return err
	}
	if err := e.writeVectorHeader(len(v.Data), v.Fixed); err != nil {
		return err
	}
	for _, n := range v.Data {
		e.s.WriteUint32(n)
	}
	return nil
}

func (e *AMF3Encoder) writeVectorDouble(v *VectorDouble) error {
	hit, err := e.writeRef(amf3VectorDoubleMarker, v)
	if hit || err != nil {
		return err
	}
	if err := e.writeVectorHeader(len(v.Data), v.Fixed); err != nil {
		return err
	}
	for _, n := range v.Data {
		e.s.WriteDouble(n)
	}
	return nil
}

func (e *AMF3Encoder) writeVectorObject(v *VectorObject) error {
	hit, err := e.writeRef(amf3VectorObjectMarker, v)
	if hit || err != nil {
		return err
	}
	if err := e.writeVectorHeader(len(v.Data), v.Fixed); err != nil {
		return err
	}
	if err := e.writeStringValue(v.TypeName); err != nil {
		return err
	}
	for _, item := range v.Data {
		if err := e.WriteValue(item); err != nil {
			return err
		}
	}
	return nil
}

func (e *AMF3Encoder) writeVectorHeader(count int, fixed bool) error {
	if err := e.writeU29(uint32(count)<<1 | 1); err != nil {
		return err
	}
	if fixed {
		e.s.WriteByte(1)
	} else {
		e.s.WriteByte(0)
	}
	return nil
}

// writeObject encodes a dynamic *Object. A non-empty alias registered in
// the registry shapes the trait (static members, flags); otherwise every
// member is dynamic.
func (e *AMF3Encoder) writeObject(o *Object) error {
	hit, err := e.writeRef(amf3ObjectMarker, o)
	if hit || err != nil {
		return err
	}

	var trait *Trait
	if o.Alias != "" {
		if a, ok := e.registry.ResolveByName(o.Alias); ok {
			if err := a.resolve(); err != nil {
				return &EncodeError{Op: "amf3.object", Err: err}
			}
			trait = a.trait()
		}
	}
	if trait == nil {
		trait = &Trait{Alias: o.Alias, Dynamic: true}
	}

	external, err := e.writeTrait(trait)
	if err != nil {
		return err
	}
	if external {
		return encodeErrf("amf3.object", "alias %q is externalizable but amf.Object cannot serialize itself", trait.Alias)
	}

	static := make(map[string]bool, len(trait.Static))
	for _, name := range trait.Static {
		static[name] = true
		v, _ := o.Get(name)
		if err := e.WriteValue(v); err != nil {
			return err
		}
	}

	if trait.Dynamic {
		for _, k := range o.Keys() {
			if static[k] || k == "" {
				continue
			}
			if err := e.writeStringValue(k); err != nil {
				return err
			}
			v, _ := o.Get(k)
			if err := e.WriteValue(v); err != nil {
				return err
			}
		}
		return e.writeStringValue("")
	}
	return nil
}

// writeTypedStruct encodes a struct instance through its class alias.
func (e *AMF3Encoder) writeTypedStruct(v any, alias *ClassAlias) error {
	if err := alias.resolve(); err != nil {
		return &EncodeError{Op: "amf3.object", Err: err}
	}
	hit, err := e.writeRef(amf3ObjectMarker, v)
	if hit || err != nil {
		return err
	}

	trait := alias.trait()
	external, err := e.writeTrait(trait)
	if err != nil {
		return err
	}
	if external {
		ext, ok := v.(Externalizable)
		if !ok {
			return encodeErrf("amf3.object", "alias %q is externalizable but %T does not implement Externalizable", alias.Alias, v)
		}
		return ext.WriteExternal(e)
	}

	values, err := alias.staticValues(v)
	if err != nil {
		return &EncodeError{Op: "amf3.object", Err: err}
	}
	for _, sv := range values {
		if err := e.WriteValue(sv); err != nil {
			return err
		}
	}
	if trait.Dynamic {
		// Struct instances carry no members beyond their fields.
		return e.writeStringValue("")
	}
	return nil
}

// writeTrait writes the trait-or-reference header and returns whether the
// body is externalizable (and therefore written by the value itself).
func (e *AMF3Encoder) writeTrait(t *Trait) (bool, error) {
	if idx, ok := e.ctx.traitRef(t); ok {
		if err := e.writeU29(uint32(idx)<<2 | 1); err != nil {
			return false, err
		}
		return t.External, nil
	}
	e.ctx.addTrait(t)

	if t.External {
		if err := e.writeU29(0x07); err != nil {
			return false, err
		}
		return true, e.writeStringValue(t.Alias)
	}

	header := uint32(len(t.Static))<<4 | 0x03
	if t.Dynamic {
		header |= 0x08
	}
	if err := e.writeU29(header); err != nil {
		return false, err
	}
	if err := e.writeStringValue(t.Alias); err != nil {
		return false, err
	}
	for _, name := range t.Static {
		if err := e.writeStringValue(name); err != nil {
			return false, err
		}
	}
	return false, nil
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// EncodeAMF3Sequence encodes a sequence of values with one shared Context.
func EncodeAMF3Sequence(values ...any) ([]byte, error) {
	s := bytestream.New()
	e := NewAMF3Encoder(s, nil)
	for _, v := range values {
		if err := e.WriteValue(v); err != nil {
			return nil, err
		}
	}
	out := make([]byte, s.Len())
	copy(out, s.Bytes())
	s.Release()
	return out, nil
}
