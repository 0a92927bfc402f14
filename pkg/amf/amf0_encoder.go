package amf

import (
	"reflect"
	"time"

	"github.com/ajdelguidice/as3lib-miniAMF/pkg/bytestream"
)

// AMF0Encoder writes AMF0 values to a byte stream. Complex values share a
// single reference table through the Context; strings and scalars are
// never referenced.
type AMF0Encoder struct {
	s        *bytestream.Stream
	ctx      *Context
	registry *Registry

	// AMFPlus switches the encoder into AVM+ mode: every value is written
	// as an avmPlusMarker followed by its AMF3 encoding, with one AMF3
	// Context shared for the rest of the pass.
	AMFPlus bool

	amf3 *AMF3Encoder
}

// NewAMF0Encoder creates an encoder over s. A nil ctx gets a fresh Context.
func NewAMF0Encoder(s *bytestream.Stream, ctx *Context) *AMF0Encoder {
	if ctx == nil {
		ctx = NewContext()
	}
	return &AMF0Encoder{s: s, ctx: ctx, registry: DefaultRegistry}
}

// SetRegistry switches the class alias registry for this encoder.
func (e *AMF0Encoder) SetRegistry(r *Registry) { e.registry = r }

// Context returns the encoder's reference table.
func (e *AMF0Encoder) Context() *Context { return e.ctx }

// Stream returns the underlying byte stream.
func (e *AMF0Encoder) Stream() *bytestream.Stream { return e.s }

// WriteValue encodes one host value. Dispatch order: null, undefined,
// boolean, integer, float, byte string, text string, dense array,
// associative array, date, XML, aliased object, anonymous object,
// extension table.
func (e *AMF0Encoder) WriteValue(v any) error {
	if e.AMFPlus {
		e.s.WriteByte(avmPlusMarker)
		if e.amf3 == nil {
			e.amf3 = NewAMF3Encoder(e.s, NewContext())
			e.amf3.SetRegistry(e.registry)
		}
		return e.amf3.WriteValue(v)
	}

	switch v := v.(type) {
	case nil:
		e.s.WriteByte(nullMarker)
		return nil
	case undefinedType:
		e.s.WriteByte(undefinedMarker)
		return nil
	case bool:
		e.s.WriteByte(booleanMarker)
		if v {
			e.s.WriteByte(1)
		} else {
			e.s.WriteByte(0)
		}
		return nil
	case int:
		return e.writeNumber(float64(v))
	case int8:
		return e.writeNumber(float64(v))
	case int16:
		return e.writeNumber(float64(v))
	case int32:
		return e.writeNumber(float64(v))
	case int64:
		return e.writeNumber(float64(v))
	case uint:
		return e.writeNumber(float64(v))
	case uint8:
		return e.writeNumber(float64(v))
	case uint16:
		return e.writeNumber(float64(v))
	case uint32:
		return e.writeNumber(float64(v))
	case uint64:
		return e.writeNumber(float64(v))
	case float32:
		return e.writeNumber(float64(v))
	case float64:
		return e.writeNumber(v)
	case []byte:
		e.writeStringPayload(string(v))
		return nil
	case string:
		e.writeStringPayload(v)
		return nil
	case []any:
		return e.writeStrictArray(v)
	case ECMAArray:
		return e.writeECMAArray(map[string]any(v), v)
	case map[string]any:
		return e.writeECMAArray(v, v)
	case time.Time:
		return e.writeDate(v)
	case XMLDocument:
		return e.writeXML(v, []byte(v))
	case XML:
		return e.writeXML(v, []byte(v))
	case *Object:
		return e.writeObject(v)
	case reflect.Type:
		return encodeErrf("amf0.value", "cannot encode a class object (%s)", v)
	}
	return e.writeFallback(v)
}

// writeFallback handles XML collaborator values, registered structs, the
// extension table and anonymous structs, in that order.
func (e *AMF0Encoder) writeFallback(v any) error {
	if h := currentXMLHandler(); h.IsXML(v) {
		data, err := h.Marshal(v)
		if err != nil {
			return &EncodeError{Op: "amf0.xml", Err: err}
		}
		return e.writeXML(v, data)
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
	return encodeErrf("amf0.value", "unsupported AMF0 type: %T", v)
}

func (e *AMF0Encoder) writeNumber(v float64) error {
	e.s.WriteByte(numberMarker)
	e.s.WriteDouble(v)
	return nil
}

// writeStringPayload writes a String or, from 2^16 bytes up, a LongString.
func (e *AMF0Encoder) writeStringPayload(v string) {
	if len(v) < 0x10000 {
		e.s.WriteByte(stringMarker)
		e.s.WriteUint16(uint16(len(v)))
	} else {
		e.s.WriteByte(longStringMarker)
		e.s.WriteUint32(uint32(len(v)))
	}
	e.s.WriteString(v)
}

// writeName writes a u16-prefixed property or class name.
func (e *AMF0Encoder) writeName(v string) error {
	if len(v) > 0xFFFF {
		return encodeErrf("amf0.name", "name too long: %d bytes (max 65535)", len(v))
	}
	e.s.WriteUint16(uint16(len(v)))
	e.s.WriteString(v)
	return nil
}

// writeRef emits a Reference when v is already in the table; indices past
// the u16 range fall back to a fresh inline encoding. On miss the value is
// registered before its body so cycles terminate.
func (e *AMF0Encoder) writeRef(v any) (bool, error) {
	if idx, ok := e.ctx.objectRef(v); ok && idx <= 0xFFFF {
		e.s.WriteByte(referenceMarker)
		e.s.WriteUint16(uint16(idx))
		return true, nil
	}
	e.ctx.addObject(v)
	return false, nil
}

func (e *AMF0Encoder) writeDate(v time.Time) error {
	e.s.WriteByte(dateMarker)
	e.s.WriteDouble(float64(v.UnixMilli()))
	// Timezone offset in minutes; legacy players expect zero (UTC).
	e.s.WriteInt16(0)
	return nil
}

func (e *AMF0Encoder) writeXML(v any, data []byte) error {
	e.s.WriteByte(xmlDocumentMarker)
	e.s.WriteUint32(uint32(len(data)))
	e.s.WriteBytes(data)
	return nil
}

func (e *AMF0Encoder) writeStrictArray(v []any) error {
	hit, err := e.writeRef(v)
	if hit || err != nil {
		return err
	}
	e.s.WriteByte(strictArrayMarker)
	e.s.WriteUint32(uint32(len(v)))
	for _, item := range v {
		if err := e.WriteValue(item); err != nil {
			return err
		}
	}
	return nil
}

// writeECMAArray encodes a string-keyed map with a u32 length hint and the
// object-end sentinel. Keys are sorted for deterministic output.
func (e *AMF0Encoder) writeECMAArray(v map[string]any, identity any) error {
	hit, err := e.writeRef(identity)
	if hit || err != nil {
		return err
	}
	e.s.WriteByte(ecmaArrayMarker)
	e.s.WriteUint32(uint32(len(v)))
	for _, k := range sortedKeys(v) {
		if err := e.writePair(k, v[k]); err != nil {
			return err
		}
	}
	e.writeEndSentinel()
	return nil
}

func (e *AMF0Encoder) writePair(name string, v any) error {
	if err := e.writeName(name); err != nil {
		return err
	}
	return e.WriteValue(v)
}

func (e *AMF0Encoder) writeEndSentinel() {
	e.s.WriteUint16(0)
	e.s.WriteByte(objectEndMarker)
}

// writeObject encodes a *Object as an anonymous Object or, with an alias,
// a TypedObject. Members are written in insertion order.
func (e *AMF0Encoder) writeObject(o *Object) error {
	hit, err := e.writeRef(o)
	if hit || err != nil {
		return err
	}
	if o.Alias == "" {
		e.s.WriteByte(objectMarker)
	} else {
		e.s.WriteByte(typedObjectMarker)
		if err := e.writeName(o.Alias); err != nil {
			return err
		}
	}
	for _, k := range o.Keys() {
		v, _ := o.Get(k)
		if err := e.writePair(k, v); err != nil {
			return err
		}
	}
	e.writeEndSentinel()
	return nil
}

// writeTypedStruct encodes a struct instance through its class alias:
// a TypedObject when the alias has a wire name, an anonymous Object
// otherwise. Members follow the alias's declared order.
func (e *AMF0Encoder) writeTypedStruct(v any, alias *ClassAlias) error {
	if err := alias.resolve(); err != nil {
		return &EncodeError{Op: "amf0.object", Err: err}
	}
	hit, err := e.writeRef(v)
	if hit || err != nil {
		return err
	}
	if alias.Alias == "" {
		e.s.WriteByte(objectMarker)
	} else {
		e.s.WriteByte(typedObjectMarker)
		if err := e.writeName(alias.Alias); err != nil {
			return err
		}
	}
	values, err := alias.staticValues(v)
	if err != nil {
		return &EncodeError{Op: "amf0.object", Err: err}
	}
	for i, name := range alias.Static {
		if err := e.writePair(name, values[i]); err != nil {
			return err
		}
	}
	e.writeEndSentinel()
	return nil
}

// EncodeAMF0Sequence encodes a sequence of values with one shared Context.
func EncodeAMF0Sequence(values ...any) ([]byte, error) {
	s := bytestream.New()
	e := NewAMF0Encoder(s, nil)
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
