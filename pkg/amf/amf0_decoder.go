package amf

import (
	"io"
	"time"

	"github.com/ajdelguidice/as3lib-miniAMF/pkg/bytestream"
)

// AMF0Decoder reads AMF0 values from a byte stream. An avmPlusMarker
// makes the single value after it decode under AMF3 rules; the value after
// that is read as AMF0 again unless it carries its own avmPlusMarker. The
// AMF3 Context is carried forward across values.
type AMF0Decoder struct {
	s        *bytestream.Stream
	ctx      *Context
	registry *Registry

	// AnonymousFallback decodes unregistered class aliases into *Object
	// values carrying the alias instead of failing with UnknownAliasError.
	AnonymousFallback bool

	amf3 *AMF3Decoder
}

// NewAMF0Decoder creates a decoder over s. A nil ctx gets a fresh Context.
func NewAMF0Decoder(s *bytestream.Stream, ctx *Context) *AMF0Decoder {
	if ctx == nil {
		ctx = NewContext()
	}
	return &AMF0Decoder{s: s, ctx: ctx, registry: DefaultRegistry}
}

// SetRegistry switches the class alias registry for this decoder.
func (d *AMF0Decoder) SetRegistry(r *Registry) { d.registry = r }

// Context returns the decoder's reference table.
func (d *AMF0Decoder) Context() *Context { return d.ctx }

// Stream returns the underlying byte stream.
func (d *AMF0Decoder) Stream() *bytestream.Stream { return d.s }

// ReadValue decodes one value with the same boundary contract as the AMF3
// decoder: stream exhaustion seeks back to the value start and returns
// ErrEndOfStream; post-decode processors run on the outermost value.
func (d *AMF0Decoder) ReadValue() (any, error) {
	start := d.s.Tell()
	v, err := d.readValue()
	if err != nil {
		if isEndOfStream(err) {
			d.s.Seek(start, io.SeekStart)
			return nil, ErrEndOfStream
		}
		return nil, err
	}
	return runPostDecode(v, d.ctx), nil
}

func (d *AMF0Decoder) readValue() (any, error) {
	marker, err := d.s.ReadByte()
	if err != nil {
		return nil, err
	}
	switch marker {
	case numberMarker:
		return d.s.ReadDouble()
	case booleanMarker:
		b, err := d.s.ReadByte()
		if err != nil {
			return nil, err
		}
		return b != 0, nil
	case stringMarker:
		return d.readString()
	case objectMarker:
		return d.readAnonymousObject()
	case nullMarker:
		return nil, nil
	case undefinedMarker:
		return Undefined, nil
	case referenceMarker:
		return d.readReference()
	case ecmaArrayMarker:
		return d.readECMAArray()
	case strictArrayMarker:
		return d.readStrictArray()
	case dateMarker:
		return d.readDate()
	case longStringMarker:
		return d.readLongString()
	case xmlDocumentMarker:
		return d.readXML()
	case typedObjectMarker:
		return d.readTypedObject()
	case avmPlusMarker:
		return d.readAMF3()
	case objectEndMarker:
		return nil, decodeErrf("amf0.marker", "unexpected object-end marker outside an object body")
	case movieClipMarker, unsupportedMarker, recordSetMarker:
		return nil, decodeErrf("amf0.marker", "reserved AMF0 marker: 0x%02x", marker)
	default:
		return nil, decodeErrf("amf0.marker", "unsupported AMF0 marker: 0x%02x", marker)
	}
}

// readAMF3 switches to AMF3 rules, keeping one AMF3 decoder (and its
// Context) alive for the rest of the payload.
func (d *AMF0Decoder) readAMF3() (any, error) {
	if d.amf3 == nil {
		d.amf3 = NewAMF3Decoder(d.s, NewContext())
		d.amf3.SetRegistry(d.registry)
		d.amf3.AnonymousFallback = d.AnonymousFallback
	}
	return d.amf3.readValue()
}

func (d *AMF0Decoder) readString() (string, error) {
	n, err := d.s.ReadUint16()
	if err != nil {
		return "", err
	}
	s, err := d.s.ReadUTF8(int(n))
	if err != nil && !isEndOfStream(err) {
		return "", decodeErr("amf0.string", err)
	}
	return s, err
}

func (d *AMF0Decoder) readLongString() (string, error) {
	n, err := d.s.ReadUint32()
	if err != nil {
		return "", err
	}
	s, err := d.s.ReadUTF8(int(n))
	if err != nil && !isEndOfStream(err) {
		return "", decodeErr("amf0.longstring", err)
	}
	return s, err
}

// readName reads a u16-prefixed property name.
func (d *AMF0Decoder) readName() (string, error) {
	return d.readString()
}

func (d *AMF0Decoder) readReference() (any, error) {
	idx, err := d.s.ReadUint16()
	if err != nil {
		return nil, err
	}
	v, ok := d.ctx.objectAt(int(idx))
	if !ok {
		return nil, decodeErrf("amf0.reference", "reference index %d out of range", idx)
	}
	return v, nil
}

func (d *AMF0Decoder) readDate() (any, error) {
	ms, err := d.s.ReadDouble()
	if err != nil {
		return nil, err
	}
	// Timezone offset in minutes; historical and ignored, dates are UTC.
	if _, err := d.s.ReadInt16(); err != nil {
		return nil, err
	}
	return time.UnixMilli(int64(ms)).UTC(), nil
}

func (d *AMF0Decoder) readXML() (any, error) {
	n, err := d.s.ReadUint32()
	if err != nil {
		return nil, err
	}
	raw, err := d.s.ReadBytes(int(n))
	if err != nil {
		return nil, err
	}
	parsed, err := currentXMLHandler().Unmarshal(raw, true, true)
	if err != nil {
		return nil, decodeErr("amf0.xml", err)
	}
	if s, ok := parsed.(string); ok {
		return XMLDocument(s), nil
	}
	return parsed, nil
}

// readPairs consumes (name, value) pairs until the object-end sentinel.
func (d *AMF0Decoder) readPairs(store func(name string, v any) error) error {
	for {
		name, err := d.readName()
		if err != nil {
			return err
		}
		if name == "" {
			end, err := d.s.ReadByte()
			if err != nil {
				return err
			}
			if end != objectEndMarker {
				return decodeErrf("amf0.object", "expected object-end marker, got 0x%02x", end)
			}
			return nil
		}
		v, err := d.readValue()
		if err != nil {
			return err
		}
		if err := store(name, v); err != nil {
			return err
		}
	}
}

func (d *AMF0Decoder) readAnonymousObject() (any, error) {
	obj := NewObject()
	d.ctx.addObject(obj)
	err := d.readPairs(func(name string, v any) error {
		obj.Set(name, v)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return obj, nil
}

func (d *AMF0Decoder) readECMAArray() (any, error) {
	// The u32 length is advisory; decoders tolerate mismatches.
	if _, err := d.s.ReadUint32(); err != nil {
		return nil, err
	}
	arr := make(ECMAArray)
	d.ctx.addObject(arr)
	err := d.readPairs(func(name string, v any) error {
		arr[name] = v
		return nil
	})
	if err != nil {
		return nil, err
	}
	return arr, nil
}

func (d *AMF0Decoder) readStrictArray() (any, error) {
	count, err := d.s.ReadUint32()
	if err != nil {
		return nil, err
	}
	arr := make([]any, count)
	d.ctx.addObject(arr)
	for i := range arr {
		v, err := d.readValue()
		if err != nil {
			return nil, err
		}
		arr[i] = v
	}
	return arr, nil
}

func (d *AMF0Decoder) readTypedObject() (any, error) {
	aliasName, err := d.readName()
	if err != nil {
		return nil, err
	}

	alias, known := d.registry.ResolveByName(aliasName)
	if known && alias.Type != nil {
		inst, err := alias.newInstance()
		if err != nil {
			return nil, decodeErr("amf0.object", err)
		}
		var result any = inst
		if alias.Proxy {
			result = &ObjectProxy{Wrapped: inst}
		}
		d.ctx.addObject(result)
		err = d.readPairs(func(name string, v any) error {
			if err := alias.setAttr(inst, name, v); err != nil {
				return decodeErr("amf0.object", err)
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
		return result, nil
	}

	if !known && !d.AnonymousFallback {
		return nil, &UnknownAliasError{Alias: aliasName}
	}
	obj := NewTypedObject(aliasName)
	d.ctx.addObject(obj)
	err = d.readPairs(func(name string, v any) error {
		obj.Set(name, v)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return obj, nil
}

// DecodeAMF0Sequence decodes a concatenation of AMF0 values sharing one
// Context. A trailing partial value is a DecodeError.
func DecodeAMF0Sequence(data []byte) ([]any, error) {
	s := bytestream.NewBuffer(data)
	d := NewAMF0Decoder(s, nil)
	var values []any
	for {
		v, err := d.ReadValue()
		if err != nil {
			if isEndOfStream(err) {
				if s.Remaining() > 0 {
					return nil, decodeErrf("amf0.sequence", "truncated value at offset %d", s.Tell())
				}
				return values, nil
			}
			return nil, err
		}
		values = append(values, v)
	}
}
