package amf

import (
	"io"
	"strconv"
	"time"

	"github.com/ajdelguidice/as3lib-miniAMF/pkg/bytestream"
)

// AMF3Decoder reads AMF3 values from a byte stream, resolving string,
// object and trait references through its Context.
type AMF3Decoder struct {
	s        *bytestream.Stream
	ctx      *Context
	registry *Registry

	// AnonymousFallback decodes unregistered class aliases into *Object
	// values carrying the alias instead of failing with UnknownAliasError.
	AnonymousFallback bool
}

// NewAMF3Decoder creates a decoder over s. A nil ctx gets a fresh Context.
func NewAMF3Decoder(s *bytestream.Stream, ctx *Context) *AMF3Decoder {
	if ctx == nil {
		ctx = NewContext()
	}
	return &AMF3Decoder{s: s, ctx: ctx, registry: DefaultRegistry}
}

// SetRegistry switches the class alias registry for this decoder.
func (d *AMF3Decoder) SetRegistry(r *Registry) { d.registry = r }

// Context returns the decoder's reference tables.
func (d *AMF3Decoder) Context() *Context { return d.ctx }

// Stream returns the underlying byte stream, for externalizable bodies.
func (d *AMF3Decoder) Stream() *bytestream.Stream { return d.s }

// ReadValue decodes one value. At a clean value boundary an exhausted
// stream returns ErrEndOfStream; when the stream runs out mid-value the
// cursor seeks back to the value start and ErrEndOfStream is returned so a
// caller feeding a growing buffer can retry once more bytes arrive. The
// post-decode processors run on the returned (outermost) value.
func (d *AMF3Decoder) ReadValue() (any, error) {
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

// readValue decodes one value with no boundary recovery.
func (d *AMF3Decoder) readValue() (any, error) {
	marker, err := d.s.ReadByte()
	if err != nil {
		return nil, err
	}
	switch marker {
	case amf3UndefinedMarker:
		return Undefined, nil
	case amf3NullMarker:
		return nil, nil
	case amf3FalseMarker:
		return false, nil
	case amf3TrueMarker:
		return true, nil
	case amf3IntegerMarker:
		return d.readInteger()
	case amf3DoubleMarker:
		return d.s.ReadDouble()
	case amf3StringMarker:
		return d.readStringValue()
	case amf3XMLDocMarker:
		return d.readXML(amf3XMLDocMarker)
	case amf3DateMarker:
		return d.readDate()
	case amf3ArrayMarker:
		return d.readArray()
	case amf3ObjectMarker:
		return d.readObject()
	case amf3XMLMarker:
		return d.readXML(amf3XMLMarker)
	case amf3ByteArrayMarker:
		return d.readByteArray()
	case amf3VectorIntMarker:
		return d.readVectorInt()
	case amf3VectorUintMarker:
		return d.readVectorUint()
	case amf3VectorDoubleMarker:
		return d.readVectorDouble()
	case amf3VectorObjectMarker:
		return d.readVectorObject()
	case amf3DictionaryMarker:
		return d.readDictionary()
	default:
		return nil, decodeErrf("amf3.marker", "unsupported AMF3 marker: 0x%02x", marker)
	}
}

// ReadU29 reads a variable-length 29-bit unsigned integer.
func (d *AMF3Decoder) ReadU29() (uint32, error) {
	return d.readU29()
}

func (d *AMF3Decoder) readU29() (uint32, error) {
	var result uint32
	for i := 0; i < 3; i++ {
		b, err := d.s.ReadByte()
		if err != nil {
			return 0, err
		}
		if b < 0x80 {
			return result<<7 | uint32(b), nil
		}
		result = result<<7 | uint32(b&0x7F)
	}
	b, err := d.s.ReadByte()
	if err != nil {
		return 0, err
	}
	return result<<8 | uint32(b), nil
}

// readInteger sign-extends the 29-bit payload.
func (d *AMF3Decoder) readInteger() (int, error) {
	v, err := d.readU29()
	if err != nil {
		return 0, err
	}
	if v&0x10000000 != 0 {
		return int(int32(v | 0xE0000000)), nil
	}
	return int(v), nil
}

// ReadUTF8 reads a string through the shared string table, for
// externalizable bodies.
func (d *AMF3Decoder) ReadUTF8() (string, error) { return d.readStringValue() }

func (d *AMF3Decoder) readStringValue() (string, error) {
	u29, err := d.readU29()
	if err != nil {
		return "", err
	}
	if u29&1 == 0 {
		idx := int(u29 >> 1)
		s, ok := d.ctx.stringAt(idx)
		if !ok {
			return "", decodeErrf("amf3.string", "string reference %d out of range", idx)
		}
		return s, nil
	}
	length := int(u29 >> 1)
	if length == 0 {
		return "", nil
	}
	s, err := d.s.ReadUTF8(length)
	if err != nil {
		if isEndOfStream(err) {
			return "", err
		}
		return "", decodeErr("amf3.string", err)
	}
	d.ctx.addString(s)
	return s, nil
}

// refOrLength splits a U29 reference header. hit means the value was
// resolved from the object table.
func (d *AMF3Decoder) refOrLength(op string) (v any, length int, hit bool, err error) {
	u29, err := d.readU29()
	if err != nil {
		return nil, 0, false, err
	}
	if u29&1 == 0 {
		idx := int(u29 >> 1)
		obj, ok := d.ctx.objectAt(idx)
		if !ok {
			return nil, 0, false, decodeErrf(op, "object reference %d out of range", idx)
		}
		return obj, 0, true, nil
	}
	return nil, int(u29 >> 1), false, nil
}

func (d *AMF3Decoder) readDate() (any, error) {
	v, _, hit, err := d.refOrLength("amf3.date")
	if hit || err != nil {
		return v, err
	}
	ms, err := d.s.ReadDouble()
	if err != nil {
		return nil, err
	}
	t := time.UnixMilli(int64(ms)).UTC()
	d.ctx.addObject(t)
	return t, nil
}

func (d *AMF3Decoder) readByteArray() (any, error) {
	v, length, hit, err := d.refOrLength("amf3.bytearray")
	if hit || err != nil {
		return v, err
	}
	raw, err := d.s.ReadBytes(length)
	if err != nil {
		return nil, err
	}
	// The stream buffer is reused; byte arrays own their payload.
	data := make([]byte, length)
	copy(data, raw)
	d.ctx.addObject(data)
	return data, nil
}

func (d *AMF3Decoder) readXML(marker byte) (any, error) {
	op := "amf3.xml"
	if marker == amf3XMLDocMarker {
		op = "amf3.xmldoc"
	}
	v, length, hit, err := d.refOrLength(op)
	if hit || err != nil {
		return v, err
	}
	raw, err := d.s.ReadBytes(length)
	if err != nil {
		return nil, err
	}
	parsed, err := currentXMLHandler().Unmarshal(raw, true, true)
	if err != nil {
		return nil, decodeErr(op, err)
	}
	// The default collaborator hands back the raw text; tag it with the
	// wire variant so encode picks the same marker again.
	if s, ok := parsed.(string); ok {
		if marker == amf3XMLDocMarker {
			parsed = XMLDocument(s)
		} else {
			parsed = XML(s)
		}
	}
	d.ctx.addObject(parsed)
	return parsed, nil
}

// readArray decodes the associative and dense portions. A purely dense
// array becomes []any; anything with string keys becomes an ECMAArray with
// dense elements stored under their decimal index.
func (d *AMF3Decoder) readArray() (any, error) {
	v, dense, hit, err := d.refOrLength("amf3.array")
	if hit || err != nil {
		return v, err
	}

	key, err := d.readStringValue()
	if err != nil {
		return nil, err
	}
	if key == "" {
		// Dense only. Register before children so cycles resolve.
		arr := make([]any, dense)
		d.ctx.addObject(arr)
		for i := 0; i < dense; i++ {
			item, err := d.readValue()
			if err != nil {
				return nil, err
			}
			arr[i] = item
		}
		return arr, nil
	}

	mixed := make(ECMAArray)
	d.ctx.addObject(mixed)
	for {
		item, err := d.readValue()
		if err != nil {
			return nil, err
		}
		mixed[key] = item
		key, err = d.readStringValue()
		if err != nil {
			return nil, err
		}
		if key == "" {
			break
		}
	}
	for i := 0; i < dense; i++ {
		item, err := d.readValue()
		if err != nil {
			return nil, err
		}
		mixed[strconv.Itoa(i)] = item
	}
	return mixed, nil
}

func (d *AMF3Decoder) readVectorInt() (any, error) {
	v, count, hit, err := d.refOrLength("amf3.vector")
	if hit || err != nil {
		return v, err
	}
	fixed, err := d.readFixedFlag()
	if err != nil {
		return nil, err
	}
	vec := &VectorInt{Fixed: fixed, Data: make([]int32, count)}
	d.ctx.addObject(vec)
	for i := 0; i < count; i++ {
		n, err := d.s.ReadUint32()
		if err != nil {
			return nil, err
		}
		vec.Data[i] = int32(n)
	}
	return vec, nil
}

func (d *AMF3Decoder) readVectorUint() (any, error) {
	v, count, hit, err := d.refOrLength("amf3.vector")
	if hit || err != nil {
		return v, err
	}
	fixed, err := d.readFixedFlag()
	if err != nil {
		return nil, err
	}
	vec := &VectorUint{Fixed: fixed, Data: make([]uint32, count)}
	d.ctx.addObject(vec)
	for i := 0; i < count; i++ {
		n, err := d.s.ReadUint32()
		if err != nil {
			return nil, err
		}
		vec.Data[i] = n
	}
	return vec, nil
}

func (d *AMF3Decoder) readVectorDouble() (any, error) {
	v, count, hit, err := d.refOrLength("amf3.vector")
	if hit || err != nil {
		return v, err
	}
	fixed, err := d.readFixedFlag()
	if err != nil {
		return nil, err
	}
	vec := &VectorDouble{Fixed: fixed, Data: make([]float64, count)}
	d.ctx.addObject(vec)
	for i := 0; i < count; i++ {
		n, err := d.s.ReadDouble()
		if err != nil {
			return nil, err
		}
		vec.Data[i] = n
	}
	return vec, nil
}

func (d *AMF3Decoder) readVectorObject() (any, error) {
	v, count, hit, err := d.refOrLength("amf3.vector")
	if hit || err != nil {
		return v, err
	}
	fixed, err := d.readFixedFlag()
	if err != nil {
		return nil, err
	}
	vec := &VectorObject{Fixed: fixed}
	d.ctx.addObject(vec)
	typeName, err := d.readStringValue()
	if err != nil {
		return nil, err
	}
	vec.TypeName = typeName
	vec.Data = make([]any, count)
	for i := 0; i < count; i++ {
		item, err := d.readValue()
		if err != nil {
			return nil, err
		}
		vec.Data[i] = item
	}
	return vec, nil
}

func (d *AMF3Decoder) readFixedFlag() (bool, error) {
	b, err := d.s.ReadByte()
	if err != nil {
		return false, err
	}
	return b != 0, nil
}

func (d *AMF3Decoder) readDictionary() (any, error) {
	v, count, hit, err := d.refOrLength("amf3.dictionary")
	if hit || err != nil {
		return v, err
	}
	weak, err := d.s.ReadByte()
	if err != nil {
		return nil, err
	}
	dict := &Dictionary{WeakKeys: weak != 0}
	d.ctx.addObject(dict)
	for i := 0; i < count; i++ {
		key, err := d.readValue()
		if err != nil {
			return nil, err
		}
		value, err := d.readValue()
		if err != nil {
			return nil, err
		}
		dict.Entries = append(dict.Entries, DictionaryEntry{Key: key, Value: value})
	}
	return dict, nil
}

// readObject decodes the trait-or-reference header and the object body.
func (d *AMF3Decoder) readObject() (any, error) {
	u29, err := d.readU29()
	if err != nil {
		return nil, err
	}
	if u29&1 == 0 {
		idx := int(u29 >> 1)
		obj, ok := d.ctx.objectAt(idx)
		if !ok {
			return nil, decodeErrf("amf3.object", "object reference %d out of range", idx)
		}
		return obj, nil
	}

	var trait *Trait
	switch {
	case u29&2 == 0:
		// Trait reference.
		idx := int(u29 >> 2)
		t, ok := d.ctx.traitAt(idx)
		if !ok {
			return nil, decodeErrf("amf3.object", "trait reference %d with no trait", idx)
		}
		trait = t
	case u29&4 != 0:
		// Externalizable: alias follows, the class reads its own body.
		aliasName, err := d.readStringValue()
		if err != nil {
			return nil, err
		}
		trait = &Trait{Alias: aliasName, External: true}
		d.ctx.addTrait(trait)
	default:
		// Inline trait definition.
		dynamic := u29&8 != 0
		count := int(u29 >> 4)
		aliasName, err := d.readStringValue()
		if err != nil {
			return nil, err
		}
		static := make([]string, count)
		for i := 0; i < count; i++ {
			name, err := d.readStringValue()
			if err != nil {
				return nil, err
			}
			static[i] = name
		}
		trait = &Trait{Alias: aliasName, Static: static, Dynamic: dynamic}
		d.ctx.addTrait(trait)
	}

	if trait.External {
		return d.readExternal(trait)
	}
	return d.readObjectBody(trait)
}

// readExternal instantiates the aliased class and hands it the stream.
func (d *AMF3Decoder) readExternal(trait *Trait) (any, error) {
	alias, ok := d.registry.ResolveByName(trait.Alias)
	if !ok {
		return nil, &UnknownAliasError{Alias: trait.Alias}
	}
	inst, err := alias.newInstance()
	if err != nil {
		return nil, decodeErr("amf3.external", err)
	}
	ext, ok := inst.(Externalizable)
	if !ok {
		return nil, decodeErrf("amf3.external", "alias %q does not implement Externalizable", trait.Alias)
	}
	d.ctx.addObject(inst)
	if err := ext.ReadExternal(d); err != nil {
		return nil, err
	}
	return inst, nil
}

// readObjectBody builds the host value for a trait and fills its members.
// The placeholder is registered in the object table before any child is
// read so cycles resolve to the same instance.
func (d *AMF3Decoder) readObjectBody(trait *Trait) (any, error) {
	var (
		result  any
		alias   *ClassAlias
		obj     *Object
		inst    any
		proxied *ObjectProxy
	)

	if trait.Alias != "" {
		if a, ok := d.registry.ResolveByName(trait.Alias); ok {
			alias = a
			if a.Type != nil {
				var err error
				inst, err = a.newInstance()
				if err != nil {
					return nil, decodeErr("amf3.object", err)
				}
				result = inst
			}
		} else if !d.AnonymousFallback {
			return nil, &UnknownAliasError{Alias: trait.Alias}
		}
	}
	if result == nil {
		obj = NewTypedObject(trait.Alias)
		result = obj
	}
	if alias != nil && alias.Proxy {
		proxied = &ObjectProxy{Wrapped: result}
		d.ctx.addObject(proxied)
	} else {
		d.ctx.addObject(result)
	}

	store := func(name string, v any) error {
		if obj != nil {
			obj.Set(name, v)
			return nil
		}
		if err := alias.setAttr(inst, name, v); err != nil {
			return decodeErr("amf3.object", err)
		}
		return nil
	}

	for _, name := range trait.Static {
		v, err := d.readValue()
		if err != nil {
			return nil, err
		}
		if err := store(name, v); err != nil {
			return nil, err
		}
	}

	if trait.Dynamic {
		for {
			name, err := d.readStringValue()
			if err != nil {
				return nil, err
			}
			if name == "" {
				break
			}
			v, err := d.readValue()
			if err != nil {
				return nil, err
			}
			if err := store(name, v); err != nil {
				return nil, err
			}
		}
	}

	if proxied != nil {
		return proxied, nil
	}
	return result, nil
}

// DecodeAMF3Sequence decodes a concatenation of AMF3 values sharing one
// Context. A trailing partial value is a DecodeError.
func DecodeAMF3Sequence(data []byte) ([]any, error) {
	s := bytestream.NewBuffer(data)
	d := NewAMF3Decoder(s, nil)
	var values []any
	for {
		v, err := d.ReadValue()
		if err != nil {
			if isEndOfStream(err) {
				if s.Remaining() > 0 {
					return nil, decodeErrf("amf3.sequence", "truncated value at offset %d", s.Tell())
				}
				return values, nil
			}
			return nil, err
		}
		values = append(values, v)
	}
}
