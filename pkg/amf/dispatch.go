package amf

import (
	"bytes"
	"errors"
	"reflect"
	"sync"
)

// ValueWriter is the encoder surface handed to extension functions; both
// the AMF0 and AMF3 encoders satisfy it.
type ValueWriter interface {
	// WriteValue encodes one host value at the current stream position.
	WriteValue(v any) error
}

// TypeEncoderFunc adapts a host value the built-in dispatch does not know.
// It either writes the value itself through w and reports written=true, or
// returns a replacement value for the encoder to recurse on.
type TypeEncoderFunc func(v any, w ValueWriter) (replacement any, written bool, err error)

type typeEncoder struct {
	typ  reflect.Type
	pred func(any) bool
	fn   TypeEncoderFunc
}

func (t *typeEncoder) matches(v any) bool {
	if t.pred != nil {
		return t.pred(v)
	}
	vt := reflect.TypeOf(v)
	if vt == nil {
		return false
	}
	return vt == t.typ || (t.typ.Kind() == reflect.Interface && vt.Implements(t.typ))
}

var typeTable struct {
	mu      sync.RWMutex
	entries []*typeEncoder
}

// AddTypeEncoder registers an extension encoder. The predicate is either a
// reflect.Type (matched by type identity, or interface satisfaction for
// interface types) or a func(any) bool. Entries are consulted in
// registration order after built-in dispatch misses.
func AddTypeEncoder(predicate any, fn TypeEncoderFunc) error {
	if fn == nil {
		return errors.New("amf: type encoder func must not be nil")
	}
	e := &typeEncoder{fn: fn}
	switch p := predicate.(type) {
	case reflect.Type:
		e.typ = p
	case func(any) bool:
		e.pred = p
	default:
		return errors.New("amf: predicate must be a reflect.Type or func(any) bool")
	}
	typeTable.mu.Lock()
	typeTable.entries = append(typeTable.entries, e)
	typeTable.mu.Unlock()
	return nil
}

// ClearTypeEncoders drops all registered extension encoders.
func ClearTypeEncoders() {
	typeTable.mu.Lock()
	typeTable.entries = nil
	typeTable.mu.Unlock()
}

// lookupTypeEncoder returns the first matching extension encoder.
func lookupTypeEncoder(v any) (TypeEncoderFunc, bool) {
	typeTable.mu.RLock()
	defer typeTable.mu.RUnlock()
	for _, e := range typeTable.entries {
		if e.matches(v) {
			return e.fn, true
		}
	}
	return nil, false
}

// PostDecodeFunc transforms the outermost decoded value of a payload.
// extra is the Context's scratch map.
type PostDecodeFunc func(v any, extra map[string]any) any

var postDecode struct {
	mu    sync.RWMutex
	funcs []PostDecodeFunc
}

// AddPostDecodeProcessor appends a processor applied, in registration
// order, to each top-level decoded value.
func AddPostDecodeProcessor(fn PostDecodeFunc) {
	if fn == nil {
		return
	}
	postDecode.mu.Lock()
	postDecode.funcs = append(postDecode.funcs, fn)
	postDecode.mu.Unlock()
}

// ClearPostDecodeProcessors drops all registered processors.
func ClearPostDecodeProcessors() {
	postDecode.mu.Lock()
	postDecode.funcs = nil
	postDecode.mu.Unlock()
}

func runPostDecode(v any, ctx *Context) any {
	postDecode.mu.RLock()
	funcs := postDecode.funcs
	postDecode.mu.RUnlock()
	if len(funcs) == 0 {
		return v
	}
	if ctx.Extra == nil {
		ctx.Extra = make(map[string]any)
	}
	for _, fn := range funcs {
		v = fn(v, ctx.Extra)
	}
	return v
}

// XMLHandler is the external XML collaborator. The codec only moves opaque
// UTF-8; a handler supplies the document representation.
type XMLHandler interface {
	// IsXML reports whether v is a value this handler serializes.
	IsXML(v any) bool
	// Marshal renders an XML value to bytes.
	Marshal(v any) ([]byte, error)
	// Unmarshal parses bytes into an XML value. DTDs and entity
	// definitions are rejected when the corresponding flag is set.
	Unmarshal(data []byte, forbidDTD, forbidEntities bool) (any, error)
}

var xmlState struct {
	mu      sync.RWMutex
	handler XMLHandler
}

// SetXMLHandler replaces the XML collaborator. Passing nil restores the
// default opaque handler.
func SetXMLHandler(h XMLHandler) {
	xmlState.mu.Lock()
	xmlState.handler = h
	xmlState.mu.Unlock()
}

func currentXMLHandler() XMLHandler {
	xmlState.mu.RLock()
	defer xmlState.mu.RUnlock()
	if xmlState.handler == nil {
		return opaqueXML{}
	}
	return xmlState.handler
}

// opaqueXML is the default collaborator: content stays an opaque string
// wrapped in XML/XMLDocument, with DTDs and entity definitions refused.
type opaqueXML struct{}

func (opaqueXML) IsXML(v any) bool {
	switch v.(type) {
	case XML, XMLDocument:
		return true
	}
	return false
}

func (opaqueXML) Marshal(v any) ([]byte, error) {
	switch v := v.(type) {
	case XML:
		return []byte(v), nil
	case XMLDocument:
		return []byte(v), nil
	}
	return nil, errors.New("amf: not an XML value")
}

func (opaqueXML) Unmarshal(data []byte, forbidDTD, forbidEntities bool) (any, error) {
	if forbidDTD && bytes.Contains(data, []byte("<!DOCTYPE")) {
		return nil, errors.New("amf: DTD forbidden in XML payload")
	}
	if forbidEntities && bytes.Contains(data, []byte("<!ENTITY")) {
		return nil, errors.New("amf: entity definition forbidden in XML payload")
	}
	return string(data), nil
}
