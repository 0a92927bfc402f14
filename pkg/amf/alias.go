package amf

import (
	"errors"
	"fmt"
	"reflect"
	"sync"

	lru "github.com/hashicorp/golang-lru"
)

// ClassAlias binds a wire class name to a host type and carries the
// per-alias encoding metadata.
type ClassAlias struct {
	// Alias is the class name written on the wire. Empty means the type
	// encodes as an anonymous object.
	Alias string

	// Type is the host struct type (the element type, not a pointer).
	// May be nil for aliases that only shape *Object values.
	Type reflect.Type

	// Static is the ordered list of wire member names written as trait
	// members. When nil, it is resolved from the struct fields on first
	// use.
	Static []string

	Dynamic  bool
	External bool
	Proxy    bool

	// Exclude lists wire names never encoded or decoded.
	Exclude []string
	// ReadOnly lists wire names filtered out when decoding into the host.
	ReadOnly []string
	// Synonyms maps wire names to host field names, applied both ways.
	Synonyms map[string]string
	// Exclude, ReadOnly and Synonyms apply only to aliases with a Type;
	// an alias without one leaves *Object members unfiltered and unrenamed.

	// Defer marks an alias whose static members are resolved on first use.
	// Resolution is lazy for every alias, whether or not Defer is set.
	Defer bool

	resolved bool
	fields   map[string]string // wire name -> struct field name
}

// Externalizable objects own their wire body: the codec writes only the
// trait header and delegates the rest to the type.
type Externalizable interface {
	WriteExternal(e *AMF3Encoder) error
	ReadExternal(d *AMF3Decoder) error
}

// resolve fills Static and the wire-to-field map from the struct type.
// Called lazily, once, at the start of the first pass touching the alias.
func (a *ClassAlias) resolve() error {
	if a.resolved {
		return nil
	}
	a.resolved = true
	a.fields = make(map[string]string)

	if a.Type == nil {
		for _, name := range a.Static {
			a.fields[name] = a.hostName(name)
		}
		return nil
	}
	if a.Type.Kind() != reflect.Struct {
		return fmt.Errorf("amf: alias %q: type %s is not a struct", a.Alias, a.Type)
	}

	excluded := make(map[string]bool, len(a.Exclude))
	for _, name := range a.Exclude {
		excluded[name] = true
	}
	hostToWire := make(map[string]string, len(a.Synonyms))
	for wire, host := range a.Synonyms {
		hostToWire[host] = wire
	}

	explicit := a.Static != nil
	for i := 0; i < a.Type.NumField(); i++ {
		f := a.Type.Field(i)
		if !f.IsExported() {
			continue
		}
		wire := f.Name
		if w, ok := hostToWire[f.Name]; ok {
			wire = w
		}
		if excluded[wire] {
			continue
		}
		a.fields[wire] = f.Name
		if !explicit {
			a.Static = append(a.Static, wire)
		}
	}
	return nil
}

// hostName maps a wire member name to the host field name.
func (a *ClassAlias) hostName(wire string) string {
	if host, ok := a.Synonyms[wire]; ok {
		return host
	}
	return wire
}

// trait builds the wire trait for this alias.
func (a *ClassAlias) trait() *Trait {
	return &Trait{
		Alias:    a.Alias,
		Static:   a.Static,
		Dynamic:  a.Dynamic,
		External: a.External,
	}
}

// newInstance allocates a pointer to a zero value of the aliased type.
func (a *ClassAlias) newInstance() (any, error) {
	if a.Type == nil {
		return nil, fmt.Errorf("amf: alias %q has no host type", a.Alias)
	}
	return reflect.New(a.Type).Interface(), nil
}

// staticValues extracts the static member values of inst in trait order.
func (a *ClassAlias) staticValues(inst any) ([]any, error) {
	if err := a.resolve(); err != nil {
		return nil, err
	}
	rv := reflect.ValueOf(inst)
	if rv.Kind() == reflect.Pointer {
		rv = rv.Elem()
	}
	if rv.Kind() != reflect.Struct {
		return nil, fmt.Errorf("amf: alias %q: value %T is not a struct", a.Alias, inst)
	}
	out := make([]any, 0, len(a.Static))
	for _, wire := range a.Static {
		field := rv.FieldByName(a.fields[wire])
		if !field.IsValid() {
			return nil, fmt.Errorf("amf: alias %q: no field for member %q", a.Alias, wire)
		}
		out = append(out, field.Interface())
	}
	return out, nil
}

// setAttr stores a decoded member into inst, honoring exclude, read-only
// and synonym rules. Unknown or filtered members are dropped silently.
func (a *ClassAlias) setAttr(inst any, wire string, value any) error {
	if err := a.resolve(); err != nil {
		return err
	}
	for _, name := range a.ReadOnly {
		if name == wire {
			return nil
		}
	}
	host, ok := a.fields[wire]
	if !ok {
		// Dynamic member with no backing field.
		return nil
	}
	rv := reflect.ValueOf(inst).Elem().FieldByName(host)
	if !rv.IsValid() || !rv.CanSet() {
		return nil
	}
	return assignValue(rv, value)
}

// assignValue converts decoded values into the field's type where the
// conversion is lossless (AMF numbers arrive as int or float64).
func assignValue(field reflect.Value, value any) error {
	if value == nil {
		switch field.Kind() {
		case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Interface:
			field.Set(reflect.Zero(field.Type()))
		}
		return nil
	}
	vv := reflect.ValueOf(value)
	if vv.Type().AssignableTo(field.Type()) {
		field.Set(vv)
		return nil
	}
	if vv.Type().ConvertibleTo(field.Type()) {
		switch field.Kind() {
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
			reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
			reflect.Float32, reflect.Float64, reflect.String:
			field.Set(vv.Convert(field.Type()))
			return nil
		}
	}
	return fmt.Errorf("amf: cannot assign %T to field of type %s", value, field.Type())
}

// Registry is the process-wide mapping between host types and wire class
// names. Reads during a codec pass take a shared read lock;
// register/unregister must not run while a pass is in flight.
type Registry struct {
	mu     sync.RWMutex
	byName map[string]*ClassAlias
	byType map[reflect.Type]*ClassAlias

	// cache holds auto-created deferred aliases for unregistered struct
	// types so repeated encodes skip the reflection walk.
	cache *lru.Cache
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	cache, _ := lru.New(256)
	return &Registry{
		byName: make(map[string]*ClassAlias),
		byType: make(map[reflect.Type]*ClassAlias),
		cache:  cache,
	}
}

// DefaultRegistry is the registry used by codecs unless one is supplied.
var DefaultRegistry = NewRegistry()

// Register adds or replaces an alias; a later registration for the same
// name or type wins.
func (r *Registry) Register(a *ClassAlias) error {
	if a == nil || a.Alias == "" {
		return errors.New("amf: alias name must not be empty")
	}
	if a.Type != nil && a.Type.Kind() == reflect.Pointer {
		a.Type = a.Type.Elem()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.byName[a.Alias]; ok && old.Type != nil && old.Type != a.Type {
		delete(r.byType, old.Type)
	}
	r.byName[a.Alias] = a
	if a.Type != nil {
		r.byType[a.Type] = a
		r.cache.Remove(a.Type)
	}
	return nil
}

// Unregister removes an alias by wire name or by host type. The key may be
// a string, a reflect.Type, or an instance of the registered type.
func (r *Registry) Unregister(key any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch k := key.(type) {
	case string:
		if a, ok := r.byName[k]; ok {
			delete(r.byName, k)
			if a.Type != nil {
				delete(r.byType, a.Type)
				r.cache.Remove(a.Type)
			}
		}
	case reflect.Type:
		r.unregisterType(k)
	default:
		t := reflect.TypeOf(key)
		if t.Kind() == reflect.Pointer {
			t = t.Elem()
		}
		r.unregisterType(t)
	}
}

func (r *Registry) unregisterType(t reflect.Type) {
	if t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if a, ok := r.byType[t]; ok {
		delete(r.byType, t)
		delete(r.byName, a.Alias)
	}
	r.cache.Remove(t)
}

// ResolveByName looks up an alias by its wire class name.
func (r *Registry) ResolveByName(name string) (*ClassAlias, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.byName[name]
	return a, ok
}

// LookupType returns the explicitly registered alias for a host type.
func (r *Registry) LookupType(t reflect.Type) (*ClassAlias, bool) {
	if t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.byType[t]
	return a, ok
}

// ResolveByType looks up the alias for a host struct type, creating and
// caching an anonymous deferred alias on miss so unregistered structs still
// encode (as anonymous objects).
func (r *Registry) ResolveByType(t reflect.Type) *ClassAlias {
	if t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	r.mu.RLock()
	a, ok := r.byType[t]
	r.mu.RUnlock()
	if ok {
		return a
	}
	if cached, ok := r.cache.Get(t); ok {
		return cached.(*ClassAlias)
	}
	a = &ClassAlias{Type: t, Defer: true}
	r.cache.Add(t, a)
	return a
}

// RegisterClassAlias registers an alias on the default registry.
func RegisterClassAlias(a *ClassAlias) error { return DefaultRegistry.Register(a) }

// UnregisterClassAlias removes an alias from the default registry.
func UnregisterClassAlias(key any) { DefaultRegistry.Unregister(key) }
