package amf

import (
	"bytes"
	"errors"
	"reflect"
	"testing"

	"github.com/ajdelguidice/as3lib-miniAMF/pkg/bytestream"
)

type user struct {
	Name  string
	Score int
}

type secretive struct {
	Public string
	Token  string
}

func registerForTest(t *testing.T, a *ClassAlias) {
	t.Helper()
	if err := RegisterClassAlias(a); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		UnregisterClassAlias(a.Alias)
		if a.Type != nil {
			UnregisterClassAlias(a.Type)
		}
	})
}

func TestRegistry_RegisterResolve(t *testing.T) {
	registerForTest(t, &ClassAlias{Alias: "app.User", Type: reflect.TypeOf(user{})})

	a, ok := DefaultRegistry.ResolveByName("app.User")
	if !ok {
		t.Fatal("alias not found by name")
	}
	if a.Type != reflect.TypeOf(user{}) {
		t.Errorf("wrong type: %v", a.Type)
	}
	if _, ok := DefaultRegistry.LookupType(reflect.TypeOf(&user{})); !ok {
		t.Error("alias not found by pointer type")
	}
}

func TestRegistry_LaterRegistrationWins(t *testing.T) {
	registerForTest(t, &ClassAlias{Alias: "app.V", Type: reflect.TypeOf(user{})})
	registerForTest(t, &ClassAlias{Alias: "app.V", Type: reflect.TypeOf(secretive{})})

	a, _ := DefaultRegistry.ResolveByName("app.V")
	if a.Type != reflect.TypeOf(secretive{}) {
		t.Errorf("expected later registration to win, got %v", a.Type)
	}
}

func TestRegistry_Unregister(t *testing.T) {
	if err := RegisterClassAlias(&ClassAlias{Alias: "app.Gone", Type: reflect.TypeOf(user{})}); err != nil {
		t.Fatal(err)
	}
	UnregisterClassAlias("app.Gone")
	if _, ok := DefaultRegistry.ResolveByName("app.Gone"); ok {
		t.Error("alias still resolvable after unregister")
	}
	if _, ok := DefaultRegistry.LookupType(reflect.TypeOf(user{})); ok {
		t.Error("type still resolvable after unregister")
	}
}

func TestRegistry_EmptyAliasRejected(t *testing.T) {
	if err := RegisterClassAlias(&ClassAlias{Alias: ""}); err == nil {
		t.Fatal("expected error for empty alias")
	}
}

func TestTypedStruct_AMF3RoundTrip(t *testing.T) {
	registerForTest(t, &ClassAlias{Alias: "app.User", Type: reflect.TypeOf(user{})})

	in := &user{Name: "Ada", Score: 4}
	data, err := EncodeAMF3Sequence(in)
	if err != nil {
		t.Fatal(err)
	}
	out, ok := decodeOne(t, data).(*user)
	if !ok {
		t.Fatalf("expected *user, got %T", out)
	}
	if out.Name != "Ada" || out.Score != 4 {
		t.Errorf("got %+v", out)
	}
}

func TestTypedStruct_AMF3WireFormat(t *testing.T) {
	registerForTest(t, &ClassAlias{Alias: "U", Type: reflect.TypeOf(user{})})

	data, err := EncodeAMF3Sequence(&user{Name: "A", Score: 1})
	if err != nil {
		t.Fatal(err)
	}
	expected := []byte{
		amf3ObjectMarker, 0x23, // 2 static members, not dynamic, inline trait
		0x03, 'U',
		0x09, 'N', 'a', 'm', 'e',
		0x0B, 'S', 'c', 'o', 'r', 'e',
		amf3StringMarker, 0x03, 'A',
		amf3IntegerMarker, 0x01,
	}
	if !bytes.Equal(data, expected) {
		t.Errorf("expected % X, got % X", expected, data)
	}
}

func TestTypedStruct_SharedTrait(t *testing.T) {
	registerForTest(t, &ClassAlias{Alias: "app.User", Type: reflect.TypeOf(user{})})

	data, err := EncodeAMF3Sequence(&user{Name: "a"}, &user{Name: "b"})
	if err != nil {
		t.Fatal(err)
	}
	values, err := DecodeAMF3Sequence(data)
	if err != nil {
		t.Fatal(err)
	}
	if values[0].(*user).Name != "a" || values[1].(*user).Name != "b" {
		t.Errorf("got %v", values)
	}
}

func TestTypedStruct_AMF0RoundTrip(t *testing.T) {
	registerForTest(t, &ClassAlias{Alias: "app.User", Type: reflect.TypeOf(user{})})

	data, err := EncodeAMF0Sequence(&user{Name: "Ada", Score: 2})
	if err != nil {
		t.Fatal(err)
	}
	if data[0] != typedObjectMarker {
		t.Fatalf("expected typed object marker, got 0x%02x", data[0])
	}
	out, ok := decodeAMF0(t, data).(*user)
	if !ok {
		t.Fatalf("expected *user, got %T", out)
	}
	if out.Name != "Ada" || out.Score != 2 {
		t.Errorf("got %+v", out)
	}
}

func TestUnknownAlias_Error(t *testing.T) {
	obj := NewTypedObject("never.Registered")
	obj.Set("x", 1)
	data, err := EncodeAMF3Sequence(obj)
	if err != nil {
		t.Fatal(err)
	}

	_, err = DecodeAMF3Sequence(data)
	var unknownErr *UnknownAliasError
	if !errors.As(err, &unknownErr) {
		t.Fatalf("expected *UnknownAliasError, got %v", err)
	}
	if unknownErr.Alias != "never.Registered" {
		t.Errorf("wrong alias in error: %q", unknownErr.Alias)
	}
}

func TestUnknownAlias_AnonymousFallback(t *testing.T) {
	obj := NewTypedObject("never.Registered")
	obj.Set("x", 1)
	data, err := EncodeAMF3Sequence(obj)
	if err != nil {
		t.Fatal(err)
	}

	s := bytestream.NewBuffer(data)
	d := NewAMF3Decoder(s, nil)
	d.AnonymousFallback = true
	v, err := d.ReadValue()
	if err != nil {
		t.Fatal(err)
	}
	out, ok := v.(*Object)
	if !ok {
		t.Fatalf("expected *Object, got %T", v)
	}
	if out.Alias != "never.Registered" {
		t.Errorf("alias not carried: %q", out.Alias)
	}
	if got, _ := out.Get("x"); got != 1 {
		t.Errorf("expected x=1, got %v", got)
	}
}

func TestAlias_Synonyms(t *testing.T) {
	registerForTest(t, &ClassAlias{
		Alias:    "app.Renamed",
		Type:     reflect.TypeOf(user{}),
		Synonyms: map[string]string{"userName": "Name"},
	})

	data, err := EncodeAMF3Sequence(&user{Name: "Ada"})
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Contains(data, []byte("userName")) {
		t.Error("wire name not rewritten on encode")
	}
	out := decodeOne(t, data).(*user)
	if out.Name != "Ada" {
		t.Errorf("synonym not applied on decode: %+v", out)
	}
}

func TestAlias_Exclude(t *testing.T) {
	registerForTest(t, &ClassAlias{
		Alias:   "app.Secretive",
		Type:    reflect.TypeOf(secretive{}),
		Exclude: []string{"Token"},
	})

	data, err := EncodeAMF3Sequence(&secretive{Public: "ok", Token: "hunter2"})
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Contains(data, []byte("hunter2")) {
		t.Error("excluded member leaked to the wire")
	}
}

func TestAlias_ReadOnlyFilteredOnDecode(t *testing.T) {
	registerForTest(t, &ClassAlias{
		Alias:    "app.Frozen",
		Type:     reflect.TypeOf(user{}),
		ReadOnly: []string{"Score"},
	})

	data, err := EncodeAMF3Sequence(&user{Name: "Ada", Score: 9})
	if err != nil {
		t.Fatal(err)
	}
	out := decodeOne(t, data).(*user)
	if out.Score != 0 {
		t.Errorf("read-only member applied on decode: %+v", out)
	}
	if out.Name != "Ada" {
		t.Errorf("writable member lost: %+v", out)
	}
}

func TestAlias_Proxy(t *testing.T) {
	registerForTest(t, &ClassAlias{
		Alias: "app.Proxied",
		Type:  reflect.TypeOf(user{}),
		Proxy: true,
	})

	data, err := EncodeAMF3Sequence(&user{Name: "P"})
	if err != nil {
		t.Fatal(err)
	}
	v := decodeOne(t, data)
	proxy, ok := v.(*ObjectProxy)
	if !ok {
		t.Fatalf("expected *ObjectProxy, got %T", v)
	}
	if proxy.Unwrap().(*user).Name != "P" {
		t.Errorf("proxied value wrong: %+v", proxy.Unwrap())
	}
}

type extPoint struct {
	X int
	Y int
}

func (p *extPoint) WriteExternal(e *AMF3Encoder) error {
	if err := e.WriteValue(p.X); err != nil {
		return err
	}
	return e.WriteValue(p.Y)
}

func (p *extPoint) ReadExternal(d *AMF3Decoder) error {
	x, err := d.ReadValue()
	if err != nil {
		return err
	}
	y, err := d.ReadValue()
	if err != nil {
		return err
	}
	p.X = x.(int)
	p.Y = y.(int)
	return nil
}

func TestExternalizable_RoundTrip(t *testing.T) {
	registerForTest(t, &ClassAlias{
		Alias:    "geom.Point",
		Type:     reflect.TypeOf(extPoint{}),
		External: true,
	})

	in := &extPoint{X: 3, Y: -7}
	data, err := EncodeAMF3Sequence(in)
	if err != nil {
		t.Fatal(err)
	}
	// Externalizable trait header: U29 0x07, then the alias.
	expectedPrefix := []byte{amf3ObjectMarker, 0x07, 0x15, 'g', 'e', 'o', 'm', '.', 'P', 'o', 'i', 'n', 't'}
	if !bytes.HasPrefix(data, expectedPrefix) {
		t.Errorf("expected prefix % X, got % X", expectedPrefix, data)
	}

	out, ok := decodeOne(t, data).(*extPoint)
	if !ok {
		t.Fatalf("expected *extPoint, got %T", out)
	}
	if out.X != 3 || out.Y != -7 {
		t.Errorf("got %+v", out)
	}
}

func TestExternalizable_UnknownAliasOnDecode(t *testing.T) {
	registerForTest(t, &ClassAlias{
		Alias:    "geom.Point",
		Type:     reflect.TypeOf(extPoint{}),
		External: true,
	})
	data, err := EncodeAMF3Sequence(&extPoint{X: 1, Y: 2})
	if err != nil {
		t.Fatal(err)
	}
	UnregisterClassAlias("geom.Point")

	_, err = DecodeAMF3Sequence(data)
	var unknownErr *UnknownAliasError
	if !errors.As(err, &unknownErr) {
		t.Errorf("expected *UnknownAliasError, got %v", err)
	}
}

func TestUnregisteredStruct_EncodesAnonymously(t *testing.T) {
	type loner struct{ V int }
	data, err := EncodeAMF3Sequence(&loner{V: 8})
	if err != nil {
		t.Fatal(err)
	}
	s := bytestream.NewBuffer(data)
	d := NewAMF3Decoder(s, nil)
	v, err := d.ReadValue()
	if err != nil {
		t.Fatal(err)
	}
	obj, ok := v.(*Object)
	if !ok {
		t.Fatalf("expected *Object, got %T", v)
	}
	if obj.Alias != "" {
		t.Errorf("expected anonymous object, got alias %q", obj.Alias)
	}
	if got, _ := obj.Get("V"); got != 8 {
		t.Errorf("expected V=8, got %v", got)
	}
}
