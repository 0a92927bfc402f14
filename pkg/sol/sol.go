// Package sol reads and writes Flash Local Shared Object files: the
// container format ".sol" files use to persist a root name and a bag of
// name/value pairs encoded in AMF0 or AMF3.
package sol

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/ajdelguidice/as3lib-miniAMF/pkg/amf"
	"github.com/ajdelguidice/as3lib-miniAMF/pkg/bytestream"
)

// Header layout constants.
const (
	headerMagic  = 0x00BF
	signature    = "TCSO"
	valueEndByte = 0x00
)

// padding follows the TCSO signature in every envelope.
var padding = []byte{0x00, 0x04, 0x00, 0x00, 0x00, 0x00}

var (
	// ErrBadHeader reports a file that is not a shared-object envelope.
	ErrBadHeader = errors.New("sol: malformed shared object header")

	// ErrBadVersion reports an AMF version byte other than 0 or 3.
	ErrBadVersion = errors.New("sol: unsupported AMF version")
)

// SharedObject is a decoded .sol file: the root name and its name/value
// pairs. Data keys are written in sorted order for deterministic output.
type SharedObject struct {
	Name     string
	Encoding amf.Version
	Data     map[string]any
}

// New creates an empty shared object with the given root name.
func New(name string, encoding amf.Version) *SharedObject {
	return &SharedObject{Name: name, Encoding: encoding, Data: make(map[string]any)}
}

// Encode serializes the envelope: magic, length, signature, padding, root
// name, reserved field, version byte, then the body triples.
func Encode(so *SharedObject) ([]byte, error) {
	if so.Encoding != amf.AMF0 && so.Encoding != amf.AMF3 {
		return nil, fmt.Errorf("%w: %d", ErrBadVersion, so.Encoding)
	}
	if len(so.Name) > 0xFFFF {
		return nil, fmt.Errorf("sol: root name too long: %d bytes", len(so.Name))
	}

	s := bytestream.New()
	defer s.Release()

	s.WriteUint16(headerMagic)
	s.WriteUint32(0) // total length after this field, patched below
	s.WriteString(signature)
	s.WriteBytes(padding)
	s.WriteUint16(uint16(len(so.Name)))
	s.WriteString(so.Name)
	s.WriteUint32(0) // reserved
	s.WriteUint8(uint8(so.Encoding))

	if err := encodeBody(s, so); err != nil {
		return nil, err
	}

	// Patch the length field: everything after the u32 itself.
	total := s.Len()
	if _, err := s.Seek(2, io.SeekStart); err != nil {
		return nil, err
	}
	s.WriteUint32(uint32(total - 6))

	out := make([]byte, total)
	copy(out, s.Bytes())
	return out, nil
}

func encodeBody(s *bytestream.Stream, so *SharedObject) error {
	keys := make([]string, 0, len(so.Data))
	for k := range so.Data {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	// One Context for the whole body so references span entries.
	ctx := amf.NewContext()
	var write func(v any) error
	if so.Encoding == amf.AMF3 {
		enc := amf.NewAMF3Encoder(s, ctx)
		write = enc.WriteValue
	} else {
		enc := amf.NewAMF0Encoder(s, ctx)
		write = enc.WriteValue
	}

	for _, k := range keys {
		if len(k) > 0xFFFF {
			return fmt.Errorf("sol: entry name too long: %d bytes", len(k))
		}
		s.WriteUint16(uint16(len(k)))
		s.WriteString(k)
		if err := write(so.Data[k]); err != nil {
			return err
		}
		s.WriteByte(valueEndByte)
	}
	return nil
}

// Decode parses an envelope produced by Encode (or a Flash player).
func Decode(data []byte) (*SharedObject, error) {
	s := bytestream.NewBuffer(data)

	magic, err := s.ReadUint16()
	if err != nil || magic != headerMagic {
		return nil, ErrBadHeader
	}
	declared, err := s.ReadUint32()
	if err != nil {
		return nil, ErrBadHeader
	}
	if int(declared) != s.Remaining() {
		return nil, fmt.Errorf("%w: declared length %d, have %d bytes", ErrBadHeader, declared, s.Remaining())
	}
	sig, err := s.ReadBytes(len(signature))
	if err != nil || string(sig) != signature {
		return nil, ErrBadHeader
	}
	if _, err := s.ReadBytes(len(padding)); err != nil {
		return nil, ErrBadHeader
	}
	nameLen, err := s.ReadUint16()
	if err != nil {
		return nil, ErrBadHeader
	}
	name, err := s.ReadUTF8(int(nameLen))
	if err != nil {
		return nil, ErrBadHeader
	}
	if _, err := s.ReadUint32(); err != nil { // reserved
		return nil, ErrBadHeader
	}
	version, err := s.ReadUint8()
	if err != nil {
		return nil, ErrBadHeader
	}
	if version != uint8(amf.AMF0) && version != uint8(amf.AMF3) {
		return nil, fmt.Errorf("%w: %d", ErrBadVersion, version)
	}

	so := &SharedObject{Name: name, Encoding: amf.Version(version), Data: make(map[string]any)}

	ctx := amf.NewContext()
	var read func() (any, error)
	if so.Encoding == amf.AMF3 {
		dec := amf.NewAMF3Decoder(s, ctx)
		dec.AnonymousFallback = true
		read = dec.ReadValue
	} else {
		dec := amf.NewAMF0Decoder(s, ctx)
		dec.AnonymousFallback = true
		read = dec.ReadValue
	}

	for s.Remaining() > 0 {
		entryLen, err := s.ReadUint16()
		if err != nil {
			return nil, fmt.Errorf("sol: truncated entry name: %w", err)
		}
		entry, err := s.ReadUTF8(int(entryLen))
		if err != nil {
			return nil, fmt.Errorf("sol: bad entry name: %w", err)
		}
		v, err := read()
		if err != nil {
			return nil, fmt.Errorf("sol: entry %q: %w", entry, err)
		}
		term, err := s.ReadByte()
		if err != nil {
			return nil, fmt.Errorf("sol: entry %q missing terminator: %w", entry, err)
		}
		if term != valueEndByte {
			return nil, fmt.Errorf("sol: entry %q: bad terminator 0x%02x", entry, term)
		}
		so.Data[entry] = v
	}
	return so, nil
}

// Save writes the shared object to path atomically: the envelope is
// written to a temp file in the target directory, synced, closed and
// renamed over the destination. The handle is released on every path.
func Save(path string, so *SharedObject) error {
	data, err := Encode(so)
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	f, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	tmp := f.Name()

	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

// Load reads and decodes the shared object at path. The handle is released
// on every path.
func Load(path string) (*SharedObject, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}
	return Decode(data)
}
