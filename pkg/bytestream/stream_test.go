package bytestream

import (
	"bytes"
	"errors"
	"io"
	"testing"
)

func TestReadUint_BigEndian(t *testing.T) {
	testCases := []struct {
		data     []byte
		width    int
		expected uint64
	}{
		{[]byte{0xAB}, 1, 0xAB},
		{[]byte{0x12, 0x34}, 2, 0x1234},
		{[]byte{0x12, 0x34, 0x56}, 3, 0x123456},
		{[]byte{0x12, 0x34, 0x56, 0x78}, 4, 0x12345678},
	}
	for _, tc := range testCases {
		s := NewBuffer(tc.data)
		v, err := s.ReadUint(tc.width)
		if err != nil {
			t.Fatal(err)
		}
		if v != tc.expected {
			t.Errorf("width %d: expected 0x%X, got 0x%X", tc.width, tc.expected, v)
		}
	}
}

func TestReadUint_LittleEndian(t *testing.T) {
	s := NewBuffer([]byte{0x78, 0x56, 0x34, 0x12})
	s.SetOrder(LittleEndian)
	v, err := s.ReadUint(4)
	if err != nil {
		t.Fatal(err)
	}
	if v != 0x12345678 {
		t.Errorf("expected 0x12345678, got 0x%X", v)
	}
}

func TestWriteUint_RoundTrip(t *testing.T) {
	for _, order := range []ByteOrder{BigEndian, LittleEndian} {
		s := New()
		s.SetOrder(order)
		s.WriteUint(0xABCDEF, 3)
		s.Seek(0, io.SeekStart)
		v, err := s.ReadUint(3)
		if err != nil {
			t.Fatal(err)
		}
		if v != 0xABCDEF {
			t.Errorf("order %d: expected 0xABCDEF, got 0x%X", order, v)
		}
	}
}

func TestReadInt_SignExtension(t *testing.T) {
	s := NewBuffer([]byte{0xFF, 0xFE})
	v, err := s.ReadInt(2)
	if err != nil {
		t.Fatal(err)
	}
	if v != -2 {
		t.Errorf("expected -2, got %d", v)
	}
}

func TestReadUint_BadWidth(t *testing.T) {
	s := NewBuffer([]byte{1, 2, 3, 4, 5})
	if _, err := s.ReadUint(5); err == nil {
		t.Fatal("expected error for width 5")
	}
	if _, err := s.ReadUint(0); err == nil {
		t.Fatal("expected error for width 0")
	}
}

func TestDouble_RoundTrip(t *testing.T) {
	s := New()
	s.WriteDouble(3.14159)
	s.Seek(0, io.SeekStart)
	v, err := s.ReadDouble()
	if err != nil {
		t.Fatal(err)
	}
	if v != 3.14159 {
		t.Errorf("expected 3.14159, got %v", v)
	}
}

func TestDouble_WireFormat(t *testing.T) {
	s := New()
	s.WriteDouble(1.0)
	expected := []byte{0x3F, 0xF0, 0, 0, 0, 0, 0, 0}
	if !bytes.Equal(s.Bytes(), expected) {
		t.Errorf("expected % X, got % X", expected, s.Bytes())
	}
}

func TestFloat_RoundTrip(t *testing.T) {
	s := New()
	s.WriteFloat(2.5)
	s.Seek(0, io.SeekStart)
	v, err := s.ReadFloat()
	if err != nil {
		t.Fatal(err)
	}
	if v != 2.5 {
		t.Errorf("expected 2.5, got %v", v)
	}
}

func TestReadBytes_EndOfStream(t *testing.T) {
	s := NewBuffer([]byte{1, 2, 3})
	if _, err := s.ReadBytes(4); !errors.Is(err, ErrEndOfStream) {
		t.Errorf("expected ErrEndOfStream, got %v", err)
	}
	// A failed read must not advance the cursor.
	if s.Tell() != 0 {
		t.Errorf("cursor moved after failed read: %d", s.Tell())
	}
}

func TestReadUTF8(t *testing.T) {
	s := NewBuffer([]byte("héllo"))
	v, err := s.ReadUTF8(6)
	if err != nil {
		t.Fatal(err)
	}
	if v != "héllo" {
		t.Errorf("expected héllo, got %q", v)
	}
}

func TestReadUTF8_Invalid(t *testing.T) {
	s := NewBuffer([]byte{0xFF, 0xFE, 0x80})
	if _, err := s.ReadUTF8(3); !errors.Is(err, ErrInvalidUTF8) {
		t.Errorf("expected ErrInvalidUTF8, got %v", err)
	}
}

func TestSeekPeekRemaining(t *testing.T) {
	s := NewBuffer([]byte{10, 20, 30, 40})
	if s.Remaining() != 4 {
		t.Errorf("expected 4 remaining, got %d", s.Remaining())
	}
	p, err := s.Peek(2)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(p, []byte{10, 20}) {
		t.Errorf("peek returned % X", p)
	}
	if s.Tell() != 0 {
		t.Errorf("peek advanced cursor to %d", s.Tell())
	}

	if _, err := s.Seek(3, io.SeekStart); err != nil {
		t.Fatal(err)
	}
	if s.Remaining() != 1 {
		t.Errorf("expected 1 remaining, got %d", s.Remaining())
	}
	if _, err := s.Seek(-2, io.SeekCurrent); err != nil {
		t.Fatal(err)
	}
	if s.Tell() != 1 {
		t.Errorf("expected pos 1, got %d", s.Tell())
	}
	if _, err := s.Seek(0, io.SeekEnd); err != nil {
		t.Fatal(err)
	}
	if !s.AtEOF() {
		t.Error("expected AtEOF at end")
	}
}

func TestSeek_PastEnd(t *testing.T) {
	s := New()
	s.WriteBytes([]byte{1, 2})
	if _, err := s.Seek(5, io.SeekStart); err != nil {
		t.Fatal(err)
	}
	// Reads past the end fail...
	if _, err := s.ReadByte(); !errors.Is(err, ErrEndOfStream) {
		t.Errorf("expected ErrEndOfStream, got %v", err)
	}
	// ...but writes extend, zero-filling the gap.
	s.WriteByte(9)
	expected := []byte{1, 2, 0, 0, 0, 9}
	if !bytes.Equal(s.Bytes(), expected) {
		t.Errorf("expected % X, got % X", expected, s.Bytes())
	}
}

func TestSeek_Negative(t *testing.T) {
	s := NewBuffer([]byte{1})
	if _, err := s.Seek(-1, io.SeekStart); err == nil {
		t.Fatal("expected error for negative seek")
	}
}

func TestWrite_Overwrite(t *testing.T) {
	s := New()
	s.WriteBytes([]byte{1, 2, 3, 4})
	s.Seek(1, io.SeekStart)
	s.WriteBytes([]byte{8, 9})
	expected := []byte{1, 8, 9, 4}
	if !bytes.Equal(s.Bytes(), expected) {
		t.Errorf("expected % X, got % X", expected, s.Bytes())
	}
}

func TestGrowth_AcrossTiers(t *testing.T) {
	s := New()
	payload := make([]byte, Size4K+17)
	for i := range payload {
		payload[i] = byte(i)
	}
	s.WriteBytes(payload)
	if s.Len() != len(payload) {
		t.Fatalf("expected %d bytes, got %d", len(payload), s.Len())
	}
	if !bytes.Equal(s.Bytes(), payload) {
		t.Error("payload corrupted by growth")
	}
}

func TestTruncate(t *testing.T) {
	s := New()
	s.WriteBytes([]byte{1, 2, 3})
	s.Truncate()
	if s.Len() != 0 || s.Tell() != 0 {
		t.Errorf("expected empty stream, len=%d pos=%d", s.Len(), s.Tell())
	}
}
