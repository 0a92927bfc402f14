// Package amf implements the Action Message Format versions 0 and 3: the
// binary serialization used by the Flash Player family for remoting
// envelopes, Local Shared Objects and RPC arguments.
//
// Both codecs work over native Go values plus a small set of wrapper types
// (Object, ECMAArray, Dictionary, vectors, XML) covering the wire variants
// Go has no natural representation for. Encoding and decoding share
// per-pass reference tables through a Context and a process-wide class
// alias registry.
package amf

// AMF0 type markers
const (
	numberMarker      = 0x00
	booleanMarker     = 0x01
	stringMarker      = 0x02
	objectMarker      = 0x03
	movieClipMarker   = 0x04 // reserved, not supported
	nullMarker        = 0x05
	undefinedMarker   = 0x06
	referenceMarker   = 0x07
	ecmaArrayMarker   = 0x08
	objectEndMarker   = 0x09
	strictArrayMarker = 0x0A
	dateMarker        = 0x0B
	longStringMarker  = 0x0C
	unsupportedMarker = 0x0D
	recordSetMarker   = 0x0E // reserved, not supported
	xmlDocumentMarker = 0x0F
	typedObjectMarker = 0x10
	avmPlusMarker     = 0x11 // the next value is AMF3-encoded
)

// AMF3 type markers
const (
	amf3UndefinedMarker    = 0x00
	amf3NullMarker         = 0x01
	amf3FalseMarker        = 0x02
	amf3TrueMarker         = 0x03
	amf3IntegerMarker      = 0x04
	amf3DoubleMarker       = 0x05
	amf3StringMarker       = 0x06
	amf3XMLDocMarker       = 0x07
	amf3DateMarker         = 0x08
	amf3ArrayMarker        = 0x09
	amf3ObjectMarker       = 0x0A
	amf3XMLMarker          = 0x0B
	amf3ByteArrayMarker    = 0x0C
	amf3VectorIntMarker    = 0x0D
	amf3VectorUintMarker   = 0x0E
	amf3VectorDoubleMarker = 0x0F
	amf3VectorObjectMarker = 0x10
	amf3DictionaryMarker   = 0x11
)

// U29 limits. AMF3 varints carry 29 bits; the Integer marker additionally
// restricts values to the signed 29-bit range, everything else falls back
// to Double.
const (
	maxU29    = 0x1FFFFFFF // 2^29 - 1
	maxInt29  = 0x0FFFFFFF // 2^28 - 1
	minInt29  = -0x10000000
	maxRefIdx = 0x0FFFFFFF // reference indices share the U29 minus the inline bit
)

// Version selects the AMF encoding of a payload.
type Version uint8

const (
	AMF0 Version = 0
	AMF3 Version = 3
)
