package image

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

// Layout of the image header and procedure records.
const (
	HeaderSize     = 42 // boot code and return pads
	ProcRecordSize = 24

	// Procedure record field offsets.
	ProcFieldName      = 0
	ProcFieldFlags     = 4
	ProcFieldTime      = 8
	ProcFieldCondition = 12
	ProcFieldBody      = 16
	ProcFieldArgs      = 20

	MaxImageSize  = 4 * 1024 * 1024
	MaxProcedures = 4096
)

// Return pads inside the header. Host-initiated calls push one of these as
// the callee's return address.
const (
	PadTriggerReturn       = 20
	PadExecuteReturn       = 24
	PadExternTriggerReturn = 28
	PadExternExecuteReturn = 32
	PadExternCallReturn    = 36
)

// Image errors.
var (
	ErrMalformedImage = errors.New("malformed image")
	ErrTooLarge       = errors.New("image too large")
	ErrNoProcedure    = errors.New("procedure index out of range")
	ErrBadOffset      = errors.New("offset outside blob")
)

// Image is a parsed, read-only view over a bytecode image.
type Image struct {
	Name string

	data        []byte
	procedures  int // offset of the procedure count
	procCount   int
	identifiers int // offset of the identifiers length prefix
	strings     int // offset of the static strings length prefix
	code        int // first byte after the static strings blob
}

// Procedure is a decoded procedure record.
type Procedure struct {
	Name      string
	NameOff   int32
	Flags     int32
	Time      int32
	Condition int32
	Body      int32
	Args      int32
}

// Parse validates data and returns an image view. The slice is retained.
func Parse(name string, data []byte) (*Image, error) {
	if len(data) > MaxImageSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrTooLarge, len(data))
	}
	if len(data) < HeaderSize+4 {
		return nil, fmt.Errorf("%w: %d bytes is shorter than the header", ErrMalformedImage, len(data))
	}

	img := &Image{Name: name, data: data, procedures: HeaderSize}

	count := int(int32(binary.BigEndian.Uint32(data[HeaderSize:])))
	if count < 1 || count > MaxProcedures {
		return nil, fmt.Errorf("%w: procedure count %d", ErrMalformedImage, count)
	}
	img.procCount = count

	img.identifiers = HeaderSize + 4 + count*ProcRecordSize
	if img.identifiers+4 > len(data) {
		return nil, fmt.Errorf("%w: procedure table truncated", ErrMalformedImage)
	}
	idLen := int(int32(binary.BigEndian.Uint32(data[img.identifiers:])))
	if idLen < 0 || img.identifiers+4+idLen+4 > len(data) {
		return nil, fmt.Errorf("%w: identifiers blob truncated", ErrMalformedImage)
	}

	img.strings = img.identifiers + 4 + idLen
	strLen := int(int32(binary.BigEndian.Uint32(data[img.strings:])))
	if strLen < 0 || img.strings+4+strLen > len(data) {
		return nil, fmt.Errorf("%w: static strings blob truncated", ErrMalformedImage)
	}
	img.code = img.strings + 4 + strLen

	for i := 0; i < count; i++ {
		p := img.Procedure(i)
		if _, err := img.Identifier(p.NameOff); err != nil {
			return nil, fmt.Errorf("%w: procedure %d name: %v", ErrMalformedImage, i, err)
		}
		if p.Body < 0 || int(p.Body) >= len(data) {
			return nil, fmt.Errorf("%w: procedure %d body %d", ErrMalformedImage, i, p.Body)
		}
	}

	return img, nil
}

// Bytes returns the raw image.
func (img *Image) Bytes() []byte { return img.data }

// Len returns the image size in bytes.
func (img *Image) Len() int { return len(img.data) }

// ProcCount returns the number of procedure records.
func (img *Image) ProcCount() int { return img.procCount }

// CodeStart returns the offset of the first code byte after the tables.
func (img *Image) CodeStart() int { return img.code }

// ProcTable returns a copy of the procedure table including its count
// prefix. The interpreter mutates trigger fields in its own copy.
func (img *Image) ProcTable() []byte {
	end := img.procedures + 4 + img.procCount*ProcRecordSize
	return append([]byte(nil), img.data[img.procedures:end]...)
}

// Procedure decodes record i from the pristine table.
func (img *Image) Procedure(i int) Procedure {
	rec := img.data[img.procedures+4+i*ProcRecordSize:]
	p := DecodeProcedure(rec)
	p.Name, _ = img.Identifier(p.NameOff)
	return p
}

// DecodeProcedure reads a procedure record, without resolving its name.
func DecodeProcedure(rec []byte) Procedure {
	return Procedure{
		NameOff:   int32(binary.BigEndian.Uint32(rec[ProcFieldName:])),
		Flags:     int32(binary.BigEndian.Uint32(rec[ProcFieldFlags:])),
		Time:      int32(binary.BigEndian.Uint32(rec[ProcFieldTime:])),
		Condition: int32(binary.BigEndian.Uint32(rec[ProcFieldCondition:])),
		Body:      int32(binary.BigEndian.Uint32(rec[ProcFieldBody:])),
		Args:      int32(binary.BigEndian.Uint32(rec[ProcFieldArgs:])),
	}
}

// Identifier returns the name at off within the identifiers blob. Offsets
// count from the blob's length prefix.
func (img *Image) Identifier(off int32) (string, error) {
	return cstring(img.data, img.identifiers, img.strings, int(off))
}

// StaticString returns the static string at off. Offsets count from the
// first byte after the blob's length prefix.
func (img *Image) StaticString(off int32) (string, error) {
	return cstring(img.data, img.strings+4, img.code, int(off))
}

// Word reads a big-endian 16-bit word at pos.
func (img *Image) Word(pos int) (uint16, bool) {
	if pos < 0 || pos+2 > len(img.data) {
		return 0, false
	}
	return binary.BigEndian.Uint16(img.data[pos:]), true
}

// Long reads a big-endian 32-bit word at pos.
func (img *Image) Long(pos int) (int32, bool) {
	if pos < 0 || pos+4 > len(img.data) {
		return 0, false
	}
	return int32(binary.BigEndian.Uint32(img.data[pos:])), true
}

func cstring(data []byte, start, end, off int) (string, error) {
	pos := start + off
	if off < 0 || pos >= end {
		return "", fmt.Errorf("%w: %d", ErrBadOffset, off)
	}
	n := bytes.IndexByte(data[pos:end], 0)
	if n < 0 {
		return "", fmt.Errorf("%w: unterminated string at %d", ErrBadOffset, off)
	}
	return string(data[pos : pos+n]), nil
}
