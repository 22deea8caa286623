package bytecode

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
)

// Magic identifies a compiled module file; FormatVersion is bumped on any
// incompatible layout change (spec §6: "fixed header with magic bytes,
// format version, flags ... CRC32, and SHA-256 of the payload").
var Magic = [4]byte{'C', 'V', 'M', '1'}

const FormatVersion uint16 = 1

const (
	FlagDebugInfo       uint16 = 1 << 0
	FlagReflectionMeta  uint16 = 1 << 1
)

// Header is the fixed-size preamble, read before any payload byte.
type Header struct {
	Magic      [4]byte
	Version    uint16
	Flags      uint16
	PayloadLen uint32
	CRC32      uint32
	SHA256     [32]byte
}

const headerSize = 4 + 2 + 2 + 4 + 4 + 32

// Encode serializes m to the binary format described in spec §6.
func Encode(m *Module) ([]byte, error) {
	var payload bytes.Buffer
	w := &binWriter{w: &payload}

	w.u32(uint32(len(m.Functions)))
	for i := range m.Functions {
		w.function(&m.Functions[i])
	}
	w.u32(uint32(len(m.Classes)))
	for i := range m.Classes {
		w.class(&m.Classes[i])
	}
	w.u32(uint32(len(m.Globals)))
	for _, g := range m.Globals {
		w.str(g.Name)
		w.u32(g.InitializerID)
		w.u8(boolByte(g.HasInit))
	}
	w.u32(uint32(len(m.Exports)))
	for _, e := range m.Exports {
		w.str(e.Name)
		w.u8(byte(e.Kind))
		w.u32(e.ID)
	}
	w.u32(uint32(len(m.Imports)))
	for _, imp := range m.Imports {
		w.str(imp.ModuleName)
		w.str(imp.Name)
		w.u8(byte(imp.Kind))
	}

	flags := uint16(0)
	if m.HasDebugInfo {
		flags |= FlagDebugInfo
	}
	if m.HasReflectionMeta {
		flags |= FlagReflectionMeta
		w.u32(uint32(len(m.ReflectionMetadata)))
		w.bytes(m.ReflectionMetadata)
	}
	if w.err != nil {
		return nil, w.err
	}

	body := payload.Bytes()
	sum := sha256.Sum256(body)
	crc := crc32.ChecksumIEEE(body)

	var out bytes.Buffer
	out.Write(Magic[:])
	_ = binary.Write(&out, binary.LittleEndian, FormatVersion)
	_ = binary.Write(&out, binary.LittleEndian, flags)
	_ = binary.Write(&out, binary.LittleEndian, uint32(len(body)))
	_ = binary.Write(&out, binary.LittleEndian, crc)
	out.Write(sum[:])
	out.Write(body)
	return out.Bytes(), nil
}

// Decode parses and integrity-checks a module produced by Encode.
func Decode(data []byte) (*Module, error) {
	if len(data) < headerSize {
		return nil, fmt.Errorf("bytecode: truncated header (%d bytes)", len(data))
	}
	var hdr Header
	copy(hdr.Magic[:], data[0:4])
	if hdr.Magic != Magic {
		return nil, fmt.Errorf("bytecode: bad magic %q", hdr.Magic)
	}
	hdr.Version = binary.LittleEndian.Uint16(data[4:6])
	if hdr.Version != FormatVersion {
		return nil, fmt.Errorf("bytecode: unsupported version %d", hdr.Version)
	}
	hdr.Flags = binary.LittleEndian.Uint16(data[6:8])
	hdr.PayloadLen = binary.LittleEndian.Uint32(data[8:12])
	hdr.CRC32 = binary.LittleEndian.Uint32(data[12:16])
	copy(hdr.SHA256[:], data[16:48])

	body := data[headerSize:]
	if uint32(len(body)) != hdr.PayloadLen {
		return nil, fmt.Errorf("bytecode: payload length mismatch: header says %d, got %d", hdr.PayloadLen, len(body))
	}
	if crc32.ChecksumIEEE(body) != hdr.CRC32 {
		return nil, fmt.Errorf("bytecode: CRC32 mismatch, payload corrupt")
	}
	if sha256.Sum256(body) != hdr.SHA256 {
		return nil, fmt.Errorf("bytecode: SHA-256 mismatch, payload corrupt")
	}

	r := &binReader{r: bytes.NewReader(body)}
	m := &Module{
		HasDebugInfo:      hdr.Flags&FlagDebugInfo != 0,
		HasReflectionMeta: hdr.Flags&FlagReflectionMeta != 0,
	}

	fnCount := r.u32()
	m.Functions = make([]Function, fnCount)
	for i := range m.Functions {
		r.function(&m.Functions[i])
	}
	classCount := r.u32()
	m.Classes = make([]ClassDef, classCount)
	for i := range m.Classes {
		r.class(&m.Classes[i])
	}
	globalCount := r.u32()
	m.Globals = make([]Global, globalCount)
	for i := range m.Globals {
		m.Globals[i] = Global{Name: r.str(), InitializerID: r.u32(), HasInit: r.u8() != 0}
	}
	exportCount := r.u32()
	m.Exports = make([]Export, exportCount)
	for i := range m.Exports {
		m.Exports[i] = Export{Name: r.str(), Kind: ExportKind(r.u8()), ID: r.u32()}
	}
	importCount := r.u32()
	m.Imports = make([]Import, importCount)
	for i := range m.Imports {
		m.Imports[i] = Import{ModuleName: r.str(), Name: r.str(), Kind: ExportKind(r.u8())}
	}
	if m.HasReflectionMeta {
		n := r.u32()
		m.ReflectionMetadata = r.bytes(int(n))
	}
	if r.err != nil && r.err != io.EOF {
		return nil, r.err
	}
	return m, nil
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}

// binWriter accumulates encode errors rather than checking every write,
// matching the common Go idiom for many small sequential writes to an
// in-memory buffer that cannot itself fail (bytes.Buffer.Write never
// errors); err stays nil in practice and exists for forward-compatibility
// with an io.Writer-backed destination.
type binWriter struct {
	w   *bytes.Buffer
	err error
}

func (w *binWriter) u8(v byte) {
	if w.err != nil {
		return
	}
	w.err = w.w.WriteByte(v)
}

func (w *binWriter) u32(v uint32) {
	if w.err != nil {
		return
	}
	w.err = binary.Write(w.w, binary.LittleEndian, v)
}

func (w *binWriter) i32(v int32) { w.u32(uint32(v)) }

func (w *binWriter) f64(v float64) {
	if w.err != nil {
		return
	}
	w.err = binary.Write(w.w, binary.LittleEndian, v)
}

func (w *binWriter) bytes(b []byte) {
	if w.err != nil {
		return
	}
	_, w.err = w.w.Write(b)
}

func (w *binWriter) str(s string) {
	w.u32(uint32(len(s)))
	w.bytes([]byte(s))
}

func (w *binWriter) function(f *Function) {
	w.u32(f.ID)
	w.str(f.Name)
	w.u32(uint32(f.ParamCount))
	w.u32(uint32(f.LocalCount))
	w.u32(uint32(len(f.Code)))
	w.bytes(f.Code)
	w.u32(uint32(len(f.Constants)))
	for _, c := range f.Constants {
		w.u8(byte(c.Kind))
		switch c.Kind {
		case ConstInt:
			w.i32(c.Int)
		case ConstFloat:
			w.f64(c.Flt)
		case ConstStr:
			w.str(c.Str)
		case ConstFunc:
			w.u32(c.Func)
		}
	}
	w.u32(uint32(len(f.Lines)))
	for _, l := range f.Lines {
		w.u32(l.Offset)
		w.u32(l.Line)
		w.u32(l.Column)
	}
}

func (w *binWriter) class(c *ClassDef) {
	w.u32(c.ID)
	w.str(c.Name)
	w.u32(uint32(len(c.FieldNames)))
	for _, fn := range c.FieldNames {
		w.str(fn)
	}
	w.u32(uint32(len(c.Methods)))
	for name, id := range c.Methods {
		w.str(name)
		w.u32(id)
	}
	w.u32(c.ParentID)
	w.u8(boolByte(c.HasParent))
	w.u32(c.CtorFuncID)
	w.u8(boolByte(c.HasCtorFunc))
}

type binReader struct {
	r   *bytes.Reader
	err error
}

func (r *binReader) u8() byte {
	if r.err != nil {
		return 0
	}
	b, err := r.r.ReadByte()
	if err != nil {
		r.err = err
		return 0
	}
	return b
}

func (r *binReader) u32() uint32 {
	if r.err != nil {
		return 0
	}
	var v uint32
	r.err = binary.Read(r.r, binary.LittleEndian, &v)
	return v
}

func (r *binReader) i32() int32 { return int32(r.u32()) }

func (r *binReader) f64() float64 {
	if r.err != nil {
		return 0
	}
	var v float64
	r.err = binary.Read(r.r, binary.LittleEndian, &v)
	return v
}

func (r *binReader) bytes(n int) []byte {
	if r.err != nil || n == 0 {
		return nil
	}
	b := make([]byte, n)
	_, r.err = io.ReadFull(r.r, b)
	return b
}

func (r *binReader) str() string {
	n := r.u32()
	return string(r.bytes(int(n)))
}

func (r *binReader) function(f *Function) {
	f.ID = r.u32()
	f.Name = r.str()
	f.ParamCount = int(r.u32())
	f.LocalCount = int(r.u32())
	codeLen := r.u32()
	f.Code = r.bytes(int(codeLen))
	constCount := r.u32()
	f.Constants = make([]Constant, constCount)
	for i := range f.Constants {
		kind := ConstKind(r.u8())
		c := Constant{Kind: kind}
		switch kind {
		case ConstInt:
			c.Int = r.i32()
		case ConstFloat:
			c.Flt = r.f64()
		case ConstStr:
			c.Str = r.str()
		case ConstFunc:
			c.Func = r.u32()
		}
		f.Constants[i] = c
	}
	lineCount := r.u32()
	f.Lines = make([]LineEntry, lineCount)
	for i := range f.Lines {
		f.Lines[i] = LineEntry{Offset: r.u32(), Line: r.u32(), Column: r.u32()}
	}
}

func (r *binReader) class(c *ClassDef) {
	c.ID = r.u32()
	c.Name = r.str()
	fieldCount := r.u32()
	c.FieldNames = make([]string, fieldCount)
	for i := range c.FieldNames {
		c.FieldNames[i] = r.str()
	}
	methodCount := r.u32()
	c.Methods = make(map[string]uint32, methodCount)
	for i := uint32(0); i < methodCount; i++ {
		name := r.str()
		id := r.u32()
		c.Methods[name] = id
	}
	c.ParentID = r.u32()
	c.HasParent = r.u8() != 0
	c.CtorFuncID = r.u32()
	c.HasCtorFunc = r.u8() != 0
}
