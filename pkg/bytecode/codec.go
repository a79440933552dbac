package bytecode

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/zeebo/xxh3"
)

var (
	ErrInvalidModule  = errors.New("invalid module")
	ErrInvalidSymbols = errors.New("invalid symbol file")
)

var (
	moduleMagic  = [4]byte{'B', 'C', 'M', '1'}
	symbolsMagic = [4]byte{'B', 'C', 'S', '1'}
)

const headerSize = 12

var encMode = func() cbor.EncMode {
	em, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	return em
}()

type moduleDTO struct {
	Name       string            `cbor:"name"`
	References []string          `cbor:"refs,omitempty"`
	Attributes map[string]string `cbor:"attrs,omitempty"`
	Types      []typeDTO         `cbor:"types,omitempty"`
}

type typeDTO struct {
	Namespace     string          `cbor:"ns,omitempty"`
	Name          string          `cbor:"name"`
	Visibility    uint8           `cbor:"vis"`
	GenericParams []string        `cbor:"gp,omitempty"`
	Generated     bool            `cbor:"gen,omitempty"`
	Annotations   []annotationDTO `cbor:"ann,omitempty"`
	Fields        []fieldDTO      `cbor:"fields,omitempty"`
	Methods       []methodDTO     `cbor:"methods,omitempty"`
	Nested        []typeDTO       `cbor:"nested,omitempty"`
}

type annotationDTO struct {
	Kind   uint8  `cbor:"kind"`
	Target *uint8 `cbor:"target,omitempty"`
}

type fieldDTO struct {
	Name       string `cbor:"name"`
	Type       string `cbor:"type"`
	Visibility uint8  `cbor:"vis"`
	Static     bool   `cbor:"static,omitempty"`
	Generated  bool   `cbor:"gen,omitempty"`
}

type paramDTO struct {
	Name string `cbor:"name"`
	Type string `cbor:"type"`
}

type methodDTO struct {
	Name          string          `cbor:"name"`
	Visibility    uint8           `cbor:"vis"`
	Static        bool            `cbor:"static,omitempty"`
	Generated     bool            `cbor:"gen,omitempty"`
	GenericParams []string        `cbor:"gp,omitempty"`
	Params        []paramDTO      `cbor:"params,omitempty"`
	Return        string          `cbor:"ret"`
	Annotations   []annotationDTO `cbor:"ann,omitempty"`
	Origin        string          `cbor:"origin,omitempty"`
	Body          *bodyDTO        `cbor:"body,omitempty"`
}

type bodyDTO struct {
	Locals   []paramDTO   `cbor:"locals,omitempty"`
	Handlers []handlerDTO `cbor:"handlers,omitempty"`
	Code     []instrDTO   `cbor:"code"`
}

type handlerDTO struct {
	TryStart     int `cbor:"ts"`
	TryEnd       int `cbor:"te"`
	HandlerStart int `cbor:"hs"`
	HandlerEnd   int `cbor:"he"`
}

type instrDTO struct {
	Op     uint8         `cbor:"op"`
	Int    int64         `cbor:"i,omitempty"`
	Str    string        `cbor:"s,omitempty"`
	Type   string        `cbor:"t,omitempty"`
	Method *methodRefDTO `cbor:"m,omitempty"`
	Field  *fieldRefDTO  `cbor:"f,omitempty"`
}

type methodRefDTO struct {
	Decl    string   `cbor:"decl"`
	Name    string   `cbor:"name"`
	Params  []string `cbor:"params,omitempty"`
	Return  string   `cbor:"ret"`
	HasThis bool     `cbor:"this,omitempty"`
}

type fieldRefDTO struct {
	Decl string `cbor:"decl"`
	Name string `cbor:"name"`
	Type string `cbor:"type"`
}

type symbolsDTO struct {
	Module  string               `cbor:"module"`
	Methods map[string][]lineDTO `cbor:"methods"`
}

type lineDTO struct {
	Offset int    `cbor:"o"`
	File   string `cbor:"f"`
	Line   int    `cbor:"l"`
	Column int    `cbor:"c,omitempty"`
}

// EncodeModule serializes mod. Sequence points are not part of the module
// payload; they travel in the symbol file.
func EncodeModule(mod *Module) ([]byte, error) {
	dto := moduleDTO{Name: mod.Name, References: mod.References, Attributes: mod.Attributes}
	for _, t := range mod.Types {
		td, err := encodeType(t)
		if err != nil {
			return nil, err
		}
		dto.Types = append(dto.Types, td)
	}
	payload, err := encMode.Marshal(dto)
	if err != nil {
		return nil, fmt.Errorf("failed to encode module: %w", err)
	}
	return frame(moduleMagic, payload), nil
}

func DecodeModule(data []byte) (*Module, error) {
	payload, err := unframe(moduleMagic, data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidModule, err)
	}
	var dto moduleDTO
	if err := cbor.Unmarshal(payload, &dto); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidModule, err)
	}
	mod := &Module{Name: dto.Name, References: dto.References, Attributes: dto.Attributes}
	for _, td := range dto.Types {
		t, err := decodeType(td)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidModule, err)
		}
		mod.Types = append(mod.Types, t)
	}
	if err := mod.Resolve(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidModule, err)
	}
	return mod, nil
}

func EncodeSymbols(st *SymbolTable) ([]byte, error) {
	dto := symbolsDTO{Module: st.Module, Methods: make(map[string][]lineDTO, len(st.Methods))}
	for key, entries := range st.Methods {
		lines := make([]lineDTO, len(entries))
		for i, e := range entries {
			lines[i] = lineDTO{Offset: e.Offset, File: e.File, Line: e.Line, Column: e.Column}
		}
		dto.Methods[key] = lines
	}
	payload, err := encMode.Marshal(dto)
	if err != nil {
		return nil, fmt.Errorf("failed to encode symbols: %w", err)
	}
	return frame(symbolsMagic, payload), nil
}

func DecodeSymbols(data []byte) (*SymbolTable, error) {
	payload, err := unframe(symbolsMagic, data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSymbols, err)
	}
	var dto symbolsDTO
	if err := cbor.Unmarshal(payload, &dto); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSymbols, err)
	}
	st := &SymbolTable{Module: dto.Module, Methods: make(map[string][]LineEntry, len(dto.Methods))}
	for key, lines := range dto.Methods {
		entries := make([]LineEntry, len(lines))
		for i, l := range lines {
			entries[i] = LineEntry{Offset: l.Offset, File: l.File, Line: l.Line, Column: l.Column}
		}
		st.Methods[key] = entries
	}
	return st, nil
}

func frame(magic [4]byte, payload []byte) []byte {
	out := make([]byte, headerSize, headerSize+len(payload))
	copy(out, magic[:])
	binary.BigEndian.PutUint64(out[4:], xxh3.Hash(payload))
	return append(out, payload...)
}

func unframe(magic [4]byte, data []byte) ([]byte, error) {
	if len(data) < headerSize {
		return nil, fmt.Errorf("truncated header (%d bytes)", len(data))
	}
	if !bytes.Equal(data[:4], magic[:]) {
		return nil, fmt.Errorf("bad magic %q", data[:4])
	}
	payload := data[headerSize:]
	if sum := binary.BigEndian.Uint64(data[4:headerSize]); sum != xxh3.Hash(payload) {
		return nil, fmt.Errorf("checksum mismatch")
	}
	return payload, nil
}

func encodeAnnotations(anns []Annotation) []annotationDTO {
	var out []annotationDTO
	for _, a := range anns {
		d := annotationDTO{Kind: uint8(a.Kind)}
		if a.Target != nil {
			v := uint8(*a.Target)
			d.Target = &v
		}
		out = append(out, d)
	}
	return out
}

func decodeAnnotations(ds []annotationDTO) ([]Annotation, error) {
	var out []Annotation
	for _, d := range ds {
		k := AnnotationKind(d.Kind)
		if k != AnnotationTraceOn && k != AnnotationNoTrace {
			return nil, fmt.Errorf("unknown annotation kind %d", d.Kind)
		}
		a := Annotation{Kind: k}
		if d.Target != nil {
			v := Visibility(*d.Target)
			if v > Public {
				return nil, fmt.Errorf("annotation target %d out of range", *d.Target)
			}
			a.Target = &v
		}
		out = append(out, a)
	}
	return out, nil
}

func encodeType(t *TypeDef) (typeDTO, error) {
	td := typeDTO{
		Namespace:     t.Namespace,
		Name:          t.Name,
		Visibility:    uint8(t.Visibility),
		GenericParams: t.GenericParams,
		Generated:     t.Generated,
		Annotations:   encodeAnnotations(t.Annotations),
	}
	for _, f := range t.Fields {
		td.Fields = append(td.Fields, fieldDTO{
			Name:       f.Name,
			Type:       f.Type.String(),
			Visibility: uint8(f.Visibility),
			Static:     f.Static,
			Generated:  f.Generated,
		})
	}
	for _, m := range t.Methods {
		md := methodDTO{
			Name:          m.Name,
			Visibility:    uint8(m.Visibility),
			Static:        m.Static,
			Generated:     m.Generated,
			GenericParams: m.GenericParams,
			Return:        m.ReturnType().String(),
			Annotations:   encodeAnnotations(m.Annotations),
			Origin:        m.Origin,
		}
		for _, p := range m.Params {
			md.Params = append(md.Params, paramDTO{Name: p.Name, Type: p.Type.String()})
		}
		if m.Body != nil {
			bd, err := encodeBody(m.Body)
			if err != nil {
				return td, fmt.Errorf("%s: %w", m.Name, err)
			}
			md.Body = bd
		}
		td.Methods = append(td.Methods, md)
	}
	for _, n := range t.Nested {
		nd, err := encodeType(n)
		if err != nil {
			return td, err
		}
		td.Nested = append(td.Nested, nd)
	}
	return td, nil
}

func encodeBody(b *Body) (*bodyDTO, error) {
	if err := b.Check(); err != nil {
		return nil, err
	}
	bd := &bodyDTO{Code: make([]instrDTO, 0, b.Len())}
	for _, l := range b.Locals {
		bd.Locals = append(bd.Locals, paramDTO{Name: l.Name, Type: l.Type.String()})
	}
	for _, h := range b.Handlers {
		end := -1
		if h.HandlerEnd != NoHandle {
			end = b.IndexOf(h.HandlerEnd)
		}
		bd.Handlers = append(bd.Handlers, handlerDTO{
			TryStart:     b.IndexOf(h.TryStart),
			TryEnd:       b.IndexOf(h.TryEnd),
			HandlerStart: b.IndexOf(h.HandlerStart),
			HandlerEnd:   end,
		})
	}
	for _, h := range b.order {
		ins := b.arena[h]
		d := instrDTO{Op: uint8(ins.Op)}
		switch v := ins.Operand.(type) {
		case int:
			d.Int = int64(v)
		case int64:
			d.Int = v
		case string:
			d.Str = v
		case TypeRef:
			d.Type = v.String()
		case Handle:
			d.Int = int64(b.IndexOf(v))
		case *MethodRef:
			d.Method = &methodRefDTO{
				Decl:    v.DeclaringType.String(),
				Name:    v.Name,
				Params:  typeStrings(v.Params),
				Return:  returnOrVoid(v.Return).String(),
				HasThis: v.HasThis,
			}
		case *FieldRef:
			d.Field = &fieldRefDTO{Decl: v.DeclaringType.String(), Name: v.Name, Type: v.Type.String()}
		}
		bd.Code = append(bd.Code, d)
	}
	return bd, nil
}

func returnOrVoid(t TypeRef) TypeRef {
	if t == nil {
		return Void
	}
	return t
}

func typeStrings(ts []TypeRef) []string {
	out := make([]string, len(ts))
	for i, t := range ts {
		out[i] = t.String()
	}
	return out
}

func parseTypes(ss []string) ([]TypeRef, error) {
	out := make([]TypeRef, len(ss))
	for i, s := range ss {
		t, err := ParseType(s)
		if err != nil {
			return nil, err
		}
		out[i] = t
	}
	return out, nil
}

func decodeType(td typeDTO) (*TypeDef, error) {
	if td.Visibility > uint8(Public) {
		return nil, fmt.Errorf("type %s: visibility %d out of range", td.Name, td.Visibility)
	}
	anns, err := decodeAnnotations(td.Annotations)
	if err != nil {
		return nil, fmt.Errorf("type %s: %w", td.Name, err)
	}
	t := &TypeDef{
		Namespace:     td.Namespace,
		Name:          td.Name,
		Visibility:    Visibility(td.Visibility),
		GenericParams: td.GenericParams,
		Generated:     td.Generated,
		Annotations:   anns,
	}
	for _, fd := range td.Fields {
		ft, err := ParseType(fd.Type)
		if err != nil {
			return nil, fmt.Errorf("field %s.%s: %w", td.Name, fd.Name, err)
		}
		t.Fields = append(t.Fields, &FieldDef{
			Name:       fd.Name,
			Type:       ft,
			Visibility: Visibility(fd.Visibility),
			Static:     fd.Static,
			Generated:  fd.Generated,
		})
	}
	for _, md := range td.Methods {
		m, err := decodeMethod(md)
		if err != nil {
			return nil, fmt.Errorf("method %s.%s: %w", td.Name, md.Name, err)
		}
		t.Methods = append(t.Methods, m)
	}
	for _, nd := range td.Nested {
		n, err := decodeType(nd)
		if err != nil {
			return nil, err
		}
		t.Nested = append(t.Nested, n)
	}
	return t, nil
}

func decodeMethod(md methodDTO) (*MethodDef, error) {
	if md.Visibility > uint8(Public) {
		return nil, fmt.Errorf("visibility %d out of range", md.Visibility)
	}
	anns, err := decodeAnnotations(md.Annotations)
	if err != nil {
		return nil, err
	}
	ret, err := ParseType(md.Return)
	if err != nil {
		return nil, err
	}
	m := &MethodDef{
		Name:          md.Name,
		Visibility:    Visibility(md.Visibility),
		Static:        md.Static,
		Generated:     md.Generated,
		GenericParams: md.GenericParams,
		Return:        ret,
		Annotations:   anns,
		Origin:        md.Origin,
	}
	for _, pd := range md.Params {
		pt, err := ParseType(pd.Type)
		if err != nil {
			return nil, err
		}
		m.Params = append(m.Params, Param{Name: pd.Name, Type: pt})
	}
	if md.Body != nil {
		b, err := decodeBody(md.Body)
		if err != nil {
			return nil, err
		}
		m.Body = b
	}
	return m, nil
}

func decodeBody(bd *bodyDTO) (*Body, error) {
	b := &Body{}
	for _, ld := range bd.Locals {
		lt, err := ParseType(ld.Type)
		if err != nil {
			return nil, err
		}
		b.AddLocal(ld.Name, lt)
	}
	// A freshly decoded body has handle i at offset i.
	handle := func(offset int) Handle {
		if offset < 0 || offset >= len(bd.Code) {
			return NoHandle
		}
		return Handle(offset)
	}
	for i, d := range bd.Code {
		op := OpCode(d.Op)
		if !op.Valid() {
			return nil, fmt.Errorf("instruction %d: unknown opcode %d", i, d.Op)
		}
		ins := Instruction{Op: op}
		switch op.Operand() {
		case OperandIndex:
			ins.Operand = int(d.Int)
		case OperandInt:
			ins.Operand = d.Int
		case OperandString:
			ins.Operand = d.Str
		case OperandType:
			t, err := ParseType(d.Type)
			if err != nil {
				return nil, fmt.Errorf("instruction %d: %w", i, err)
			}
			ins.Operand = t
		case OperandBranch:
			ins.Operand = handle(int(d.Int))
		case OperandMethod:
			if d.Method == nil {
				return nil, fmt.Errorf("instruction %d: %s without method", i, op)
			}
			r, err := decodeMethodRef(d.Method)
			if err != nil {
				return nil, fmt.Errorf("instruction %d: %w", i, err)
			}
			ins.Operand = r
		case OperandField:
			if d.Field == nil {
				return nil, fmt.Errorf("instruction %d: %s without field", i, op)
			}
			decl, err := ParseType(d.Field.Decl)
			if err != nil {
				return nil, fmt.Errorf("instruction %d: %w", i, err)
			}
			ft, err := ParseType(d.Field.Type)
			if err != nil {
				return nil, fmt.Errorf("instruction %d: %w", i, err)
			}
			ins.Operand = &FieldRef{DeclaringType: decl, Name: d.Field.Name, Type: ft}
		}
		b.Append(ins)
	}
	for _, hd := range bd.Handlers {
		end := NoHandle
		if hd.HandlerEnd >= 0 {
			end = handle(hd.HandlerEnd)
			if end == NoHandle {
				return nil, fmt.Errorf("handler end %d out of range", hd.HandlerEnd)
			}
		}
		b.Handlers = append(b.Handlers, Handler{
			TryStart:     handle(hd.TryStart),
			TryEnd:       handle(hd.TryEnd),
			HandlerStart: handle(hd.HandlerStart),
			HandlerEnd:   end,
		})
	}
	if err := b.Check(); err != nil {
		return nil, err
	}
	return b, nil
}

func decodeMethodRef(d *methodRefDTO) (*MethodRef, error) {
	decl, err := ParseType(d.Decl)
	if err != nil {
		return nil, err
	}
	params, err := parseTypes(d.Params)
	if err != nil {
		return nil, err
	}
	ret, err := ParseType(d.Return)
	if err != nil {
		return nil, err
	}
	return &MethodRef{DeclaringType: decl, Name: d.Name, Params: params, Return: ret, HasThis: d.HasThis}, nil
}
