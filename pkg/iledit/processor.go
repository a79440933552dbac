// Package iledit edits method bodies in place while keeping branch targets,
// handler boundaries and sequence points consistent.
package iledit

import (
	"errors"
	"fmt"

	"github.com/smith-xyz/go-trace-weaver/pkg/bytecode"
)

var ErrForeignHandle = errors.New("handle does not belong to this body")

type Processor struct {
	body *bytecode.Body
}

func NewProcessor(body *bytecode.Body) *Processor {
	return &Processor{body: body}
}

func (p *Processor) Body() *bytecode.Body { return p.body }

func (p *Processor) position(target bytecode.Handle) (int, error) {
	i := p.body.IndexOf(target)
	if i < 0 {
		return 0, fmt.Errorf("%w: #%d", ErrForeignHandle, target)
	}
	return i, nil
}

// InsertBefore places ins in front of target. Branches and handlers that
// referenced target still reference it; the sequence point of target moves to
// the first inserted instruction so that the source line is reached first.
func (p *Processor) InsertBefore(target bytecode.Handle, ins ...bytecode.Instruction) ([]bytecode.Handle, error) {
	i, err := p.position(target)
	if err != nil {
		return nil, err
	}
	if len(ins) == 0 {
		return nil, nil
	}
	handles := p.body.Splice(i, ins...)
	moved := p.body.Instr(target).Seq
	if moved != nil && p.body.Instr(handles[0]).Seq == nil {
		p.body.SetSeq(handles[0], moved)
		p.body.SetSeq(target, nil)
	}
	return handles, nil
}

// InsertBeforeRetarget places ins in front of target so that every branch and
// handler boundary that reached target now reaches the inserted code. The
// first returned handle is target itself, which from now on holds ins[0]; the
// last returned handle holds the original instruction.
func (p *Processor) InsertBeforeRetarget(target bytecode.Handle, ins ...bytecode.Instruction) ([]bytecode.Handle, error) {
	i, err := p.position(target)
	if err != nil {
		return nil, err
	}
	if len(ins) == 0 {
		return []bytecode.Handle{target}, nil
	}
	original := p.body.Instr(target)
	first := ins[0]
	if first.Seq == nil {
		first.Seq = original.Seq
	}
	original.Seq = nil
	p.body.Set(target, first)
	rest := append(append([]bytecode.Instruction(nil), ins[1:]...), original)
	handles := p.body.Splice(i+1, rest...)
	return append([]bytecode.Handle{target}, handles...), nil
}

func (p *Processor) InsertAfter(target bytecode.Handle, ins ...bytecode.Instruction) ([]bytecode.Handle, error) {
	i, err := p.position(target)
	if err != nil {
		return nil, err
	}
	return p.body.Splice(i+1, ins...), nil
}

func (p *Processor) Append(ins ...bytecode.Instruction) []bytecode.Handle {
	return p.body.Append(ins...)
}

// Replace swaps the instruction at target, keeping its sequence point unless
// ins brings its own.
func (p *Processor) Replace(target bytecode.Handle, ins bytecode.Instruction) error {
	if _, err := p.position(target); err != nil {
		return err
	}
	if ins.Seq == nil {
		ins.Seq = p.body.Instr(target).Seq
	}
	p.body.Set(target, ins)
	return nil
}

func (p *Processor) NewLocal(name string, t bytecode.TypeRef) int {
	return p.body.AddLocal(name, t)
}

// Returns lists every ret instruction in body order.
func (p *Processor) Returns() []bytecode.Handle {
	var out []bytecode.Handle
	for _, h := range p.body.Handles() {
		if p.body.Instr(h).Op == bytecode.Ret {
			out = append(out, h)
		}
	}
	return out
}

// FallsThrough reports whether execution can run off the end of the body.
func (p *Processor) FallsThrough() bool {
	last := p.body.Last()
	if last == bytecode.NoHandle {
		return true
	}
	return !p.body.Instr(last).Op.Terminal()
}

// SelfType is the reference code inside t must use for t itself. For a
// generic type that is the instance over its own parameters; the bare name
// would denote the open definition.
func SelfType(t *bytecode.TypeDef) bytecode.TypeRef {
	return bytecode.SelfType(t)
}

// FieldOf references f as a member of t's self type.
func FieldOf(t *bytecode.TypeDef, f *bytecode.FieldDef) *bytecode.FieldRef {
	return &bytecode.FieldRef{DeclaringType: SelfType(t), Name: f.Name, Type: f.Type}
}
