package bytecode

import "fmt"

// Handle addresses an instruction inside one body. Handles stay valid across
// insertions, so branch targets and handler boundaries never need patching.
type Handle int32

const NoHandle Handle = -1

type Local struct {
	Name string
	Type TypeRef
}

// Handler is a catch region. End handles are exclusive; NoHandle as
// HandlerEnd means the handler runs to the end of the body.
type Handler struct {
	TryStart     Handle
	TryEnd       Handle
	HandlerStart Handle
	HandlerEnd   Handle
}

type Body struct {
	Locals   []Local
	Handlers []Handler

	arena []Instruction
	order []Handle
	index map[Handle]int
}

func (b *Body) Len() int { return len(b.order) }

func (b *Body) At(i int) Handle { return b.order[i] }

func (b *Body) Handles() []Handle {
	out := make([]Handle, len(b.order))
	copy(out, b.order)
	return out
}

func (b *Body) First() Handle {
	if len(b.order) == 0 {
		return NoHandle
	}
	return b.order[0]
}

func (b *Body) Last() Handle {
	if len(b.order) == 0 {
		return NoHandle
	}
	return b.order[len(b.order)-1]
}

// Contains reports whether h is part of the current instruction sequence.
func (b *Body) Contains(h Handle) bool {
	return b.IndexOf(h) >= 0
}

func (b *Body) IndexOf(h Handle) int {
	if h < 0 || int(h) >= len(b.arena) {
		return -1
	}
	if b.index == nil {
		b.index = make(map[Handle]int, len(b.order))
		for i, oh := range b.order {
			b.index[oh] = i
		}
	}
	if i, ok := b.index[h]; ok {
		return i
	}
	return -1
}

func (b *Body) Instr(h Handle) Instruction {
	return b.arena[h]
}

func (b *Body) Set(h Handle, ins Instruction) {
	b.arena[h] = ins
}

func (b *Body) SetSeq(h Handle, sp *SequencePoint) {
	b.arena[h].Seq = sp
}

// Next returns the handle following h, or NoHandle at the end of the body.
func (b *Body) Next(h Handle) Handle {
	i := b.IndexOf(h)
	if i < 0 || i+1 >= len(b.order) {
		return NoHandle
	}
	return b.order[i+1]
}

func (b *Body) Append(ins ...Instruction) []Handle {
	return b.Splice(len(b.order), ins...)
}

func (b *Body) Emit(op OpCode, operand ...any) Handle {
	return b.Append(Op(op, operand...))[0]
}

// Splice inserts instructions so that the first of them ends up at position i.
func (b *Body) Splice(i int, ins ...Instruction) []Handle {
	if i < 0 || i > len(b.order) {
		panic(fmt.Sprintf("bytecode: splice position %d out of range [0,%d]", i, len(b.order)))
	}
	handles := make([]Handle, len(ins))
	for n, in := range ins {
		handles[n] = Handle(len(b.arena))
		b.arena = append(b.arena, in)
	}
	order := make([]Handle, 0, len(b.order)+len(handles))
	order = append(order, b.order[:i]...)
	order = append(order, handles...)
	order = append(order, b.order[i:]...)
	b.order = order
	b.index = nil
	return handles
}

func (b *Body) AddLocal(name string, t TypeRef) int {
	b.Locals = append(b.Locals, Local{Name: name, Type: t})
	return len(b.Locals) - 1
}

func (b *Body) LocalIndex(name string) int {
	for i, l := range b.Locals {
		if l.Name == name {
			return i
		}
	}
	return -1
}

// Check verifies that every operand is well formed and every branch target
// and handler boundary refers to an instruction of this body.
func (b *Body) Check() error {
	for i, h := range b.order {
		ins := b.arena[h]
		if err := ins.Validate(); err != nil {
			return fmt.Errorf("instruction %d: %w", i, err)
		}
		if ins.Op.IsBranch() && !b.Contains(ins.Operand.(Handle)) {
			return fmt.Errorf("instruction %d: %s target is not in the body", i, ins.Op)
		}
		if ins.Op == LdLoc || ins.Op == StLoc {
			if ins.Operand.(int) >= len(b.Locals) {
				return fmt.Errorf("instruction %d: local %d out of range", i, ins.Operand.(int))
			}
		}
	}
	for n, hd := range b.Handlers {
		for _, h := range []Handle{hd.TryStart, hd.TryEnd, hd.HandlerStart} {
			if !b.Contains(h) {
				return fmt.Errorf("handler %d: boundary #%d is not in the body", n, h)
			}
		}
		if hd.HandlerEnd != NoHandle && !b.Contains(hd.HandlerEnd) {
			return fmt.Errorf("handler %d: end #%d is not in the body", n, hd.HandlerEnd)
		}
	}
	return nil
}
