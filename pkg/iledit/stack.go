package iledit

import (
	"errors"
	"fmt"

	"github.com/smith-xyz/go-trace-weaver/pkg/bytecode"
)

var ErrStackShape = errors.New("unknown stack shape")

// StackDepths computes the evaluation stack depth in front of every reachable
// instruction of m. A handler starts with the caught exception on the stack;
// leave empties it. An instruction reached with two different depths, an
// underflow, a ret that does not find exactly the return value, or a path
// that runs off the end of the body is an ErrStackShape.
func StackDepths(m *bytecode.MethodDef) (map[bytecode.Handle]int, error) {
	body := m.Body
	depths := make(map[bytecode.Handle]int)
	if body == nil || body.Len() == 0 {
		return depths, nil
	}

	var work []bytecode.Handle
	reach := func(h bytecode.Handle, d int) error {
		if prev, ok := depths[h]; ok {
			if prev != d {
				return fmt.Errorf("%w: #%d reached with depth %d and %d", ErrStackShape, h, prev, d)
			}
			return nil
		}
		depths[h] = d
		work = append(work, h)
		return nil
	}

	if err := reach(body.First(), 0); err != nil {
		return nil, err
	}
	for _, hd := range body.Handlers {
		if err := reach(hd.HandlerStart, 1); err != nil {
			return nil, err
		}
	}

	for len(work) > 0 {
		h := work[len(work)-1]
		work = work[:len(work)-1]
		ins := body.Instr(h)
		in := depths[h]
		pop, push := stackEffect(m, ins)
		if in < pop {
			return nil, fmt.Errorf("%w: %s at #%d needs %d values, has %d", ErrStackShape, ins.Op, h, pop, in)
		}
		out := in - pop + push

		var err error
		switch ins.Op {
		case bytecode.Ret:
			if in != pop {
				err = fmt.Errorf("%w: ret at #%d leaves %d extra values", ErrStackShape, h, in-pop)
			}
			if err != nil {
				return nil, err
			}
			continue
		case bytecode.Throw, bytecode.Rethrow:
			continue
		case bytecode.Leave:
			if err = reach(ins.Operand.(bytecode.Handle), 0); err != nil {
				return nil, err
			}
			continue
		case bytecode.Br:
			if err = reach(ins.Operand.(bytecode.Handle), out); err != nil {
				return nil, err
			}
			continue
		case bytecode.BrTrue, bytecode.BrFalse:
			if err = reach(ins.Operand.(bytecode.Handle), out); err != nil {
				return nil, err
			}
		}

		next := body.Next(h)
		if next == bytecode.NoHandle {
			return nil, fmt.Errorf("%w: control runs off the end after #%d", ErrStackShape, h)
		}
		if err = reach(next, out); err != nil {
			return nil, err
		}
	}
	return depths, nil
}

func stackEffect(m *bytecode.MethodDef, ins bytecode.Instruction) (pop, push int) {
	switch ins.Op {
	case bytecode.LdArg, bytecode.LdLoc, bytecode.LdcI8, bytecode.LdStr,
		bytecode.LdNull, bytecode.LdType, bytecode.LdsFld:
		return 0, 1
	case bytecode.StArg, bytecode.StLoc, bytecode.StsFld, bytecode.Pop,
		bytecode.BrTrue, bytecode.BrFalse, bytecode.Throw:
		return 1, 0
	case bytecode.Add, bytecode.Sub, bytecode.Mul, bytecode.Div,
		bytecode.Ceq, bytecode.Clt, bytecode.Cgt, bytecode.LdElem:
		return 2, 1
	case bytecode.LdFld, bytecode.NewArr, bytecode.LdLen, bytecode.Box:
		return 1, 1
	case bytecode.StFld:
		return 2, 0
	case bytecode.StElem:
		return 3, 0
	case bytecode.Dup:
		return 1, 2
	case bytecode.Call, bytecode.CallVirt:
		ref := ins.Operand.(*bytecode.MethodRef)
		pop = len(ref.Params)
		if ref.HasThis {
			pop++
		}
		if !bytecode.IsVoid(ref.Return) {
			push = 1
		}
		return pop, push
	case bytecode.NewObj:
		return len(ins.Operand.(*bytecode.MethodRef).Params), 1
	case bytecode.Ret:
		if !bytecode.IsVoid(m.ReturnType()) {
			return 1, 0
		}
	}
	return 0, 0
}
