package vm

import (
	"errors"
	"fmt"

	"github.com/smith-xyz/go-trace-weaver/pkg/bytecode"
)

type frame struct {
	m      *Machine
	def    *bytecode.MethodDef
	body   *bytecode.Body
	args   []Value
	locals []Value
	stack  []Value
	caught Value
}

func (f *frame) invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s: %s", ErrInvalidProgram, f.def.Key(), fmt.Sprintf(format, args...))
}

func (f *frame) push(v Value) { f.stack = append(f.stack, v) }

func (f *frame) pop() (Value, error) {
	if len(f.stack) == 0 {
		return nil, f.invalid("stack underflow")
	}
	v := f.stack[len(f.stack)-1]
	f.stack = f.stack[:len(f.stack)-1]
	return v, nil
}

func (f *frame) popN(n int) ([]Value, error) {
	if len(f.stack) < n {
		return nil, f.invalid("stack underflow")
	}
	out := make([]Value, n)
	copy(out, f.stack[len(f.stack)-n:])
	f.stack = f.stack[:len(f.stack)-n]
	return out, nil
}

func (f *frame) popInt() (int64, error) {
	v, err := f.pop()
	if err != nil {
		return 0, err
	}
	n, ok := v.(int64)
	if !ok {
		return 0, f.invalid("expected int, found %s", Format(v))
	}
	return n, nil
}

// handlerFor returns the position of the first handler whose try region
// covers pc.
func (f *frame) handlerFor(pc int) (int, bool) {
	for _, hd := range f.body.Handlers {
		start, end := f.body.IndexOf(hd.TryStart), f.body.IndexOf(hd.TryEnd)
		if start <= pc && pc < end {
			return f.body.IndexOf(hd.HandlerStart), true
		}
	}
	return 0, false
}

func (f *frame) run() (Value, error) {
	pc := 0
	for {
		if pc < 0 || pc >= f.body.Len() {
			return nil, f.invalid("control left the body")
		}
		next, ret, done, err := f.step(pc, f.body.Instr(f.body.At(pc)))
		if err != nil {
			var exc *Exception
			if !errors.As(err, &exc) {
				return nil, err
			}
			hpc, ok := f.handlerFor(pc)
			if !ok {
				return nil, err
			}
			f.stack = append(f.stack[:0], exc.Value)
			f.caught = exc.Value
			pc = hpc
			continue
		}
		if done {
			return ret, nil
		}
		pc = next
	}
}

func (f *frame) jump(h bytecode.Handle) (int, error) {
	i := f.body.IndexOf(h)
	if i < 0 {
		return 0, f.invalid("branch to #%d outside the body", h)
	}
	return i, nil
}

func (f *frame) step(pc int, ins bytecode.Instruction) (next int, ret Value, done bool, err error) {
	next = pc + 1
	switch ins.Op {
	case bytecode.Nop:
	case bytecode.LdArg, bytecode.StArg:
		i := ins.Operand.(int)
		if i >= len(f.args) {
			return 0, nil, false, f.invalid("argument %d out of range", i)
		}
		if ins.Op == bytecode.LdArg {
			f.push(f.args[i])
		} else if f.args[i], err = f.pop(); err != nil {
			return 0, nil, false, err
		}
	case bytecode.LdLoc:
		f.push(f.locals[ins.Operand.(int)])
	case bytecode.StLoc:
		if f.locals[ins.Operand.(int)], err = f.pop(); err != nil {
			return 0, nil, false, err
		}
	case bytecode.LdcI8:
		f.push(ins.Operand.(int64))
	case bytecode.LdStr:
		f.push(ins.Operand.(string))
	case bytecode.LdNull:
		f.push(nil)
	case bytecode.LdType:
		f.push(TypeValue{Type: ins.Operand.(bytecode.TypeRef)})
	case bytecode.Add, bytecode.Sub, bytecode.Mul, bytecode.Div, bytecode.Ceq, bytecode.Clt, bytecode.Cgt:
		err = f.binary(ins.Op)
	case bytecode.Br, bytecode.Leave:
		if ins.Op == bytecode.Leave {
			f.stack = f.stack[:0]
		}
		next, err = f.jump(ins.Operand.(bytecode.Handle))
	case bytecode.BrTrue, bytecode.BrFalse:
		var v Value
		if v, err = f.pop(); err != nil {
			return 0, nil, false, err
		}
		if truthy(v) == (ins.Op == bytecode.BrTrue) {
			next, err = f.jump(ins.Operand.(bytecode.Handle))
		}
	case bytecode.Call, bytecode.CallVirt:
		err = f.invoke(ins.Op, ins.Operand.(*bytecode.MethodRef))
	case bytecode.NewObj:
		err = f.newObj(ins.Operand.(*bytecode.MethodRef))
	case bytecode.LdFld, bytecode.StFld, bytecode.LdsFld, bytecode.StsFld:
		err = f.field(ins.Op, ins.Operand.(*bytecode.FieldRef))
	case bytecode.NewArr:
		var n int64
		if n, err = f.popInt(); err != nil {
			return 0, nil, false, err
		}
		if n < 0 {
			return 0, nil, false, NewException("System.OverflowException", "negative array size")
		}
		elem := ins.Operand.(bytecode.TypeRef)
		arr := &Array{Elem: elem, Items: make([]Value, n)}
		for i := range arr.Items {
			arr.Items[i] = zeroValue(elem)
		}
		f.push(arr)
	case bytecode.LdElem, bytecode.StElem, bytecode.LdLen:
		err = f.element(ins.Op)
	case bytecode.Box:
		if len(f.stack) == 0 {
			err = f.invalid("stack underflow")
		}
	case bytecode.Dup:
		var v Value
		if v, err = f.pop(); err == nil {
			f.push(v)
			f.push(v)
		}
	case bytecode.Pop:
		_, err = f.pop()
	case bytecode.Ret:
		if bytecode.IsVoid(f.def.ReturnType()) {
			return 0, nil, true, nil
		}
		ret, err = f.pop()
		return 0, ret, err == nil, err
	case bytecode.Throw:
		var v Value
		if v, err = f.pop(); err != nil {
			return 0, nil, false, err
		}
		if v == nil {
			return 0, nil, false, NewException("System.NullReferenceException", "throw of null")
		}
		return 0, nil, false, &Exception{Value: v}
	case bytecode.Rethrow:
		if f.caught == nil {
			return 0, nil, false, f.invalid("rethrow outside of a handler")
		}
		return 0, nil, false, &Exception{Value: f.caught}
	default:
		return 0, nil, false, f.invalid("unsupported opcode %s", ins.Op)
	}
	return next, nil, false, err
}

func (f *frame) binary(op bytecode.OpCode) error {
	operands, err := f.popN(2)
	if err != nil {
		return err
	}
	a, b := operands[0], operands[1]
	if op == bytecode.Ceq {
		f.push(boolValue(equal(a, b)))
		return nil
	}
	if sa, ok := a.(string); ok && op == bytecode.Add {
		sb, ok := b.(string)
		if !ok {
			return f.invalid("add of string and %s", Format(b))
		}
		f.push(sa + sb)
		return nil
	}
	x, ok1 := a.(int64)
	y, ok2 := b.(int64)
	if !ok1 || !ok2 {
		return f.invalid("%s on %s and %s", op, Format(a), Format(b))
	}
	switch op {
	case bytecode.Add:
		f.push(x + y)
	case bytecode.Sub:
		f.push(x - y)
	case bytecode.Mul:
		f.push(x * y)
	case bytecode.Div:
		if y == 0 {
			return NewException("System.DivideByZeroException", "attempted to divide by zero")
		}
		f.push(x / y)
	case bytecode.Clt:
		f.push(boolValue(x < y))
	case bytecode.Cgt:
		f.push(boolValue(x > y))
	}
	return nil
}

func equal(a, b Value) bool {
	ta, ok1 := a.(TypeValue)
	tb, ok2 := b.(TypeValue)
	if ok1 || ok2 {
		return ok1 && ok2 && bytecode.SameType(ta.Type, tb.Type)
	}
	return a == b
}

func boolValue(b bool) int64 {
	if b {
		return 1
	}
	return 0
}

func (f *frame) invoke(op bytecode.OpCode, ref *bytecode.MethodRef) error {
	n := len(ref.Params)
	if ref.HasThis {
		n++
	}
	args, err := f.popN(n)
	if err != nil {
		return err
	}
	if op == bytecode.CallVirt && ref.HasThis && args[0] == nil {
		return NewException("System.NullReferenceException", "call of "+ref.Key()+" on null")
	}
	t, err := f.m.resolve(ref)
	if err != nil {
		return err
	}
	var result Value
	if t.host != nil {
		result, err = t.host(args)
	} else {
		result, err = f.m.call(t.def, args)
	}
	if err != nil {
		return err
	}
	if !bytecode.IsVoid(ref.Return) {
		f.push(result)
	}
	return nil
}

func (f *frame) newObj(ref *bytecode.MethodRef) error {
	args, err := f.popN(len(ref.Params))
	if err != nil {
		return err
	}
	if fn, ok := f.m.funcs[ref.Key()]; ok {
		v, err := fn(args)
		if err != nil {
			return err
		}
		f.push(v)
		return nil
	}
	if err := f.m.checkOpen(ref.DeclaringType, ref.Name); err != nil {
		return err
	}
	obj := f.m.newObject(ref.DeclaringType)
	if def := f.m.mod.ResolveMethod(ref); def != nil {
		if _, err := f.m.call(def, append([]Value{obj}, args...)); err != nil {
			return err
		}
	} else if f.m.mod.FindType(bytecode.BaseName(ref.DeclaringType)) == nil || len(args) > 0 {
		return fmt.Errorf("%w: %s", ErrUnknownMethod, ref.Key())
	}
	f.push(obj)
	return nil
}

func (f *frame) field(op bytecode.OpCode, ref *bytecode.FieldRef) error {
	if err := f.m.checkOpen(ref.DeclaringType, ref.Name); err != nil {
		return err
	}
	switch op {
	case bytecode.LdsFld, bytecode.StsFld:
		typeName := bytecode.BaseName(ref.DeclaringType)
		if err := f.m.ensureInit(typeName); err != nil {
			return err
		}
		key := typeName + "::" + ref.Name
		if op == bytecode.LdsFld {
			f.push(f.m.statics[key])
			return nil
		}
		v, err := f.pop()
		if err != nil {
			return err
		}
		f.m.statics[key] = v
		return nil
	}

	var value Value
	if op == bytecode.StFld {
		v, err := f.pop()
		if err != nil {
			return err
		}
		value = v
	}
	target, err := f.pop()
	if err != nil {
		return err
	}
	if target == nil {
		return NewException("System.NullReferenceException", "field "+ref.Name+" of null")
	}
	obj, ok := target.(*Object)
	if !ok {
		return f.invalid("field %s of %s", ref.Name, Format(target))
	}
	if op == bytecode.LdFld {
		f.push(obj.Fields[ref.Name])
	} else {
		obj.Fields[ref.Name] = value
	}
	return nil
}

func (f *frame) element(op bytecode.OpCode) error {
	var value Value
	if op == bytecode.StElem {
		v, err := f.pop()
		if err != nil {
			return err
		}
		value = v
	}
	var index int64
	if op != bytecode.LdLen {
		i, err := f.popInt()
		if err != nil {
			return err
		}
		index = i
	}
	v, err := f.pop()
	if err != nil {
		return err
	}
	if v == nil {
		return NewException("System.NullReferenceException", "array access on null")
	}
	arr, ok := v.(*Array)
	if !ok {
		return f.invalid("%s on %s", op, Format(v))
	}
	if op == bytecode.LdLen {
		f.push(int64(len(arr.Items)))
		return nil
	}
	if index < 0 || index >= int64(len(arr.Items)) {
		return NewException("System.IndexOutOfRangeException", fmt.Sprintf("index %d outside [0,%d)", index, len(arr.Items)))
	}
	if op == bytecode.LdElem {
		f.push(arr.Items[index])
	} else {
		arr.Items[index] = value
	}
	return nil
}
