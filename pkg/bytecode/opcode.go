package bytecode

import "fmt"

type OpCode uint8

const (
	Nop OpCode = iota
	LdArg
	StArg
	LdLoc
	StLoc
	LdcI8
	LdStr
	LdNull
	LdType
	Add
	Sub
	Mul
	Div
	Ceq
	Clt
	Cgt
	Br
	BrTrue
	BrFalse
	Leave
	Call
	CallVirt
	NewObj
	LdFld
	StFld
	LdsFld
	StsFld
	NewArr
	LdElem
	StElem
	LdLen
	Box
	Dup
	Pop
	Ret
	Throw
	Rethrow
	opCount
)

type OperandKind uint8

const (
	OperandNone OperandKind = iota
	OperandIndex
	OperandInt
	OperandString
	OperandType
	OperandBranch
	OperandMethod
	OperandField
)

type opInfo struct {
	name    string
	operand OperandKind
}

var opTable = [opCount]opInfo{
	Nop:      {"nop", OperandNone},
	LdArg:    {"ldarg", OperandIndex},
	StArg:    {"starg", OperandIndex},
	LdLoc:    {"ldloc", OperandIndex},
	StLoc:    {"stloc", OperandIndex},
	LdcI8:    {"ldc", OperandInt},
	LdStr:    {"ldstr", OperandString},
	LdNull:   {"ldnull", OperandNone},
	LdType:   {"ldtype", OperandType},
	Add:      {"add", OperandNone},
	Sub:      {"sub", OperandNone},
	Mul:      {"mul", OperandNone},
	Div:      {"div", OperandNone},
	Ceq:      {"ceq", OperandNone},
	Clt:      {"clt", OperandNone},
	Cgt:      {"cgt", OperandNone},
	Br:       {"br", OperandBranch},
	BrTrue:   {"brtrue", OperandBranch},
	BrFalse:  {"brfalse", OperandBranch},
	Leave:    {"leave", OperandBranch},
	Call:     {"call", OperandMethod},
	CallVirt: {"callvirt", OperandMethod},
	NewObj:   {"newobj", OperandMethod},
	LdFld:    {"ldfld", OperandField},
	StFld:    {"stfld", OperandField},
	LdsFld:   {"ldsfld", OperandField},
	StsFld:   {"stsfld", OperandField},
	NewArr:   {"newarr", OperandType},
	LdElem:   {"ldelem", OperandNone},
	StElem:   {"stelem", OperandNone},
	LdLen:    {"ldlen", OperandNone},
	Box:      {"box", OperandType},
	Dup:      {"dup", OperandNone},
	Pop:      {"pop", OperandNone},
	Ret:      {"ret", OperandNone},
	Throw:    {"throw", OperandNone},
	Rethrow:  {"rethrow", OperandNone},
}

var opByName = func() map[string]OpCode {
	m := make(map[string]OpCode, opCount)
	for op := OpCode(0); op < opCount; op++ {
		m[opTable[op].name] = op
	}
	return m
}()

func (op OpCode) Valid() bool { return op < opCount }

func (op OpCode) String() string {
	if op.Valid() {
		return opTable[op].name
	}
	return fmt.Sprintf("op(%d)", uint8(op))
}

func (op OpCode) Operand() OperandKind {
	if op.Valid() {
		return opTable[op].operand
	}
	return OperandNone
}

func (op OpCode) IsBranch() bool { return op.Operand() == OperandBranch }

// Terminal reports whether control never falls through to the next instruction.
func (op OpCode) Terminal() bool {
	switch op {
	case Br, Leave, Ret, Throw, Rethrow:
		return true
	}
	return false
}

func LookupOpCode(name string) (OpCode, bool) {
	op, ok := opByName[name]
	return op, ok
}

type SequencePoint struct {
	File   string
	Line   int
	Column int
}

type Instruction struct {
	Op      OpCode
	Operand any
	Seq     *SequencePoint
}

// Op builds an instruction without a sequence point.
func Op(op OpCode, operand ...any) Instruction {
	ins := Instruction{Op: op}
	if len(operand) > 0 {
		ins.Operand = operand[0]
	}
	return ins
}

// Validate checks that the operand matches the shape the opcode expects.
func (ins Instruction) Validate() error {
	if !ins.Op.Valid() {
		return fmt.Errorf("unknown opcode %d", uint8(ins.Op))
	}
	ok := false
	switch ins.Op.Operand() {
	case OperandNone:
		ok = ins.Operand == nil
	case OperandIndex:
		v, isInt := ins.Operand.(int)
		ok = isInt && v >= 0
	case OperandInt:
		_, ok = ins.Operand.(int64)
	case OperandString:
		_, ok = ins.Operand.(string)
	case OperandType:
		t, isType := ins.Operand.(TypeRef)
		ok = isType && t != nil
	case OperandBranch:
		_, ok = ins.Operand.(Handle)
	case OperandMethod:
		r, isRef := ins.Operand.(*MethodRef)
		ok = isRef && r != nil
	case OperandField:
		r, isRef := ins.Operand.(*FieldRef)
		ok = isRef && r != nil
	}
	if !ok {
		return fmt.Errorf("%s: operand %T does not match", ins.Op, ins.Operand)
	}
	return nil
}

func (ins Instruction) String() string {
	switch v := ins.Operand.(type) {
	case nil:
		return ins.Op.String()
	case string:
		return fmt.Sprintf("%s %q", ins.Op, v)
	case Handle:
		return fmt.Sprintf("%s #%d", ins.Op, v)
	default:
		return fmt.Sprintf("%s %v", ins.Op, v)
	}
}
