// Package adapter describes the calls woven code makes into a logging
// adapter module. The weaver emits these references; adapters bind them.
package adapter

import (
	"github.com/smith-xyz/go-trace-weaver/pkg/bytecode"
)

const (
	GetLoggerMethod  = "GetLogger"
	TraceEnterMethod = "TraceEnter"
	TraceLeaveMethod = "TraceLeave"

	TimestampType   = "System.Diagnostics.Stopwatch"
	TimestampMethod = "GetTimestamp"

	// ReturnSlot and ExceptionSlot name the single value a leave event
	// carries for a return and for an exception exit.
	ReturnSlot    = "$return"
	ExceptionSlot = "$exception"
)

var (
	stringArray = bytecode.Array{Elem: bytecode.String}
	objectArray = bytecode.Array{Elem: bytecode.Object}
)

// Contract holds the adapter type names of one configuration.
type Contract struct {
	LogManager string
	Logger     string
}

func New(logManagerType, loggerType string) Contract {
	return Contract{LogManager: logManagerType, Logger: loggerType}
}

func (c Contract) LoggerType() bytecode.TypeRef {
	return bytecode.Named{Name: c.Logger}
}

// GetLogger is LogManager::GetLogger(type), returning the logger for a
// declaring type.
func (c Contract) GetLogger() *bytecode.MethodRef {
	return &bytecode.MethodRef{
		DeclaringType: bytecode.Named{Name: c.LogManager},
		Name:          GetLoggerMethod,
		Params:        []bytecode.TypeRef{bytecode.TypeHandle},
		Return:        c.LoggerType(),
	}
}

// TraceEnter is Logger::TraceEnter(methodIdentity, paramNames, paramValues).
func (c Contract) TraceEnter() *bytecode.MethodRef {
	return &bytecode.MethodRef{
		DeclaringType: c.LoggerType(),
		Name:          TraceEnterMethod,
		Params:        []bytecode.TypeRef{bytecode.String, stringArray, objectArray},
		Return:        bytecode.Void,
		HasThis:       true,
	}
}

// TraceLeave is Logger::TraceLeave(methodIdentity, startTicks, endTicks,
// returnNames, returnValues).
func (c Contract) TraceLeave() *bytecode.MethodRef {
	return &bytecode.MethodRef{
		DeclaringType: c.LoggerType(),
		Name:          TraceLeaveMethod,
		Params:        []bytecode.TypeRef{bytecode.String, bytecode.Int, bytecode.Int, stringArray, objectArray},
		Return:        bytecode.Void,
		HasThis:       true,
	}
}

// Facade maps a call on the static logging facade to the logger instance
// method that takes the same arguments followed by caller type and method.
func (c Contract) Facade(call *bytecode.MethodRef) *bytecode.MethodRef {
	params := make([]bytecode.TypeRef, 0, len(call.Params)+2)
	params = append(params, call.Params...)
	params = append(params, bytecode.String, bytecode.String)
	ret := call.Return
	if ret == nil {
		ret = bytecode.Void
	}
	return &bytecode.MethodRef{
		DeclaringType: c.LoggerType(),
		Name:          call.Name,
		Params:        params,
		Return:        ret,
		HasThis:       true,
	}
}

// Timestamp is the monotonic tick source read around every traced call.
func Timestamp() *bytecode.MethodRef {
	return &bytecode.MethodRef{
		DeclaringType: bytecode.Named{Name: TimestampType},
		Name:          TimestampMethod,
		Return:        bytecode.Int,
	}
}
