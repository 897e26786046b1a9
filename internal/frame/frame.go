package frame

import (
	"fmt"
	"reflect"
	"runtime"
	"strings"
	"sync"
	"unicode/utf8"
)

// MaxArgumentsLength is the maximum length of an argument snapshot, ellipsis included.
const MaxArgumentsLength = 100

const rootID = "<root>"

type (
	// Frame identifies a function: the package it lives in and its name
	// within that package, methods and closures included.
	Frame struct {
		Module   string `json:"module,omitempty"`
		Function string `json:"function,omitempty"`
	}
)

// Root is the synthetic caller of every top-level call.
var Root = Frame{Function: rootID}

var symbols sync.Map // pc -> Frame

// ID returns the fully-qualified identity of the function.
func (f Frame) ID() string {
	if f.IsRoot() {
		return rootID
	}
	if f.Module == "" {
		return f.Function
	}
	return f.Module + "." + f.Function
}

func (f Frame) String() string {
	return f.ID()
}

func (f Frame) IsRoot() bool {
	return f.Module == "" && f.Function == rootID
}

func (f Frame) IsZero() bool {
	return f.Module == "" && f.Function == ""
}

// Parse splits a runtime symbol name such as
// "github.com/getsentry/calltrace/internal/session.(*Coordinator).Wrap.func1"
// into its package path and its function name.
func Parse(symbol string) Frame {
	if symbol == rootID {
		return Root
	}
	slash := strings.LastIndexByte(symbol, '/')
	dot := strings.IndexByte(symbol[slash+1:], '.')
	if dot < 0 {
		return Frame{Function: symbol}
	}
	dot += slash + 1
	return Frame{
		// the linker escapes dots in the last path element
		Module:   strings.ReplaceAll(symbol[:dot], "%2e", "."),
		Function: symbol[dot+1:],
	}
}

// FromPC resolves the function containing pc.
func FromPC(pc uintptr) Frame {
	if f, ok := symbols.Load(pc); ok {
		return f.(Frame)
	}
	fn := runtime.FuncForPC(pc)
	if fn == nil {
		return Frame{}
	}
	f := Parse(fn.Name())
	symbols.Store(pc, f)
	return f
}

// Caller returns the frame of the function skip levels above the caller of Caller.
func Caller(skip int) Frame {
	pc, _, _, ok := runtime.Caller(skip + 1)
	if !ok {
		return Frame{}
	}
	return FromPC(pc)
}

// FromFunc returns the frame of a function value.
func FromFunc(fn any) Frame {
	v := reflect.ValueOf(fn)
	if v.Kind() != reflect.Func || v.IsNil() {
		return Frame{}
	}
	return FromPC(v.Pointer())
}

// InModules reports whether the frame's module is one of the given module
// paths or nested below one of them.
func (f Frame) InModules(modules []string) bool {
	for _, m := range modules {
		if m == "" {
			continue
		}
		if f.Module == m || strings.HasPrefix(f.Module, strings.TrimSuffix(m, "/")+"/") {
			return true
		}
	}
	return false
}

// ArgumentsSnapshot formats arguments into a string no longer than
// MaxArgumentsLength runes.
func ArgumentsSnapshot(args ...any) string {
	if len(args) == 0 {
		return ""
	}
	s := strings.TrimSuffix(fmt.Sprintln(args...), "\n")
	return Truncate(s, MaxArgumentsLength)
}

// Truncate shortens s to at most n runes, marking the cut with an ellipsis.
func Truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	if n <= 3 {
		return strings.Repeat(".", n)
	}
	runes := []rune(s)
	return string(runes[:n-3]) + "..."
}
