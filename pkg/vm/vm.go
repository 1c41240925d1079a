// Package vm defines the surface the debug server needs from the host
// Silk interpreter: proc lookup, disassembly, value reflection and
// instruction hooking. The host process provides the implementation;
// everything in this package is a contract, not a mechanism.
package vm

import "fmt"

// Ref identifies a value owned by the interpreter. It is a capability
// handle, not ownership: the interpreter manages the referenced value's
// lifetime. Refs are small, copyable and cross the protocol boundary.
type Ref struct {
	Tag  uint8  `json:"tag"`
	Data uint32 `json:"data"`
}

func (r Ref) String() string {
	return fmt.Sprintf("ref(%d:%d)", r.Tag, r.Data)
}

// Instr is one decoded bytecode instruction.
type Instr struct {
	// Offset of the instruction within the proc's compiled form.
	Offset uint32
	// Bytes is the raw encoding of the instruction.
	Bytes []byte
	// Op is the decoded mnemonic.
	Op string
	// Line is the source line carried by a line annotation
	// instruction, or -1 for ordinary instructions.
	Line int32
}

// Binding is a named slot in a stack frame.
type Binding struct {
	Name  string
	Value Ref
}

// Frame is one entry of the interpreter's active call stack.
type Frame struct {
	// ProcPath is the path of the proc executing in this frame.
	ProcPath string
	// Offset is the frame's current bytecode offset.
	Offset uint32
	// Args holds the frame's argument bindings.
	Args []Binding
	// Locals holds the frame's local variable bindings.
	Locals []Binding
}

// Proc is a function-like unit in the interpreter, resolved through
// Interp.FindProc. Not guaranteed stable if the target program
// redefines procs.
type Proc interface {
	Path() string
	Override() int
	// Disassemble decodes the proc's bytecode into ordered
	// instructions. A non-nil error may accompany a non-empty
	// prefix: instructions decoded before the failure point are
	// still valid.
	Disassemble() ([]Instr, error)
}

// Value is a reflective view of an interpreter value.
type Value interface {
	// Ref returns the handle identifying this value.
	Ref() Ref
	// Get reads the named property.
	Get(name string) (Value, error)
	// Len treats the value as a list and returns its length.
	Len() (int, error)
	// Index treats the value as a list and returns element i.
	Index(i int) (Value, error)
	// Text coerces the value to a string.
	Text() (string, error)
	// String renders the value for display, including type
	// information where the interpreter has it.
	String() string
}

// Interp is the introspection surface of the host interpreter. All
// methods must be called from the interpreter's own execution thread.
type Interp interface {
	// FindProc looks up a proc by path and override index.
	FindProc(path string, override int) (Proc, bool)
	// Deref resolves a value handle. Fails if the handle does not
	// name a live value.
	Deref(ref Ref) (Value, error)
	// Globals returns the interpreter's global-variable table.
	Globals() Value
	// World returns the handle of the process-global singleton.
	// The singleton does not expose a conventional "vars" property;
	// its variables are read from Globals instead.
	World() Ref
	// CallStack snapshots the active call stack, innermost frame
	// first.
	CallStack() []Frame
}

// Hooker installs and removes execution traps at bytecode offsets.
// When a hooked instruction executes, the host must call the
// dispatcher's HandleBreakpoint synchronously on the interpreter
// thread. Idempotency of Hook/Unhook is the host's concern.
type Hooker interface {
	Hook(p Proc, offset uint32) error
	Unhook(p Proc, offset uint32) error
}
