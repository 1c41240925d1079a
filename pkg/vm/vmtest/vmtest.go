// Package vmtest provides a scripted implementation of the vm
// interfaces for tests and for the `silkdbg mock` command. Procs,
// values and call stacks are declared up front; the debug server then
// runs against them exactly as it would against a live interpreter.
package vmtest

import (
	"fmt"

	"github.com/silkvm/silkdbg/pkg/vm"
)

const (
	tagWorld   = 1
	tagGlobals = 2
	tagValue   = 3
)

// Interp is a scripted vm.Interp. All mutating methods must be called
// before handing the interpreter to a server.
type Interp struct {
	procs    map[string]*proc
	values   map[vm.Ref]*value
	stack    []vm.Frame
	nextData uint32

	worldRef    vm.Ref
	globalsRef  vm.Ref
	globalNames vm.Ref
}

// New returns an interpreter with a world singleton and an empty
// global-variable table.
func New() *Interp {
	in := &Interp{
		procs:  make(map[string]*proc),
		values: make(map[vm.Ref]*value),
	}
	in.worldRef = vm.Ref{Tag: tagWorld, Data: 1}
	in.values[in.worldRef] = &value{ref: in.worldRef, display: "world", fields: make(map[string]vm.Ref)}
	in.globalNames = in.DefList()
	// The globals table doubles as a list of global names so that
	// both the "vars" property and direct list iteration see them.
	in.globalsRef = vm.Ref{Tag: tagGlobals, Data: 0}
	in.values[in.globalsRef] = &value{
		ref:     in.globalsRef,
		display: "globals",
		fields:  map[string]vm.Ref{"vars": in.globalNames},
		list:    []vm.Ref{},
	}
	return in
}

func procKey(path string, override int) string {
	return fmt.Sprintf("%s#%d", path, override)
}

// AddProc declares a proc with the given instruction stream.
func (in *Interp) AddProc(path string, override int, instrs []vm.Instr) {
	in.procs[procKey(path, override)] = &proc{path: path, override: override, instrs: instrs}
}

// AddBrokenProc declares a proc whose disassembly fails after the
// given prefix.
func (in *Interp) AddBrokenProc(path string, override int, instrs []vm.Instr, err error) {
	in.procs[procKey(path, override)] = &proc{path: path, override: override, instrs: instrs, dismErr: err}
}

// SetStack installs the call stack snapshot CallStack will return.
func (in *Interp) SetStack(frames ...vm.Frame) {
	in.stack = frames
}

func (in *Interp) alloc(v *value) vm.Ref {
	in.nextData++
	v.ref = vm.Ref{Tag: tagValue, Data: in.nextData}
	in.values[v.ref] = v
	return v.ref
}

// DefString defines a string value.
func (in *Interp) DefString(s string) vm.Ref {
	return in.alloc(&value{display: fmt.Sprintf("%q", s), text: s, isText: true})
}

// DefNum defines a numeric value.
func (in *Interp) DefNum(n float64) vm.Ref {
	return in.alloc(&value{display: fmt.Sprintf("%g", n)})
}

// DefList defines a list value.
func (in *Interp) DefList(elems ...vm.Ref) vm.Ref {
	if elems == nil {
		elems = []vm.Ref{}
	}
	return in.alloc(&value{display: "/list", list: elems})
}

// DefObject defines an object value with the given fields, in order.
// A "vars" name list is synthesized from the field names.
func (in *Interp) DefObject(display string, fields []vm.Binding) vm.Ref {
	names := make([]vm.Ref, len(fields))
	fieldMap := make(map[string]vm.Ref, len(fields)+1)
	for i, f := range fields {
		names[i] = in.DefString(f.Name)
		fieldMap[f.Name] = f.Value
	}
	fieldMap["vars"] = in.DefList(names...)
	return in.alloc(&value{display: display, fields: fieldMap})
}

// SetGlobal registers a global variable. The name is appended to the
// global name list and the value becomes readable both off the globals
// table and off the world singleton.
func (in *Interp) SetGlobal(name string, ref vm.Ref) {
	nameRef := in.DefString(name)
	nameList := in.values[in.globalNames]
	nameList.list = append(nameList.list, nameRef)
	globals := in.values[in.globalsRef]
	globals.list = append(globals.list, nameRef)
	globals.fields[name] = ref
	in.values[in.worldRef].fields[name] = ref
}

// FindProc implements vm.Interp.
func (in *Interp) FindProc(path string, override int) (vm.Proc, bool) {
	p, ok := in.procs[procKey(path, override)]
	return p, ok
}

// Deref implements vm.Interp.
func (in *Interp) Deref(ref vm.Ref) (vm.Value, error) {
	v, ok := in.values[ref]
	if !ok {
		return nil, fmt.Errorf("no value for %s", ref)
	}
	return &boundValue{in: in, v: v}, nil
}

// Globals implements vm.Interp.
func (in *Interp) Globals() vm.Value {
	return &boundValue{in: in, v: in.values[in.globalsRef]}
}

// World implements vm.Interp.
func (in *Interp) World() vm.Ref {
	return in.worldRef
}

// CallStack implements vm.Interp.
func (in *Interp) CallStack() []vm.Frame {
	out := make([]vm.Frame, len(in.stack))
	copy(out, in.stack)
	return out
}

type proc struct {
	path     string
	override int
	instrs   []vm.Instr
	dismErr  error
}

func (p *proc) Path() string                    { return p.path }
func (p *proc) Override() int                   { return p.override }
func (p *proc) Disassemble() ([]vm.Instr, error) { return p.instrs, p.dismErr }

type value struct {
	ref     vm.Ref
	display string
	text    string
	isText  bool
	fields  map[string]vm.Ref
	list    []vm.Ref
}

// boundValue pairs a value with its interpreter so properties can be
// dereferenced.
type boundValue struct {
	in *Interp
	v  *value
}

func (b *boundValue) Ref() vm.Ref { return b.v.ref }

func (b *boundValue) Get(name string) (vm.Value, error) {
	ref, ok := b.v.fields[name]
	if !ok {
		return nil, fmt.Errorf("%s has no property %q", b.v.display, name)
	}
	return b.in.Deref(ref)
}

func (b *boundValue) Len() (int, error) {
	if b.v.list == nil {
		return 0, fmt.Errorf("%s is not a list", b.v.display)
	}
	return len(b.v.list), nil
}

func (b *boundValue) Index(i int) (vm.Value, error) {
	if b.v.list == nil {
		return nil, fmt.Errorf("%s is not a list", b.v.display)
	}
	if i < 0 || i >= len(b.v.list) {
		return nil, fmt.Errorf("index %d out of range for %s", i, b.v.display)
	}
	return b.in.Deref(b.v.list[i])
}

func (b *boundValue) Text() (string, error) {
	if !b.v.isText {
		return "", fmt.Errorf("%s is not a string", b.v.display)
	}
	return b.v.text, nil
}

func (b *boundValue) String() string { return b.v.display }

// Line builds a line annotation instruction.
func Line(offset, line uint32) vm.Instr {
	return vm.Instr{Offset: offset, Op: "dbg.line", Line: int32(line)}
}

// Op builds an ordinary instruction.
func Op(offset uint32, op string) vm.Instr {
	return vm.Instr{Offset: offset, Op: op, Line: -1}
}
