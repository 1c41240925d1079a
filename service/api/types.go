// Package api defines the messages exchanged between the debug server
// and its client, and the codec that puts them on the wire. The wire
// format is a stream of JSON objects, each terminated by a single zero
// byte; every object carries a "type" field naming its variant.
package api

// ProcRef identifies a proc in the target interpreter by path and
// override index.
type ProcRef struct {
	Path     string `json:"path"`
	Override int    `json:"override"`
}

// InstructionRef identifies a bytecode offset within a proc.
type InstructionRef struct {
	Proc   ProcRef `json:"proc"`
	Offset uint32  `json:"offset"`
}

// VariablesScope discriminates VariablesRef variants.
type VariablesScope string

const (
	ScopeArguments VariablesScope = "arguments"
	ScopeLocals    VariablesScope = "locals"
	ScopeInternal  VariablesScope = "internal"
)

// VariablesRef names a group of variables the client can expand: the
// arguments or locals of a stack frame, or an interpreter value
// addressed directly by its capability handle.
type VariablesRef struct {
	Scope VariablesScope `json:"scope"`
	// Frame is the frame index for the arguments and locals scopes.
	Frame uint16 `json:"frame"`
	// Tag and Data form the value handle for the internal scope.
	Tag  uint8  `json:"tag"`
	Data uint32 `json:"data"`
}

// Variable is one named value in a scope. Nested expansion is not
// performed at this level, so Variables is always empty.
type Variable struct {
	Name      string     `json:"name"`
	Kind      string     `json:"kind"`
	Value     string     `json:"value"`
	Variables []Variable `json:"variables,omitempty"`
}

// ContinueKind is the stepping mode requested when resuming.
type ContinueKind string

const (
	ContinueNormal   ContinueKind = "continue"
	ContinueStepOver ContinueKind = "step_over"
	ContinueStepInto ContinueKind = "step_into"
	ContinueStepOut  ContinueKind = "step_out"
)

// BreakpointReason says why the interpreter paused.
type BreakpointReason string

const (
	ReasonBreakpoint BreakpointReason = "breakpoint"
	ReasonStep       BreakpointReason = "step"
	ReasonPause      BreakpointReason = "pause"
)

// StackFrame is one entry of a StackFramesResponse.
type StackFrame struct {
	Instruction InstructionRef `json:"instruction"`
	Line        *uint32        `json:"line"`
}

// Request is a message sent by the debug client. The set of variants
// is closed; DecodeRequest rejects unknown types.
type Request interface {
	requestType() string
}

// BreakpointSetRequest installs a trap at an instruction.
type BreakpointSetRequest struct {
	Instruction InstructionRef `json:"instruction"`
}

// BreakpointUnsetRequest removes a previously installed trap.
type BreakpointUnsetRequest struct {
	Instruction InstructionRef `json:"instruction"`
}

// LineNumberRequest asks for the source line at a bytecode offset.
type LineNumberRequest struct {
	Proc   ProcRef `json:"proc"`
	Offset uint32  `json:"offset"`
}

// OffsetRequest asks for the bytecode offset of a source line.
type OffsetRequest struct {
	Proc ProcRef `json:"proc"`
	Line uint32  `json:"line"`
}

// StackFramesRequest asks for a slice of the paused call stack.
// ThreadID must be 0: the interpreter has a single execution context.
type StackFramesRequest struct {
	ThreadID   int     `json:"thread_id"`
	StartFrame *uint32 `json:"start_frame,omitempty"`
	Count      *uint32 `json:"count,omitempty"`
}

// ScopesRequest asks which variable scopes a frame exposes.
type ScopesRequest struct {
	FrameID uint32 `json:"frame_id"`
}

// VariablesRequest expands a variable scope.
type VariablesRequest struct {
	Vars VariablesRef `json:"vars"`
}

// ContinueRequest resumes execution. Only honored while paused.
type ContinueRequest struct {
	Kind ContinueKind `json:"kind"`
}

// PauseRequest asks the host to halt execution at the next
// opportunity.
type PauseRequest struct{}

func (*BreakpointSetRequest) requestType() string   { return "breakpoint_set" }
func (*BreakpointUnsetRequest) requestType() string { return "breakpoint_unset" }
func (*LineNumberRequest) requestType() string      { return "line_number" }
func (*OffsetRequest) requestType() string          { return "offset" }
func (*StackFramesRequest) requestType() string     { return "stack_frames" }
func (*ScopesRequest) requestType() string          { return "scopes" }
func (*VariablesRequest) requestType() string       { return "variables" }
func (*ContinueRequest) requestType() string        { return "continue" }
func (*PauseRequest) requestType() string           { return "pause" }

// Response is a message sent to the debug client. Every Request maps
// to at most one Response; BreakpointHitResponse is pushed unsolicited
// when a trap fires.
type Response interface {
	responseType() string
}

// BreakpointSetResult reports the outcome of a BreakpointSetRequest.
// Line is the best-effort source line of the trapped instruction and
// may be absent even on success.
type BreakpointSetResult struct {
	Success bool    `json:"success"`
	Line    *uint32 `json:"line,omitempty"`
}

type BreakpointSetResponse struct {
	Result BreakpointSetResult `json:"result"`
}

type BreakpointUnsetResponse struct {
	Success bool `json:"success"`
}

type LineNumberResponse struct {
	Line *uint32 `json:"line"`
}

type OffsetResponse struct {
	Offset *uint32 `json:"offset"`
}

type StackFramesResponse struct {
	Frames []StackFrame `json:"frames"`
	// TotalCount is the true length of the stack, independent of
	// the requested slice.
	TotalCount uint32 `json:"total_count"`
}

type ScopesResponse struct {
	Arguments *VariablesRef `json:"arguments"`
	Locals    *VariablesRef `json:"locals"`
	Globals   *VariablesRef `json:"globals"`
}

type VariablesResponse struct {
	Vars []Variable `json:"vars"`
}

// BreakpointHitResponse announces a pause. It is the only unsolicited
// message.
type BreakpointHitResponse struct {
	Reason BreakpointReason `json:"reason"`
}

func (*BreakpointSetResponse) responseType() string   { return "breakpoint_set" }
func (*BreakpointUnsetResponse) responseType() string { return "breakpoint_unset" }
func (*LineNumberResponse) responseType() string      { return "line_number" }
func (*OffsetResponse) responseType() string          { return "offset" }
func (*StackFramesResponse) responseType() string     { return "stack_frames" }
func (*ScopesResponse) responseType() string          { return "scopes" }
func (*VariablesResponse) responseType() string       { return "variables" }
func (*BreakpointHitResponse) responseType() string   { return "breakpoint_hit" }
