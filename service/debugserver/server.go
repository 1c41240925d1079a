// Package debugserver implements the debug backend that runs inside a
// process hosting the Silk interpreter. It accepts a single client
// over TCP and services breakpoint, stack and variable requests.
//
// The server operates across two threads of control:
// (1) The interpreter's own execution thread, which owns the
// dispatcher state and the write side of the connection. The host
// scheduler calls Poll() on a regular cadence and HandleBreakpoint()
// synchronously when a hooked instruction executes.
// (2) A connection goroutine started from Run() that accepts the
// client, hands the write-capable connection to the dispatcher once,
// then decodes the zero-delimited request stream.
//
// All cross-thread communication is message passing over two
// channels: one carrying the single handed-off connection, one
// carrying decoded requests in FIFO order. Only one client is ever
// accepted for the process lifetime; there is no reconnection.
package debugserver

import (
	"bytes"
	"io"
	"net"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/silkvm/silkdbg/pkg/lineinfo"
	"github.com/silkvm/silkdbg/pkg/logflags"
	"github.com/silkvm/silkdbg/pkg/vm"
	"github.com/silkvm/silkdbg/service/api"
)

// Config is all the information necessary to start the server.
type Config struct {
	// Listener is used to accept the client connection. The server
	// assumes its ownership.
	Listener net.Listener
	// Interp is the host interpreter's introspection surface.
	Interp vm.Interp
	// Hooks installs and removes instruction traps.
	Hooks vm.Hooker
	// CacheSize bounds the disassembly cache; 0 selects the
	// default.
	CacheSize int
}

// callStacks is the stack snapshot captured for the duration of one
// pause. It exists if and only if the interpreter is paused inside
// HandleBreakpoint.
type callStacks struct {
	active []vm.Frame
}

// Server is the dispatcher half of the debug backend. All of its
// methods must be called from the interpreter's execution thread.
type Server struct {
	config   *Config
	log      *logrus.Entry
	plog     *logrus.Entry
	resolver *lineinfo.Resolver

	// connCh carries the accepted connection from the connection
	// goroutine, exactly once.
	connCh chan net.Conn
	// requests carries decoded client requests in arrival order.
	// Closed when the connection goroutine ends.
	requests chan api.Request

	// conn is the write side of the session, nil until the
	// hand-off is received and after a failed write.
	conn   net.Conn
	stacks *callStacks
}

// New creates a debug server over an opened listener. Call Run to
// start accepting the client.
func New(config *Config) *Server {
	return &Server{
		config:   config,
		log:      logflags.ServerLogger(),
		plog:     logflags.ProtocolLogger(),
		resolver: lineinfo.NewResolver(config.Interp, config.CacheSize),
		connCh:   make(chan net.Conn, 1),
		requests: make(chan api.Request),
	}
}

// Run starts the connection goroutine. It accepts exactly one client;
// the server must be restarted (in a new process) for a new session.
func (s *Server) Run() {
	decoded := make(chan api.Request)
	go pumpRequests(decoded, s.requests)
	go s.serveConn(decoded)
}

// Stop closes the listener and, if a client was accepted, its
// connection. The connection goroutine ends on its next read.
func (s *Server) Stop() {
	s.config.Listener.Close()
	if s.conn != nil {
		s.conn.Close()
	}
}

// serveConn accepts the client, hands the connection to the
// dispatcher and decodes the request stream until EOF, a read error
// or a malformed message. None of these conditions reaches the
// dispatcher as a failure; it simply stops receiving requests.
func (s *Server) serveConn(out chan<- api.Request) {
	defer close(out)

	conn, err := s.config.Listener.Accept()
	if err != nil {
		s.log.Errorf("error accepting client connection: %v", err)
		return
	}
	session := uuid.New().String()
	s.log.Debugf("accepted connection from %s (session %s)", conn.RemoteAddr(), session)
	s.connCh <- conn

	buf := make([]byte, 4096)
	var queued []byte

	// The incoming stream is JSON objects separated by zero bytes.
	// A read may end mid-object; the trailing fragment is kept for
	// the next read.
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			queued = append(queued, buf[:n]...)
		}
		if err != nil {
			if err != io.EOF {
				s.log.Errorf("read error (session %s): %v", session, err)
			}
			return
		}

		last := bytes.LastIndexByte(queued, 0)
		if last < 0 {
			continue
		}
		for _, fragment := range bytes.Split(queued[:last], []byte{0}) {
			// splitting yields empty fragments next to
			// consecutive delimiters
			if len(fragment) == 0 {
				continue
			}
			req, err := api.DecodeRequest(fragment)
			if err != nil {
				s.log.Errorf("failed to handle request (session %s): %v", session, err)
				return
			}
			s.plog.Debug("[<- from client] ", string(fragment))
			out <- req
		}
		queued = queued[last+1:]
	}
}

// pumpRequests forwards requests from in to out through an unbounded
// FIFO backlog, so the connection goroutine never blocks on a slow
// dispatcher. out is closed once in is closed and the backlog is
// drained.
func pumpRequests(in <-chan api.Request, out chan<- api.Request) {
	var backlog []api.Request
	for in != nil || len(backlog) > 0 {
		var send chan<- api.Request
		var next api.Request
		if len(backlog) > 0 {
			send = out
			next = backlog[0]
		}
		select {
		case req, ok := <-in:
			if !ok {
				in = nil
				continue
			}
			backlog = append(backlog, req)
		case send <- next:
			backlog = backlog[1:]
		}
	}
	close(out)
}

// Poll services requests queued since the last call. It never blocks
// and is intended to be invoked once per scheduler tick. The return
// value reports whether a pause was requested; halting execution is
// the caller's responsibility.
func (s *Server) Poll() bool {
	// Don't do anything until we've got a connection.
	if s.conn == nil {
		select {
		case conn := <-s.connCh:
			s.conn = conn
		default:
			return false
		}
	}

	pause := false
	for {
		select {
		case req, ok := <-s.requests:
			if !ok {
				return pause
			}
			if s.handleRequest(req) {
				pause = true
			}
		default:
			return pause
		}
	}
}

// HandleBreakpoint is called by the instruction hook, on the
// interpreter thread, when a trapped instruction executes. It
// captures the stack, announces the pause and then blocks servicing
// requests until the client resumes execution. Blocking here halts
// the entire host process; that is the feature being provided.
func (s *Server) HandleBreakpoint(reason api.BreakpointReason) api.ContinueKind {
	// Cache the stack now so request handlers don't have to fetch it.
	s.stacks = &callStacks{active: s.config.Interp.CallStack()}
	s.send(&api.BreakpointHitResponse{Reason: reason})

	for req := range s.requests {
		// Continue ends the pause and is intercepted here
		// instead of going through the dispatch table.
		if cont, ok := req.(*api.ContinueRequest); ok {
			s.stacks = nil
			return cont.Kind
		}
		// A pause request while already paused is a no-op.
		s.handleRequest(req)
	}

	// Client disappeared?
	s.stacks = nil
	return api.ContinueNormal
}

// handleRequest services one request. The return value reports
// whether it was a pause trigger.
func (s *Server) handleRequest(req api.Request) bool {
	switch req := req.(type) {
	case *api.BreakpointSetRequest:
		s.onBreakpointSet(req)

	case *api.BreakpointUnsetRequest:
		s.onBreakpointUnset(req)

	case *api.LineNumberRequest:
		line, ok := s.resolver.LineForOffset(req.Proc.Path, req.Proc.Override, req.Offset)
		s.send(&api.LineNumberResponse{Line: optU32(line, ok)})

	case *api.OffsetRequest:
		offset, ok := s.resolver.OffsetForLine(req.Proc.Path, req.Proc.Override, req.Line)
		s.send(&api.OffsetResponse{Offset: optU32(offset, ok)})

	case *api.StackFramesRequest:
		s.onStackFrames(req)

	case *api.ScopesRequest:
		s.onScopes(req)

	case *api.VariablesRequest:
		s.onVariables(req)

	case *api.ContinueRequest:
		s.log.Warn("received a continue request while not paused, ignoring")

	case *api.PauseRequest:
		return true
	}
	return false
}

func (s *Server) onBreakpointSet(req *api.BreakpointSetRequest) {
	ref := req.Instruction.Proc
	proc, ok := s.config.Interp.FindProc(ref.Path, ref.Override)
	if !ok {
		s.send(&api.BreakpointSetResponse{Result: api.BreakpointSetResult{Success: false}})
		return
	}
	// Resolve the line before the hook patches the instruction.
	line, haveLine := s.resolver.LineForOffset(ref.Path, ref.Override, req.Instruction.Offset)
	if err := s.config.Hooks.Hook(proc, req.Instruction.Offset); err != nil {
		s.log.Warnf("failed to hook %s#%d at offset %d: %v", ref.Path, ref.Override, req.Instruction.Offset, err)
		s.send(&api.BreakpointSetResponse{Result: api.BreakpointSetResult{Success: false}})
		return
	}
	s.send(&api.BreakpointSetResponse{Result: api.BreakpointSetResult{Success: true, Line: optU32(line, haveLine)}})
}

func (s *Server) onBreakpointUnset(req *api.BreakpointUnsetRequest) {
	ref := req.Instruction.Proc
	proc, ok := s.config.Interp.FindProc(ref.Path, ref.Override)
	if !ok {
		s.send(&api.BreakpointUnsetResponse{Success: false})
		return
	}
	if err := s.config.Hooks.Unhook(proc, req.Instruction.Offset); err != nil {
		s.log.Warnf("failed to unhook %s#%d at offset %d: %v", ref.Path, ref.Override, req.Instruction.Offset, err)
		s.send(&api.BreakpointUnsetResponse{Success: false})
		return
	}
	s.send(&api.BreakpointUnsetResponse{Success: true})
}

func (s *Server) onStackFrames(req *api.StackFramesRequest) {
	empty := &api.StackFramesResponse{Frames: []api.StackFrame{}, TotalCount: 0}
	if req.ThreadID != 0 {
		s.log.Warnf("received StackFrames request for thread %d, the interpreter has a single execution context", req.ThreadID)
		s.send(empty)
		return
	}
	if s.stacks == nil {
		s.log.Warn("received StackFrames request while not paused")
		s.send(empty)
		return
	}

	stack := s.stacks.active
	start := 0
	if req.StartFrame != nil {
		start = int(*req.StartFrame)
	}
	end := start + len(stack)
	if req.Count != nil {
		end = start + int(*req.Count)
	}

	frames := []api.StackFrame{}
	for i := start; i < end && i < len(stack); i++ {
		proc := api.ProcRef{Path: stack[i].ProcPath, Override: 0}
		line, ok := s.resolver.LineForOffset(proc.Path, proc.Override, stack[i].Offset)
		frames = append(frames, api.StackFrame{
			Instruction: api.InstructionRef{Proc: proc, Offset: stack[i].Offset},
			Line:        optU32(line, ok),
		})
	}
	s.send(&api.StackFramesResponse{Frames: frames, TotalCount: uint32(len(stack))})
}

func (s *Server) onScopes(req *api.ScopesRequest) {
	if s.stacks == nil {
		s.log.Warn("received Scopes request while not paused")
		s.send(&api.ScopesResponse{})
		return
	}
	if int(req.FrameID) >= len(s.stacks.active) {
		s.log.Warnf("received Scopes request for invalid frame_id (%d)", req.FrameID)
		s.send(&api.ScopesResponse{})
		return
	}

	frame := s.stacks.active[req.FrameID]
	var arguments, locals *api.VariablesRef
	if len(frame.Args) > 0 {
		arguments = &api.VariablesRef{Scope: api.ScopeArguments, Frame: uint16(req.FrameID)}
	}
	if len(frame.Locals) > 0 {
		locals = &api.VariablesRef{Scope: api.ScopeLocals, Frame: uint16(req.FrameID)}
	}
	globalsRef := s.config.Interp.Globals().Ref()
	globals := &api.VariablesRef{Scope: api.ScopeInternal, Tag: globalsRef.Tag, Data: globalsRef.Data}

	s.send(&api.ScopesResponse{Arguments: arguments, Locals: locals, Globals: globals})
}

func (s *Server) onVariables(req *api.VariablesRequest) {
	switch req.Vars.Scope {
	case api.ScopeInternal:
		vars, err := s.valueVariables(vm.Ref{Tag: req.Vars.Tag, Data: req.Vars.Data})
		if err != nil {
			s.log.Warnf("reflection error while processing Variables request: %v", err)
			vars = nil
		}
		if vars == nil {
			vars = []api.Variable{}
		}
		s.send(&api.VariablesResponse{Vars: vars})
	default:
		// Expansion of the arguments and locals scopes is not
		// implemented at this level.
		s.send(&api.VariablesResponse{Vars: []api.Variable{}})
	}
}

// placeholderKind is sent until per-value kinds are surfaced by the
// interpreter's reflection API.
const placeholderKind = "unknown"

// valueVariables enumerates the children of the value behind ref:
// each name in the value's "vars" list becomes a Variable with the
// rendered value of the property of that name. The world singleton
// does not expose "vars"; its names come from the global-variable
// table instead.
func (s *Server) valueVariables(ref vm.Ref) ([]api.Variable, error) {
	value, err := s.config.Interp.Deref(ref)
	if err != nil {
		return nil, err
	}

	var names vm.Value
	if ref == s.config.Interp.World() {
		names = s.config.Interp.Globals()
	} else {
		names, err = value.Get("vars")
		if err != nil {
			return nil, err
		}
	}

	n, err := names.Len()
	if err != nil {
		return nil, err
	}
	vars := make([]api.Variable, 0, n)
	for i := 0; i < n; i++ {
		entry, err := names.Index(i)
		if err != nil {
			return nil, err
		}
		name, err := entry.Text()
		if err != nil {
			return nil, err
		}
		child, err := value.Get(name)
		if err != nil {
			return nil, err
		}
		vars = append(vars, api.Variable{Name: name, Kind: placeholderKind, Value: child.String()})
	}
	return vars, nil
}

// send writes the response to the connected client, if any. A write
// failure drops the session; responses after that are silently
// discarded.
func (s *Server) send(resp api.Response) {
	if s.conn == nil {
		return
	}
	if err := s.writeResponse(resp); err != nil {
		s.log.Errorf("failed to send message: %v", err)
		s.conn = nil
	}
}

func (s *Server) writeResponse(resp api.Response) error {
	buf, err := api.EncodeResponse(resp)
	if err != nil {
		return err
	}
	s.plog.Debug("[-> to client] ", string(buf))
	buf = append(buf, 0)
	_, err = s.conn.Write(buf)
	return err
}

func optU32(v uint32, ok bool) *uint32 {
	if !ok {
		return nil
	}
	return &v
}
