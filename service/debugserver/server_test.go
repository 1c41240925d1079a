package debugserver

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/silkvm/silkdbg/pkg/vm"
	"github.com/silkvm/silkdbg/pkg/vm/vmtest"
	"github.com/silkvm/silkdbg/service/api"
	"github.com/silkvm/silkdbg/service/debugserver/dbgtest"
)

// fakeHost emulates the interpreter's scheduling loop on a dedicated
// goroutine: it polls the server every tick and enters the breakpoint
// path when a pause is requested, the way a real host reacts to a
// trap.
type fakeHost struct {
	server *Server
	stop   chan struct{}
	done   chan struct{}

	mu    sync.Mutex
	kinds []api.ContinueKind
}

func runHost(s *Server) *fakeHost {
	h := &fakeHost{
		server: s,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go func() {
		defer close(h.done)
		for {
			select {
			case <-h.stop:
				return
			default:
			}
			if h.server.Poll() {
				kind := h.server.HandleBreakpoint(api.ReasonPause)
				h.mu.Lock()
				h.kinds = append(h.kinds, kind)
				h.mu.Unlock()
			}
			time.Sleep(time.Millisecond)
		}
	}()
	return h
}

// waitContinueKinds blocks until the host has resumed n times.
func (h *fakeHost) waitContinueKinds(t *testing.T, n int) []api.ContinueKind {
	t.Helper()
	for i := 0; i < 500; i++ {
		h.mu.Lock()
		if len(h.kinds) >= n {
			kinds := append([]api.ContinueKind(nil), h.kinds...)
			h.mu.Unlock()
			return kinds
		}
		h.mu.Unlock()
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("host never resumed %d time(s)", n)
	return nil
}

// startSession starts a server over the scripted interpreter, runs the
// fake host loop and connects a client. A probe request is exchanged
// so the session hand-off is complete before the test proper begins.
func startSession(t *testing.T, interp vm.Interp, hooks vm.Hooker) (*fakeHost, *dbgtest.Client) {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	server := New(&Config{Listener: listener, Interp: interp, Hooks: hooks})
	server.Run()
	host := runHost(server)
	client := dbgtest.NewClient(listener.Addr().String())

	t.Cleanup(func() {
		client.Close()
		close(host.stop)
		<-host.done
		server.Stop()
	})

	client.Send(t, &api.LineNumberRequest{Proc: api.ProcRef{Path: "/__probe"}})
	probe := client.ExpectLineNumberResponse(t)
	require.Nil(t, probe.Line)
	return host, client
}

func tickInterp() *vmtest.Interp {
	interp := vmtest.New()
	interp.AddProc("/game/tick", 0, []vm.Instr{
		vmtest.Line(0, 5),
		vmtest.Op(2, "push"),
		vmtest.Op(4, "call"),
		vmtest.Line(6, 6),
		vmtest.Op(8, "ret"),
	})
	return interp
}

func TestSetAndClearBreakpoint(t *testing.T) {
	hooks := vmtest.NewHookRecorder()
	_, client := startSession(t, tickInterp(), hooks)

	instr := api.InstructionRef{Proc: api.ProcRef{Path: "/game/tick"}, Offset: 4}
	client.Send(t, &api.BreakpointSetRequest{Instruction: instr})
	set := client.ExpectBreakpointSetResponse(t)
	require.True(t, set.Result.Success)
	require.NotNil(t, set.Result.Line)
	assert.Equal(t, uint32(5), *set.Result.Line)
	assert.Equal(t, 1, hooks.HookCount("/game/tick", 0, 4))
	assert.True(t, hooks.Hooked("/game/tick", 0, 4))

	client.Send(t, &api.BreakpointUnsetRequest{Instruction: instr})
	unset := client.ExpectBreakpointUnsetResponse(t)
	assert.True(t, unset.Success)
	assert.False(t, hooks.Hooked("/game/tick", 0, 4))
}

func TestSetBreakpointUnknownProc(t *testing.T) {
	hooks := vmtest.NewHookRecorder()
	_, client := startSession(t, tickInterp(), hooks)

	client.Send(t, &api.BreakpointSetRequest{
		Instruction: api.InstructionRef{Proc: api.ProcRef{Path: "/missing"}, Offset: 0},
	})
	set := client.ExpectBreakpointSetResponse(t)
	assert.False(t, set.Result.Success)
	assert.Equal(t, 0, hooks.HookCount("/missing", 0, 0), "the hook installer must not run for unresolvable procs")
}

func TestSetBreakpointHookFailure(t *testing.T) {
	hooks := vmtest.NewHookRecorder()
	_, client := startSession(t, tickInterp(), hooks)

	hooks.FailNextWith(errors.New("offset is not patchable"))
	client.Send(t, &api.BreakpointSetRequest{
		Instruction: api.InstructionRef{Proc: api.ProcRef{Path: "/game/tick"}, Offset: 4},
	})
	set := client.ExpectBreakpointSetResponse(t)
	assert.False(t, set.Result.Success)
}

func TestLineAndOffsetQueries(t *testing.T) {
	_, client := startSession(t, tickInterp(), vmtest.NewHookRecorder())

	client.Send(t, &api.LineNumberRequest{Proc: api.ProcRef{Path: "/game/tick"}, Offset: 8})
	line := client.ExpectLineNumberResponse(t)
	require.NotNil(t, line.Line)
	assert.Equal(t, uint32(6), *line.Line)

	client.Send(t, &api.OffsetRequest{Proc: api.ProcRef{Path: "/game/tick"}, Line: 6})
	offset := client.ExpectOffsetResponse(t)
	require.NotNil(t, offset.Offset)
	assert.Equal(t, uint32(8), *offset.Offset)

	client.Send(t, &api.OffsetRequest{Proc: api.ProcRef{Path: "/game/tick"}, Line: 99})
	offset = client.ExpectOffsetResponse(t)
	assert.Nil(t, offset.Offset)
}

// TestFramingAcrossChunkBoundaries feeds several delimited requests
// through arbitrary write boundaries, including consecutive
// delimiters, and expects exactly one ordered response per request.
func TestFramingAcrossChunkBoundaries(t *testing.T) {
	_, client := startSession(t, tickInterp(), vmtest.NewHookRecorder())

	var stream []byte
	wantLines := []uint32{5, 5, 6}
	for i, offset := range []uint32{2, 4, 8} {
		buf, err := api.EncodeRequest(&api.LineNumberRequest{
			Proc:   api.ProcRef{Path: "/game/tick"},
			Offset: offset,
		})
		require.NoError(t, err)
		stream = append(stream, buf...)
		stream = append(stream, 0)
		if i == 1 {
			// consecutive delimiters produce an empty fragment
			stream = append(stream, 0)
		}
	}

	for len(stream) > 0 {
		n := 7
		if n > len(stream) {
			n = len(stream)
		}
		client.SendRaw(t, stream[:n])
		stream = stream[n:]
	}

	for _, want := range wantLines {
		resp := client.ExpectLineNumberResponse(t)
		require.NotNil(t, resp.Line)
		assert.Equal(t, want, *resp.Line)
	}
}

func pausedInterp() *vmtest.Interp {
	interp := tickInterp()
	dt := interp.DefNum(0.5)
	frames := []vm.Frame{
		{ProcPath: "/game/tick", Offset: 4, Args: []vm.Binding{{Name: "dt", Value: dt}}},
	}
	for i := 1; i < 5; i++ {
		frames = append(frames, vm.Frame{ProcPath: fmt.Sprintf("/game/sub%d", i), Offset: uint32(2 * i)})
	}
	interp.SetStack(frames...)
	return interp
}

func TestPauseAndStackFramePagination(t *testing.T) {
	host, client := startSession(t, pausedInterp(), vmtest.NewHookRecorder())

	client.Send(t, &api.PauseRequest{})
	hit := client.ExpectBreakpointHit(t)
	assert.Equal(t, api.ReasonPause, hit.Reason)

	start, count := uint32(2), uint32(2)
	client.Send(t, &api.StackFramesRequest{StartFrame: &start, Count: &count})
	resp := client.ExpectStackFramesResponse(t)
	assert.Equal(t, uint32(5), resp.TotalCount)
	require.Len(t, resp.Frames, 2)
	assert.Equal(t, "/game/sub2", resp.Frames[0].Instruction.Proc.Path)
	assert.Equal(t, "/game/sub3", resp.Frames[1].Instruction.Proc.Path)

	start, count = 4, 10
	client.Send(t, &api.StackFramesRequest{StartFrame: &start, Count: &count})
	resp = client.ExpectStackFramesResponse(t)
	assert.Equal(t, uint32(5), resp.TotalCount)
	require.Len(t, resp.Frames, 1)
	assert.Equal(t, "/game/sub4", resp.Frames[0].Instruction.Proc.Path)

	start = 10
	client.Send(t, &api.StackFramesRequest{StartFrame: &start})
	resp = client.ExpectStackFramesResponse(t)
	assert.Equal(t, uint32(5), resp.TotalCount)
	assert.Empty(t, resp.Frames)

	// the innermost frame is re-annotated with its source line
	client.Send(t, &api.StackFramesRequest{})
	resp = client.ExpectStackFramesResponse(t)
	require.Len(t, resp.Frames, 5)
	require.NotNil(t, resp.Frames[0].Line)
	assert.Equal(t, uint32(5), *resp.Frames[0].Line)
	assert.Nil(t, resp.Frames[1].Line, "procs without disassembly have no line")

	client.Send(t, &api.ContinueRequest{Kind: api.ContinueStepOver})
	kinds := host.waitContinueKinds(t, 1)
	assert.Equal(t, api.ContinueStepOver, kinds[0])

	// the snapshot is gone once the pause ends
	client.Send(t, &api.StackFramesRequest{})
	resp = client.ExpectStackFramesResponse(t)
	assert.Equal(t, uint32(0), resp.TotalCount)
	assert.Empty(t, resp.Frames)
}

func TestStackFramesContractViolations(t *testing.T) {
	host, client := startSession(t, pausedInterp(), vmtest.NewHookRecorder())

	client.Send(t, &api.PauseRequest{})
	client.ExpectBreakpointHit(t)

	client.Send(t, &api.StackFramesRequest{ThreadID: 7})
	resp := client.ExpectStackFramesResponse(t)
	assert.Equal(t, uint32(0), resp.TotalCount)
	assert.Empty(t, resp.Frames)

	client.Send(t, &api.ContinueRequest{Kind: api.ContinueNormal})
	host.waitContinueKinds(t, 1)
}

func TestScopes(t *testing.T) {
	interp := pausedInterp()
	host, client := startSession(t, interp, vmtest.NewHookRecorder())

	client.Send(t, &api.PauseRequest{})
	client.ExpectBreakpointHit(t)

	// frame 0 has one argument and no locals
	client.Send(t, &api.ScopesRequest{FrameID: 0})
	scopes := client.ExpectScopesResponse(t)
	require.NotNil(t, scopes.Arguments)
	assert.Equal(t, api.ScopeArguments, scopes.Arguments.Scope)
	assert.Equal(t, uint16(0), scopes.Arguments.Frame)
	assert.Nil(t, scopes.Locals)
	require.NotNil(t, scopes.Globals)
	assert.Equal(t, api.ScopeInternal, scopes.Globals.Scope)
	globalsRef := interp.Globals().Ref()
	assert.Equal(t, globalsRef.Tag, scopes.Globals.Tag)
	assert.Equal(t, globalsRef.Data, scopes.Globals.Data)

	client.Send(t, &api.ScopesRequest{FrameID: 42})
	scopes = client.ExpectScopesResponse(t)
	assert.Nil(t, scopes.Arguments)
	assert.Nil(t, scopes.Locals)
	assert.Nil(t, scopes.Globals)

	client.Send(t, &api.ContinueRequest{Kind: api.ContinueNormal})
	host.waitContinueKinds(t, 1)
}

func TestScopesWhileNotPaused(t *testing.T) {
	_, client := startSession(t, pausedInterp(), vmtest.NewHookRecorder())

	client.Send(t, &api.ScopesRequest{FrameID: 0})
	scopes := client.ExpectScopesResponse(t)
	assert.Nil(t, scopes.Arguments)
	assert.Nil(t, scopes.Locals)
	assert.Nil(t, scopes.Globals)
}

func TestVariablesInternal(t *testing.T) {
	interp := vmtest.New()
	obj := interp.DefObject("/obj/axe", []vm.Binding{
		{Name: "damage", Value: interp.DefNum(12)},
		{Name: "label", Value: interp.DefString("woodcutter")},
	})
	_, client := startSession(t, interp, vmtest.NewHookRecorder())

	client.Send(t, &api.VariablesRequest{
		Vars: api.VariablesRef{Scope: api.ScopeInternal, Tag: obj.Tag, Data: obj.Data},
	})
	resp := client.ExpectVariablesResponse(t)
	require.Len(t, resp.Vars, 2)
	assert.Equal(t, api.Variable{Name: "damage", Kind: "unknown", Value: "12"}, resp.Vars[0])
	assert.Equal(t, api.Variable{Name: "label", Kind: "unknown", Value: `"woodcutter"`}, resp.Vars[1])
}

func TestVariablesWorldRedirect(t *testing.T) {
	interp := vmtest.New()
	interp.SetGlobal("score", interp.DefNum(42))
	world := interp.World()
	_, client := startSession(t, interp, vmtest.NewHookRecorder())

	client.Send(t, &api.VariablesRequest{
		Vars: api.VariablesRef{Scope: api.ScopeInternal, Tag: world.Tag, Data: world.Data},
	})
	resp := client.ExpectVariablesResponse(t)
	require.Len(t, resp.Vars, 1)
	assert.Equal(t, "score", resp.Vars[0].Name)
	assert.Equal(t, "42", resp.Vars[0].Value)
}

func TestVariablesGlobalsTable(t *testing.T) {
	interp := vmtest.New()
	interp.SetGlobal("title", interp.DefString("onslaught"))
	globals := interp.Globals().Ref()
	_, client := startSession(t, interp, vmtest.NewHookRecorder())

	client.Send(t, &api.VariablesRequest{
		Vars: api.VariablesRef{Scope: api.ScopeInternal, Tag: globals.Tag, Data: globals.Data},
	})
	resp := client.ExpectVariablesResponse(t)
	require.Len(t, resp.Vars, 1)
	assert.Equal(t, "title", resp.Vars[0].Name)
}

func TestVariablesUnknownHandle(t *testing.T) {
	_, client := startSession(t, vmtest.New(), vmtest.NewHookRecorder())

	client.Send(t, &api.VariablesRequest{
		Vars: api.VariablesRef{Scope: api.ScopeInternal, Tag: 9, Data: 999},
	})
	resp := client.ExpectVariablesResponse(t)
	assert.Empty(t, resp.Vars, "reflection failures degrade to an empty list")
}

func TestVariablesArgumentsScopeUnimplemented(t *testing.T) {
	_, client := startSession(t, pausedInterp(), vmtest.NewHookRecorder())

	client.Send(t, &api.VariablesRequest{
		Vars: api.VariablesRef{Scope: api.ScopeArguments, Frame: 0},
	})
	resp := client.ExpectVariablesResponse(t)
	assert.Empty(t, resp.Vars)
}

func TestContinueWhileNotPaused(t *testing.T) {
	_, client := startSession(t, tickInterp(), vmtest.NewHookRecorder())

	// ignored with a warning; the server keeps answering
	client.Send(t, &api.ContinueRequest{Kind: api.ContinueNormal})
	client.Send(t, &api.LineNumberRequest{Proc: api.ProcRef{Path: "/game/tick"}, Offset: 2})
	resp := client.ExpectLineNumberResponse(t)
	require.NotNil(t, resp.Line)
	assert.Equal(t, uint32(5), *resp.Line)
}

func TestInterleavedRequestsDuringPause(t *testing.T) {
	host, client := startSession(t, pausedInterp(), vmtest.NewHookRecorder())

	client.Send(t, &api.PauseRequest{})
	client.ExpectBreakpointHit(t)

	// any number of non-Continue requests are answered without
	// ending the pause
	for i := 0; i < 3; i++ {
		client.Send(t, &api.LineNumberRequest{Proc: api.ProcRef{Path: "/game/tick"}, Offset: 8})
		resp := client.ExpectLineNumberResponse(t)
		require.NotNil(t, resp.Line)
		assert.Equal(t, uint32(6), *resp.Line)
	}

	client.Send(t, &api.ContinueRequest{Kind: api.ContinueStepInto})
	kinds := host.waitContinueKinds(t, 1)
	assert.Equal(t, api.ContinueStepInto, kinds[0])
}

func TestClientLostDuringPause(t *testing.T) {
	host, client := startSession(t, pausedInterp(), vmtest.NewHookRecorder())

	client.Send(t, &api.PauseRequest{})
	client.ExpectBreakpointHit(t)
	client.Close()

	kinds := host.waitContinueKinds(t, 1)
	assert.Equal(t, api.ContinueNormal, kinds[0], "a vanished client resumes execution in the default mode")
}

func TestPumpPreservesOrder(t *testing.T) {
	in := make(chan api.Request)
	out := make(chan api.Request)
	go pumpRequests(in, out)

	const n = 100
	for i := 0; i < n; i++ {
		offset := uint32(i)
		in <- &api.LineNumberRequest{Proc: api.ProcRef{Path: "/game/tick"}, Offset: offset}
	}
	close(in)

	for i := 0; i < n; i++ {
		req, ok := <-out
		require.True(t, ok)
		assert.Equal(t, uint32(i), req.(*api.LineNumberRequest).Offset)
	}
	_, ok := <-out
	assert.False(t, ok, "out closes once in is closed and drained")
}
