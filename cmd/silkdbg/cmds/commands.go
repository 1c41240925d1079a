// Package cmds implements the silkdbg command line interface.
//
// The debug server proper is a library embedded in a host process
// next to the interpreter; this binary exists for everything around
// it: printing version information and serving a synthetic
// interpreter so protocol clients can be developed without a real
// host.
package cmds

import (
	"fmt"
	"net"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/silkvm/silkdbg/pkg/config"
	"github.com/silkvm/silkdbg/pkg/logflags"
	"github.com/silkvm/silkdbg/pkg/version"
	"github.com/silkvm/silkdbg/pkg/vm"
	"github.com/silkvm/silkdbg/pkg/vm/vmtest"
	"github.com/silkvm/silkdbg/service/api"
	"github.com/silkvm/silkdbg/service/debugserver"
)

var (
	// log is whether to log debug statements.
	log bool
	// logOutput is a comma separated list of components that should
	// produce debug output.
	logOutput string
	// addr is the debug server listen address.
	addr string
	// tickInterval is the delay between mock interpreter steps.
	tickInterval time.Duration

	conf *config.Config
)

// New returns an initialized command tree.
func New() *cobra.Command {
	conf = config.LoadConfig()

	rootCommand := &cobra.Command{
		Use:   "silkdbg",
		Short: "silkdbg is a debug server for the Silk scripting interpreter.",
		Long: `silkdbg embeds a debug server into a process hosting the Silk interpreter,
letting a debug client set breakpoints, pause execution and inspect
stacks and variables over a TCP connection.`,
	}
	rootCommand.PersistentFlags().StringVarP(&addr, "listen", "l", "", "Debug server listen address.")
	rootCommand.PersistentFlags().BoolVarP(&log, "log", "", false, "Enable debug server logging.")
	rootCommand.PersistentFlags().StringVarP(&logOutput, "log-output", "", "", "Comma separated list of components that should produce debug output (server, protocol, lineinfo).")

	versionCommand := &cobra.Command{
		Use:   "version",
		Short: "Prints version.",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("silkdbg %s\n%s\n", version.SilkdbgVersion, version.BuildInfo())
		},
	}
	rootCommand.AddCommand(versionCommand)

	mockCommand := &cobra.Command{
		Use:   "mock",
		Short: "Serve a synthetic interpreter for debug client development.",
		Long: `Starts a debug server over a scripted interpreter that steps through a
small demo program forever. Breakpoints, pause, stack, scope and
variable requests all behave as they would against a live host;
stepping modes resume like a plain continue.`,
		Run: mockCmd,
	}
	mockCommand.Flags().DurationVar(&tickInterval, "tick", 50*time.Millisecond, "Delay between mock interpreter steps.")
	rootCommand.AddCommand(mockCommand)

	return rootCommand
}

func mockCmd(cmd *cobra.Command, args []string) {
	if err := logflags.Setup(log, logOutput); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	listenAddr := addr
	if listenAddr == "" {
		listenAddr = conf.Listen
	}
	if listenAddr == "" {
		listenAddr = "127.0.0.1:2448"
	}
	listener, err := net.Listen("tcp", listenAddr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "couldn't start listener: %v\n", err)
		os.Exit(1)
	}

	interp, hooks, frame, instrs := demoWorld()
	server := debugserver.New(&debugserver.Config{
		Listener:  listener,
		Interp:    interp,
		Hooks:     hooks,
		CacheSize: conf.DisassemblyCacheSize,
	})
	server.Run()
	fmt.Printf("mock interpreter listening at: %s\n", listener.Addr())

	// The scheduler loop a real host would run: one instruction per
	// tick, polling between steps and trapping on hooked offsets.
	for {
		for _, instr := range instrs {
			frame.Offset = instr.Offset
			interp.SetStack(*frame)
			if server.Poll() {
				server.HandleBreakpoint(api.ReasonPause)
			}
			if hooks.Hooked("/demo/tick", 0, instr.Offset) {
				server.HandleBreakpoint(api.ReasonBreakpoint)
			}
			time.Sleep(tickInterval)
		}
	}
}

// demoWorld scripts a small interpreter: one proc stepping through
// two annotated source lines, a couple of globals and an inspectable
// object.
func demoWorld() (*vmtest.Interp, *vmtest.HookRecorder, *vm.Frame, []vm.Instr) {
	interp := vmtest.New()

	instrs := []vm.Instr{
		vmtest.Line(0, 12),
		vmtest.Op(2, "push"),
		vmtest.Op(4, "call"),
		vmtest.Line(6, 13),
		vmtest.Op(8, "add"),
		vmtest.Op(10, "ret"),
	}
	interp.AddProc("/demo/tick", 0, instrs)

	player := interp.DefObject("/demo/player", []vm.Binding{
		{Name: "health", Value: interp.DefNum(100)},
		{Name: "name", Value: interp.DefString("visitor")},
	})
	interp.SetGlobal("round", interp.DefNum(1))
	interp.SetGlobal("player", player)

	frame := &vm.Frame{
		ProcPath: "/demo/tick",
		Offset:   0,
		Args:     []vm.Binding{{Name: "dt", Value: interp.DefNum(0.05)}},
	}
	return interp, vmtest.NewHookRecorder(), frame, instrs
}
