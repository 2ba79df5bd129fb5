package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/arch/x86/x86asm"

	"github.com/kwanghoon/vmill/internal/arch"
	"github.com/kwanghoon/vmill/internal/exec"
	"github.com/kwanghoon/vmill/internal/ir"
	glog "github.com/kwanghoon/vmill/internal/log"
	"github.com/kwanghoon/vmill/internal/snapshot"
	"github.com/kwanghoon/vmill/internal/trace"
	"github.com/kwanghoon/vmill/internal/ui/colorize"
	"github.com/kwanghoon/vmill/internal/workspace"
)

var (
	workspaceDir string
	verbose      bool
	maxTraces    int
	binaryPath   string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "vmill",
		Short: "Snapshot-based user-mode binary emulator",
		Long: `Vmill executes snapshots of 32-bit guest programs by lifting their
machine code into IR traces and interpreting them on the host.

A workspace directory holds everything about one guest program:

  <workspace>/snapshot          program description (spaces, tasks)
  <workspace>/memory/<name>     page backing files
  <workspace>/runtime.bc        source runtime IR module
  <workspace>/runtime.local.bc  module persisted at shutdown with lifted traces
  <workspace>/tracedb           persistent trace index

Examples:
  vmill snapshot --binary prog.elf -w ws   # build a workspace from an ELF
  vmill run -w ws                          # execute until the task queue drains
  vmill info -w ws -v                      # inspect layout and lifted traces`,
	}

	rootCmd.PersistentFlags().StringVarP(&workspaceDir, "workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose debug output")

	runCmd := &cobra.Command{
		Use:   "run [workspace]",
		Short: "Execute the workspace snapshot until all tasks finish",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runSnapshot,
	}
	runCmd.Flags().IntVarP(&maxTraces, "max-traces", "n", 0, "per-dispatch trace cap (0 = unlimited)")

	snapCmd := &cobra.Command{
		Use:   "snapshot --binary <elf> [workspace]",
		Short: "Build a workspace snapshot from a 32-bit x86 ELF binary",
		Args:  cobra.MaximumNArgs(1),
		RunE:  makeSnapshot,
	}
	snapCmd.Flags().StringVar(&binaryPath, "binary", "", "ELF binary to load into a snapshot")
	snapCmd.MarkFlagRequired("binary")

	infoCmd := &cobra.Command{
		Use:   "info [workspace]",
		Short: "Show the snapshot layout and persisted trace index",
		Args:  cobra.MaximumNArgs(1),
		RunE:  showInfo,
	}

	rootCmd.AddCommand(runCmd, snapCmd, infoCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// resolveWorkspace prefers a positional workspace argument over the
// --workspace flag.
func resolveWorkspace(args []string) *workspace.Workspace {
	if len(args) > 0 {
		return workspace.New(args[0])
	}
	return workspace.New(workspaceDir)
}

// loadRuntimeModule prefers the locally persisted module (which already
// carries lifted traces from earlier runs) over the pristine one.
func loadRuntimeModule(ws *workspace.Workspace) (*ir.Module, error) {
	if _, err := os.Stat(ws.LocalRuntimeBitcodePath()); err == nil {
		return ir.ReadFile(ws.LocalRuntimeBitcodePath())
	}
	return ir.ReadFile(ws.RuntimeBitcodePath())
}

func runSnapshot(cmd *cobra.Command, args []string) error {
	glog.Init(verbose)
	ws := resolveWorkspace(args)

	prog, err := snapshot.Read(ws.SnapshotPath())
	if err != nil {
		return err
	}
	if err := arch.Validate(prog.Arch, prog.OS); err != nil {
		return err
	}

	module, err := loadRuntimeModule(ws)
	if err != nil {
		return err
	}

	store, err := trace.OpenStore(ws.TraceDBPath())
	if err != nil {
		// The index is bookkeeping; run without it.
		glog.L.Warn("trace index unavailable: " + err.Error())
		store = nil
	}

	mgr := trace.NewManager(module, store, glog.L)
	e, err := exec.New(module, mgr, glog.L)
	if err != nil {
		return err
	}
	e.SetTraceBudget(maxTraces)

	spaces, err := snapshot.LoadSpaces(prog, ws)
	if err != nil {
		return err
	}
	memIdx := make(map[int64]int, len(spaces))
	for _, desc := range prog.AddressSpaces {
		space := spaces[desc.ID]
		memIdx[desc.ID] = e.AddMemory(space)
		if verbose {
			for _, line := range space.DescribeMaps() {
				glog.L.Debug("map", glog.Space(desc.ID), glog.Map(line))
			}
		}
	}

	var tasks []*exec.Task
	for _, td := range prog.Tasks {
		t, err := e.AddInitialTask(td.State, td.PC, memIdx[td.AddressSpaceID])
		if err != nil {
			return err
		}
		tasks = append(tasks, t)
	}

	e.Run()

	if err := e.Shutdown(ws.LocalRuntimeBitcodePath()); err != nil {
		return err
	}

	for _, t := range tasks {
		status := t.Status().String()
		if t.Status() == exec.StatusErrored {
			status = colorize.Error(status)
		}
		fmt.Printf("task %d: %s  %s %s\n",
			t.ID, status,
			colorize.Detail("pc:"), colorize.Address(uint64(t.State.EIP)))
	}
	return nil
}

func makeSnapshot(cmd *cobra.Command, args []string) error {
	glog.Init(verbose)
	ws := resolveWorkspace(args)

	prog, err := snapshot.FromELF(binaryPath, ws)
	if err != nil {
		return err
	}
	if err := ir.WriteFile(ws.RuntimeBitcodePath(), ir.NewRuntimeModule(arch.StateSize)); err != nil {
		return err
	}

	fmt.Printf("%s %s\n", colorize.Header("▶"), "snapshot written")
	printLayout(prog)
	return nil
}

func showInfo(cmd *cobra.Command, args []string) error {
	glog.Init(verbose)
	ws := resolveWorkspace(args)

	prog, err := snapshot.Read(ws.SnapshotPath())
	if err != nil {
		return err
	}

	fmt.Printf("%s vmill workspace %s\n", colorize.Header("▶"), ws.Root())
	fmt.Printf("  %s %s  %s %s\n",
		colorize.Detail("arch:"), prog.Arch,
		colorize.Detail("os:"), prog.OS)
	printLayout(prog)

	if store, err := trace.OpenStore(ws.TraceDBPath()); err == nil {
		recs, err := store.Traces()
		store.Close()
		if err == nil && len(recs) > 0 {
			fmt.Println("\nlifted traces:")
			for _, rec := range recs {
				fmt.Printf("  %s  %s  %s insts=%d blocks=%d lifts=%d hits=%d\n",
					colorize.Address(rec.PC),
					colorize.FuncName(rec.Name),
					colorize.Detail("·"), rec.Insts, rec.Blocks, rec.Lifts, rec.Hits)
			}
		}
	}

	if verbose {
		return disassembleExecutable(prog, ws)
	}
	return nil
}

func printLayout(prog *snapshot.Program) {
	for _, space := range prog.AddressSpaces {
		label := fmt.Sprintf("space %d", space.ID)
		if space.ParentID != 0 {
			label += fmt.Sprintf(" (clone of %d)", space.ParentID)
		}
		fmt.Printf("\n%s\n", colorize.Header(label))
		for _, r := range space.PageRanges {
			fmt.Printf("  %s %s %s %s %s\n",
				colorize.Address(r.Base), colorize.Address(r.Limit),
				colorize.Perms(r.Perms().String()),
				colorize.Detail(r.Kind), r.Name)
		}
	}
	fmt.Printf("\n%d task(s)\n", len(prog.Tasks))
	for i, t := range prog.Tasks {
		fmt.Printf("  task %d: %s %s  space %d\n",
			i, colorize.Detail("pc:"), colorize.Address(t.PC), t.AddressSpaceID)
	}
}

// disassembleExecutable prints the leading instructions of every
// executable range, colorized.
func disassembleExecutable(prog *snapshot.Program, ws *workspace.Workspace) error {
	spaces, err := snapshot.LoadSpaces(prog, ws)
	if err != nil {
		return err
	}
	const maxPerRange = 32

	for _, desc := range prog.AddressSpaces {
		space := spaces[desc.ID]
		for _, r := range desc.PageRanges {
			if !r.Exec {
				continue
			}
			fmt.Printf("\n%s\n", colorize.Header(fmt.Sprintf("space %d %s", desc.ID, r.Name)))
			pc := r.Base
			for n := 0; n < maxPerRange && pc < r.Limit; n++ {
				inst := arch.DecodeOne(pc, space.ReadExecByte)
				if inst == nil || inst.Category == arch.Invalid {
					break
				}
				fmt.Printf("  %s  %s  %s\n",
					colorize.Address(pc),
					colorize.HexBytes(fmt.Sprintf("%-12x", inst.Bytes)),
					colorize.Instruction(x86asm.IntelSyntax(inst.Inst, pc, nil)))
				pc = inst.NextPC
			}
		}
	}
	return nil
}
