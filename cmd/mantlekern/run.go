package main

import (
	"log"
	"os"
	"strconv"

	"github.com/google/shlex"
	"github.com/spf13/cobra"
	"github.com/tebeka/atexit"

	"github.com/tilelab/mantle/datarecording"
	"github.com/tilelab/mantle/hardware"
	"github.com/tilelab/mantle/monitoring"
	"github.com/tilelab/mantle/pes"
	"github.com/tilelab/mantle/syscalls"
	"github.com/tilelab/mantle/timing"
	"github.com/tilelab/mantle/trace"
)

var runCmd = &cobra.Command{
	Use:   "run [flags] -- [boot modules]",
	Short: "Boot the kernel on a simulated fabric.",
	Run: func(cmd *cobra.Command, args []string) {
		runKernel(cmd, args)
	},
}

func init() {
	runCmd.Flags().Int("num-pes", 8, "number of tiles, including the kernel tile")
	runCmd.Flags().Int("cached-pes", 4, "number of user tiles with a cache; the kernel tile always has one")
	runCmd.Flags().Uint64("mem-size", 512*1024*1024, "size of the global memory range")
	runCmd.Flags().Int("local-mem", 64*1024, "bytes of local memory per tile")
	runCmd.Flags().Uint64("mux-latency", 50, "multiplexer reaction latency in cycles")
	runCmd.Flags().String("boot", "", "boot command line, tokenized shell-style")
	runCmd.Flags().String("trace-db", "", "record scheduling into this SQLite database")
	runCmd.Flags().Bool("monitor", false, "start the monitoring server")
	runCmd.Flags().Int("monitor-port", 0, "port of the monitoring server")
	runCmd.Flags().Bool("open-browser", false, "open the monitor in the default browser")
	runCmd.Flags().Bool("log-vpes", false, "log the scheduling trace to stderr")

	rootCmd.AddCommand(runCmd)
}

func runKernel(cmd *cobra.Command, args []string) {
	numPEs, _ := cmd.Flags().GetInt("num-pes")
	cachedPEs, _ := cmd.Flags().GetInt("cached-pes")
	memSize, _ := cmd.Flags().GetUint64("mem-size")
	localMem, _ := cmd.Flags().GetInt("local-mem")
	muxLatency, _ := cmd.Flags().GetUint64("mux-latency")

	if env := os.Getenv("MANTLE_NUM_PES"); env != "" {
		n, err := strconv.Atoi(env)
		if err != nil {
			log.Fatalf("MANTLE_NUM_PES: %v", err)
		}
		numPEs = n
	}

	bootArgs := bootCommandLine(cmd, args)

	platform := buildPlatform(numPEs, cachedPEs, memSize, bootArgs)
	fabric := hardware.NewFabric(numPEs, localMem)
	for pe := 1; pe < numPEs; pe++ {
		fabric.AttachDevice(pe,
			hardware.NewMux(fabric, pe, timing.Cycles(muxLatency)))
	}

	kernel := pes.NewKernel(platform, fabric)

	if logVPEs, _ := cmd.Flags().GetBool("log-vpes"); logVPEs {
		kernel.VPELog = log.New(os.Stderr, "", 0)
		kernel.Timeouts.AcceptHook(timing.NewTimeoutLogger(kernel.VPELog))
	}

	if db, _ := cmd.Flags().GetString("trace-db"); db != "" {
		timing.UseParallelIDGenerator()
		recorder := datarecording.New(db)
		tracer := trace.NewSchedTracer(kernel.DTU, recorder)
		for _, pe := range platform.UserPEs() {
			tracer.Attach(kernel.PEs.Switcher(pe))
		}
	}

	if mon, _ := cmd.Flags().GetBool("monitor"); mon {
		port, _ := cmd.Flags().GetInt("monitor-port")
		monitor := monitoring.NewMonitor().WithPortNumber(port)
		if open, _ := cmd.Flags().GetBool("open-browser"); open {
			monitor = monitor.WithBrowser()
		}
		monitor.RegisterKernel(kernel)
		monitor.StartServer()
	}

	kernel.WorkLoop.AddPoller(syscalls.NewHandler(kernel))

	if err := kernel.VPEs.InitBoot(bootArgs); err != nil {
		log.Fatalf("boot failed: %v", err)
	}

	kernel.WorkLoop.Run()
	atexit.Exit(0)
}

// bootCommandLine merges the --boot flag and the arguments after the --
// separator into one token list.
func bootCommandLine(cmd *cobra.Command, args []string) []string {
	boot, _ := cmd.Flags().GetString("boot")

	var tokens []string
	if boot != "" {
		parsed, err := shlex.Split(boot)
		if err != nil {
			log.Fatalf("parsing boot command line: %v", err)
		}
		tokens = parsed
	}

	return append(tokens, args...)
}

// buildPlatform describes the simulated machine and synthesizes a boot
// module image for every program on the boot command line.
func buildPlatform(
	numPEs, cachedPEs int,
	memSize uint64,
	bootArgs []string,
) *pes.Platform {
	descs := make([]pes.PEDesc, numPEs)
	for i := range descs {
		t := pes.CompIMem
		if i <= cachedPEs {
			t = pes.CompEMem
		}
		descs[i] = pes.PEDesc{Type: t, ISA: pes.ISAX86, MemSize: memSize}
	}

	platform := pes.NewPlatform(descs, 0, 0x1000_0000, memSize)

	for _, tok := range bootArgs {
		if tok == "--" || tok == "idle" || tok == "daemon" {
			continue
		}
		if len(tok) > len("requires=") && tok[:len("requires=")] == "requires=" {
			continue
		}
		if platform.Mod(tok) != nil {
			continue
		}
		platform.AddMod(&pes.BootModule{
			Name:  tok,
			Entry: 0x5000,
			Segments: []pes.Segment{
				{Addr: 0x5000, Data: make([]byte, 256)},
			},
		})
	}

	return platform
}
