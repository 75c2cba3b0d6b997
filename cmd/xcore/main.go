// (c) 2024-2026 the xcore authors
// License: GPLv3 or later

// Command xcore loads a flat binary image as ROM, wires it up to a
// physical address router and a CPU state, and single-steps through it
// with the JIT runtime in pass-through (no-op backend) mode, logging
// every decoded instruction to stderr. It is a demonstration tool, not
// a full emulator front end.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/aero-emu/xcore/internal/cpustate"
	"github.com/aero-emu/xcore/internal/decoder"
	"github.com/aero-emu/xcore/internal/jitrt"
	"github.com/aero-emu/xcore/internal/par"
)

type noopSink struct{}

func (noopSink) RequestCompile(entryRip uint64) {}

type stderrMetrics struct{ verbose bool }

func (m stderrMetrics) OnHit(rip uint64) {
	if m.verbose {
		fmt.Fprintf(os.Stderr, "jit: hit rip=%#x\n", rip)
	}
}
func (m stderrMetrics) OnMiss(rip uint64) {}
func (m stderrMetrics) OnInstall(rip uint64, evicted int) {
	fmt.Fprintf(os.Stderr, "jit: install rip=%#x evicted=%d\n", rip, evicted)
}
func (m stderrMetrics) OnEvict(rip uint64)              {}
func (m stderrMetrics) OnInvalidate(rip uint64)         { fmt.Fprintf(os.Stderr, "jit: invalidate rip=%#x\n", rip) }
func (m stderrMetrics) OnStaleInstallReject(rip uint64) { fmt.Fprintf(os.Stderr, "jit: stale install rejected rip=%#x\n", rip) }
func (m stderrMetrics) OnCompileRequest(rip uint64) {
	if m.verbose {
		fmt.Fprintf(os.Stderr, "jit: compile requested rip=%#x\n", rip)
	}
}
func (m stderrMetrics) OnByteFootprintChanged(bytes int) {}

func main() {
	ramSize := flag.Uint64("ram", 1<<20, "guest RAM size in bytes")
	loadAddr := flag.Uint64("load", 0, "physical address to map the input image at, as ROM")
	steps := flag.Int("steps", 64, "maximum number of instructions to single-step")
	mode := flag.String("mode", "16", "decode mode: 16, 32, or 64")
	hotThreshold := flag.Uint("hot-threshold", uint(jitrt.DefaultConfig().HotThreshold), "JIT hotness threshold before a compile is requested")
	verbose := flag.Bool("v", false, "log cache hits and compile requests in addition to installs/invalidations")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: xcore [options] image.bin\n\nSingle-steps a flat binary image through the decoder, reporting JIT\nruntime activity to stderr.\n\nOptions:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExample:\n  xcore -mode 16 -steps 32 boot.bin\n")
	}
	flag.Parse()

	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(1)
	}

	var decodeMode decoder.Mode
	switch *mode {
	case "16":
		decodeMode = decoder.Mode16
	case "32":
		decodeMode = decoder.Mode32
	case "64":
		decodeMode = decoder.Mode64
	default:
		fmt.Fprintf(os.Stderr, "error: -mode must be 16, 32, or 64\n")
		os.Exit(1)
	}

	imagePath := flag.Arg(0)
	image, err := os.ReadFile(imagePath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error reading %s: %v\n", imagePath, err)
		os.Exit(1)
	}

	bus := par.New(*ramSize)
	if err := bus.MapROM(*loadAddr, image); err != nil {
		fmt.Fprintf(os.Stderr, "error mapping %s at %#x: %v\n", imagePath, *loadAddr, err)
		os.Exit(1)
	}

	cpu := cpustate.New()
	cpu.Rip = *loadAddr

	cfg := jitrt.DefaultConfig()
	cfg.HotThreshold = uint32(*hotThreshold)
	tracker := jitrt.NewPageVersionTracker(uint32((*ramSize + 4095) / 4096))
	rt := jitrt.New(cfg, tracker, nil, noopSink{}, stderrMetrics{verbose: *verbose})

	for i := 0; i < *steps; i++ {
		if _, hit := rt.PrepareBlock(cpu.Rip); hit {
			fmt.Fprintf(os.Stderr, "%06x: (compiled block available, executing via interpreter passthrough)\n", cpu.Rip)
		}

		window := make([]byte, decoder.MaxInstructionLength)
		bus.Read(cpu.Rip, window)

		inst, err := decoder.Decode(window, decodeMode, cpu.Rip)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%06x: decode error: %v\n", cpu.Rip, err)
			os.Exit(1)
		}

		fmt.Fprintf(os.Stderr, "%06x: opcode=%#04x len=%d flow=%v\n", cpu.Rip, inst.Opcode, inst.Length, inst.Flow)

		if inst.HasRelTarget {
			cpu.Rip = inst.RelTarget
			continue
		}
		cpu.Rip += uint64(inst.Length)
	}

	fmt.Fprintf(os.Stderr, "stopped after %d instructions at rip=%#x (cache=%d blocks, %d bytes)\n",
		*steps, cpu.Rip, rt.CacheLen(), rt.ByteFootprint())
}
