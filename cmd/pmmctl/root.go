package main

import (
	"fmt"
	"os"

	"github.com/Aaronyzb/oslab2/kernel"
	"github.com/Aaronyzb/oslab2/kernel/kmain"
	"github.com/Aaronyzb/oslab2/kernel/mem/pmm"
	"github.com/spf13/cobra"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

var (
	// Global flags
	frames    uint64
	baseFrame uint64
	reserved  uint64
	useMmap   bool
	logLevel  string
)

var rootCmd = &cobra.Command{
	Use:   "pmmctl",
	Short: "Boot a simulated machine and exercise its physical memory allocators",
	Long: `pmmctl boots a simulated machine with the buddy page allocator and the
slab based kmalloc allocator on top of it. It can run the allocator self-checks
and report free memory statistics.`,
	SilenceUsage: true,
}

func init() {
	defaults := kmain.DefaultConfig()
	rootCmd.PersistentFlags().Uint64Var(&frames, "frames", defaults.Frames, "Number of physical frames in the machine")
	rootCmd.PersistentFlags().Uint64Var(&baseFrame, "base-frame", uint64(defaults.BaseFrame), "Index of the first physical frame")
	rootCmd.PersistentFlags().Uint64Var(&reserved, "reserved", defaults.Reserved, "Frames at the start of memory reported as reserved")
	rootCmd.PersistentFlags().BoolVar(&useMmap, "mmap", defaults.UseMmap, "Back physical memory with an anonymous mapping")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", defaults.LogLevel, "Log level (trace, debug, info, warn, error)")
}

// resetGlobalFlags restores the default machine configuration.
func resetGlobalFlags() {
	defaults := kmain.DefaultConfig()
	frames = defaults.Frames
	baseFrame = uint64(defaults.BaseFrame)
	reserved = defaults.Reserved
	useMmap = defaults.UseMmap
	logLevel = defaults.LogLevel
}

func execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// bootSystem boots a machine using the global flags.
func bootSystem() (*kmain.System, error) {
	cfg := kmain.Config{
		Frames:    frames,
		BaseFrame: pmm.Frame(baseFrame),
		Reserved:  reserved,
		UseMmap:   useMmap,
		LogLevel:  logLevel,
	}

	sys, err := kmain.Boot(cfg)
	if err != nil {
		return nil, fmt.Errorf("boot failed: %w", err)
	}

	return sys, nil
}

// runGuarded runs fn and converts a kernel halt into an error.
func runGuarded(fn func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			kerr, ok := r.(*kernel.Error)
			if !ok {
				panic(r)
			}
			err = fmt.Errorf("system halted: %w", kerr)
		}
	}()

	fn()
	return nil
}

// newPrinter returns a printer that groups digits in large numbers.
func newPrinter() *message.Printer {
	return message.NewPrinter(language.English)
}
