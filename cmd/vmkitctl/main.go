// Command vmkitctl builds a virtual machine from a YAML machine
// description and drives its vCPUs until they exit, reporting the exit
// records and per-vCPU exit statistics. With -backend fake it runs
// against the scripted in-memory backend, which makes it a smoke test
// for the control plane on hosts without virtualization support.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"
	"golang.org/x/term"

	"github.com/vmkit/vmkit/internal/config"
	"github.com/vmkit/vmkit/internal/guest"
	"github.com/vmkit/vmkit/internal/guest/factory"
	"github.com/vmkit/vmkit/internal/guest/fake"
	"github.com/vmkit/vmkit/internal/vmm"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "vmkitctl: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "Machine description YAML file")
	backend := flag.String("backend", "auto", "World-switch backend (auto, fake)")
	trace := flag.String("trace", "", "Write a binary exit trace to this file")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s -config machine.yaml [flags]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Run the vCPUs of a described machine and report their exits.\n\n")
		fmt.Fprintf(os.Stderr, "Flags:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
		// Source locations help when reading interleaved vCPU logs in
		// a terminal session; keep files parseable.
		AddSource: *debug && term.IsTerminal(int(os.Stderr.Fd())),
	})))

	if *configPath == "" {
		flag.Usage()
		return fmt.Errorf("-config is required")
	}

	machine, err := config.Load(*configPath)
	if err != nil {
		return err
	}

	mon, err := openBackend(*backend)
	if err != nil {
		return err
	}
	defer mon.Close()

	vm, err := machine.Build(mon)
	if err != nil {
		return err
	}
	defer vm.Close()

	if *trace != "" {
		f, err := os.Create(*trace)
		if err != nil {
			return fmt.Errorf("create trace file: %w", err)
		}
		defer f.Close()
		closer, err := vm.Stats().StreamTo(f)
		if err != nil {
			return err
		}
		defer closer.Close()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	for id := 0; id < vm.MaxCPUs(); id++ {
		if err := vm.Activate(id); err != nil {
			return err
		}
		id := id
		g.Go(func() error {
			rec, err := vm.Run(ctx, id)
			if err != nil {
				return fmt.Errorf("vcpu %d: %w", id, err)
			}
			slog.Info("vcpu exited", "vcpu", id, "reason", rec.Reason, "pc", fmt.Sprintf("%#x", rec.PC))
			return nil
		})
	}
	runErr := g.Wait()

	reportStats(vm)
	return runErr
}

func openBackend(name string) (guest.Monitor, error) {
	switch name {
	case "auto":
		return factory.Open()
	case "fake":
		return fake.NewMonitor(), nil
	default:
		return nil, fmt.Errorf("unknown backend %q", name)
	}
}

func reportStats(vm *vmm.VM) {
	for id := 0; id < vm.MaxCPUs(); id++ {
		c, err := vm.Vcpu(id)
		if err != nil {
			continue
		}
		for _, row := range c.Stats().Snapshot() {
			if row.Count == 0 {
				continue
			}
			fmt.Printf("vcpu %d  %-24s %8d  %v\n", id, row.Name, row.Count, row.Total)
		}
	}
}
