// Command corevm is the embedding harness of spec §6: a CLI that either
// compiles and runs a source file or loads and runs an already-compiled
// module. Compilation itself is out of scope for the execution core (spec
// §1); the "run" subcommand delegates to an injected Compiler, stubbed
// here since no front end ships in this repo.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joeycumines/corevm/internal/bytecode"
	"github.com/joeycumines/corevm/internal/config"
	"github.com/joeycumines/corevm/internal/ioreactor"
	"github.com/joeycumines/corevm/internal/vmlog"
	"github.com/joeycumines/corevm/vm"
)

// Compiler turns source text into a loaded module. Out of scope for the
// execution core itself (spec §1); main wires whatever front end an
// embedder provides. No such front end exists in this repo, so runCommand
// is only exercised against stubCompiler in tests.
type Compiler interface {
	Compile(source []byte, filename string) (*bytecode.Module, error)
}

type stubCompiler struct{}

func (stubCompiler) Compile([]byte, string) (*bytecode.Module, error) {
	return nil, errors.New("corevm: no compiler front end linked into this build; use 'corevm exec' with a pre-compiled module")
}

const entrypointExport = "main"

// defaultIOFlushInterval bounds how long a natives.fs.read/write request
// can sit in the reactor's batch before DefaultFileExecutor runs it; raw
// fd syscalls are cheap enough that the CLI doesn't need a larger window.
const defaultIOFlushInterval = time.Millisecond

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr, stubCompiler{}))
}

func run(args []string, stdout, stderr io.Writer, compiler Compiler) int {
	if len(args) < 2 {
		fmt.Fprintln(stderr, "usage: corevm <run|exec> <file>")
		return 2
	}
	cfg := config.FromEnv()
	log := vmlog.New(vmlog.ParseLevel(cfg.LogLevel), stderr)

	var mod *bytecode.Module
	switch args[0] {
	case "run":
		src, err := os.ReadFile(args[1])
		if err != nil {
			fmt.Fprintf(stderr, "corevm: %v\n", err)
			return 1
		}
		mod, err = compiler.Compile(src, args[1])
		if err != nil {
			fmt.Fprintf(stderr, "corevm: compile error: %v\n", err)
			return 1
		}
	case "exec":
		data, err := os.ReadFile(args[1])
		if err != nil {
			fmt.Fprintf(stderr, "corevm: %v\n", err)
			return 1
		}
		mod, err = bytecode.Decode(data)
		if err != nil {
			fmt.Fprintf(stderr, "corevm: %v\n", err)
			return 1
		}
	default:
		fmt.Fprintf(stderr, "usage: corevm <run|exec> <file>, got subcommand %q\n", args[0])
		return 2
	}

	return execModule(mod, cfg, log, stdout, stderr)
}

func execModule(mod *bytecode.Module, cfg config.Config, log *vmlog.Logger, stdout, stderr io.Writer) int {
	machine, err := vm.New(mod, cfg, vm.Options{
		Log:        log,
		IOExecutor: ioreactor.DefaultFileExecutor,
		IOConfig: ioreactor.Config{
			MaxBatchSize:   32,
			FlushInterval:  defaultIOFlushInterval,
			MaxConcurrency: 4,
		},
	})
	if err != nil {
		fmt.Fprintf(stderr, "corevm: %v\n", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	machine.Start(ctx)
	defer machine.Stop()

	id, err := machine.SpawnExport(entrypointExport)
	if err != nil {
		fmt.Fprintf(stderr, "corevm: %v\n", err)
		return 1
	}

	result, err := machine.Wait(ctx, id)
	if err != nil {
		fmt.Fprintf(stderr, "corevm: %v\n", err)
		return 1
	}
	if !result.IsNull() {
		fmt.Fprintln(stdout, result.String())
	}
	return 0
}
