package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	wbp "github.com/machinefabric/wbp-go"
	"github.com/machinefabric/wbp-go/cbor"
)

type command func(opts *globalOptions, log *zap.Logger, args []string) error

var commands = map[string]command{
	"exec":     runExec,
	"repl":     runRepl,
	"put":      runPut,
	"get":      runGet,
	"complete": runComplete,
	"reset":    runReset,
}

// withClient connects under the --timeout deadline and runs fn
func withClient(opts *globalOptions, log *zap.Logger, fn func(ctx context.Context, c *wbp.Client) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), opts.Timeout)
	defer cancel()
	client, err := connect(ctx, opts, log)
	if err != nil {
		return err
	}
	defer client.Close()
	return fn(ctx, client)
}

func runExec(opts *globalOptions, log *zap.Logger, args []string) error {
	flagSet := pflag.NewFlagSet("exec", pflag.ContinueOnError)
	file := flagSet.StringP("file", "f", "", "read code from a file, - for stdin")
	if err := flagSet.Parse(args); err != nil {
		return err
	}

	var source string
	switch {
	case *file == "-":
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return err
		}
		source = string(data)
	case *file != "":
		data, err := os.ReadFile(*file)
		if err != nil {
			return err
		}
		source = string(data)
	case flagSet.NArg() > 0:
		source = strings.Join(flagSet.Args(), " ")
	default:
		return fmt.Errorf("exec: no code given")
	}

	return withClient(opts, log, func(ctx context.Context, c *wbp.Client) error {
		result, err := c.Exec(ctx, opts.Channel, source, "", os.Stdout)
		if err != nil {
			return err
		}
		if !result.OK() {
			return fmt.Errorf("%s", strings.TrimRight(result.Error, "\n"))
		}
		return nil
	})
}

// runRepl forwards typed lines: as code when idle, as stdin while a
// program runs. Ctrl-C interrupts the running program.
func runRepl(opts *globalOptions, log *zap.Logger, args []string) error {
	if len(args) > 0 {
		return fmt.Errorf("repl: unexpected argument %s", args[0])
	}
	ctx, cancel := context.WithTimeout(context.Background(), opts.Timeout)
	client, err := connect(ctx, opts, log)
	cancel()
	if err != nil {
		return err
	}
	defer client.Close()

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	interrupts := make(chan os.Signal, 1)
	signal.Notify(interrupts, os.Interrupt)
	defer signal.Stop(interrupts)

	type outcome struct {
		result *wbp.ExecResult
		err    error
	}
	var running chan outcome

	prompt := func() { fmt.Fprint(os.Stderr, ">>> ") }
	prompt()
	for {
		select {
		case line, ok := <-lines:
			if !ok {
				fmt.Fprintln(os.Stderr)
				return nil
			}
			if running != nil {
				if err := client.Input(opts.Channel, line+"\n"); err != nil {
					return err
				}
				continue
			}
			if strings.TrimSpace(line) == "" {
				prompt()
				continue
			}
			running = make(chan outcome, 1)
			go func(done chan outcome, source string) {
				result, err := client.Exec(context.Background(), opts.Channel, source, "", os.Stdout)
				done <- outcome{result, err}
			}(running, line)

		case <-interrupts:
			if running == nil {
				fmt.Fprintln(os.Stderr)
				prompt()
				continue
			}
			if err := client.Interrupt(opts.Channel); err != nil {
				return err
			}

		case out := <-running:
			running = nil
			if out.err != nil {
				return out.err
			}
			if !out.result.OK() {
				fmt.Fprint(os.Stderr, out.result.Error)
				if !strings.HasSuffix(out.result.Error, "\n") {
					fmt.Fprintln(os.Stderr)
				}
			}
			prompt()
		}
	}
}

func runPut(opts *globalOptions, log *zap.Logger, args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("put: want <local> <remote>")
	}
	f, err := os.Open(args[0])
	if err != nil {
		return err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return err
	}
	return withClient(opts, log, func(ctx context.Context, c *wbp.Client) error {
		if err := c.Put(ctx, args[1], f, uint64(info.Size()), opts.BlockSize); err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "sent %d bytes to %s\n", info.Size(), args[1])
		return nil
	})
}

func runGet(opts *globalOptions, log *zap.Logger, args []string) error {
	if len(args) < 1 || len(args) > 2 {
		return fmt.Errorf("get: want <remote> [local]")
	}
	var w io.Writer = os.Stdout
	if len(args) == 2 && args[1] != "-" {
		f, err := os.Create(args[1])
		if err != nil {
			return err
		}
		defer f.Close()
		w = f
	}
	return withClient(opts, log, func(ctx context.Context, c *wbp.Client) error {
		n, err := c.Get(ctx, args[0], w, opts.BlockSize)
		if err != nil {
			return err
		}
		if w != os.Stdout {
			fmt.Fprintf(os.Stderr, "received %d bytes from %s\n", n, args[0])
		}
		return nil
	})
}

func runComplete(opts *globalOptions, log *zap.Logger, args []string) error {
	prefix := strings.Join(args, " ")
	return withClient(opts, log, func(ctx context.Context, c *wbp.Client) error {
		names, err := c.Complete(ctx, opts.Channel, prefix)
		if err != nil {
			return err
		}
		for _, name := range names {
			fmt.Println(name)
		}
		return nil
	})
}

func runReset(opts *globalOptions, log *zap.Logger, args []string) error {
	flagSet := pflag.NewFlagSet("reset", pflag.ContinueOnError)
	hard := flagSet.Bool("hard", false, "restart the daemon instead of rebuilding the interpreter")
	if err := flagSet.Parse(args); err != nil {
		return err
	}
	mode := cbor.ResetSoft
	if *hard {
		mode = cbor.ResetHard
	}
	return withClient(opts, log, func(ctx context.Context, c *wbp.Client) error {
		return c.Reset(opts.Channel, mode)
	})
}
