// wbpctl is a host-side client for wbpd: it runs code, opens an
// interactive prompt, moves files and asks for completions over any of
// the daemon's transports.
package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	wbp "github.com/machinefabric/wbp-go"
	"github.com/machinefabric/wbp-go/cbor"
	"github.com/machinefabric/wbp-go/logging"
	"github.com/machinefabric/wbp-go/transport"
)

const envPassword = "WBP_PASSWORD"

// globalOptions are the flags shared by every command
type globalOptions struct {
	Transport string
	Address   string
	Password  string
	Channel   uint8
	BlockSize int
	Timeout   time.Duration
	LogLevel  string
	Events    bool
}

func (o *globalOptions) addFlags(flagSet *pflag.FlagSet) {
	flagSet.StringVarP(&o.Transport, "transport", "t", "tcp", "tcp, ws or webrtc")
	flagSet.StringVarP(&o.Address, "addr", "a", "127.0.0.1:8266", "daemon address (host:port, or a URL for ws)")
	flagSet.StringVarP(&o.Password, "password", "p", "", "AUTH password (default $"+envPassword+")")
	flagSet.Uint8VarP(&o.Channel, "channel", "c", cbor.ChannelTerminal, "execution channel, 1-22")
	flagSet.IntVar(&o.BlockSize, "block-size", 0, "file transfer block size, 0 for the daemon default")
	flagSet.DurationVar(&o.Timeout, "timeout", 30*time.Second, "overall deadline for non-interactive commands")
	flagSet.StringVar(&o.LogLevel, "log-level", "warn", "client log level")
	flagSet.BoolVar(&o.Events, "events", false, "print INFO and LOG events to stderr")
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "wbpctl: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	var opts globalOptions
	flagSet := pflag.NewFlagSet("wbpctl", pflag.ContinueOnError)
	flagSet.SetInterspersed(false)
	opts.addFlags(flagSet)
	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			printHelp(flagSet)
			return nil
		}
		return err
	}
	if opts.Password == "" {
		opts.Password = os.Getenv(envPassword)
	}
	if opts.Channel < 1 || opts.Channel > cbor.ChannelExecMax {
		return fmt.Errorf("--channel must be between 1 and %d", cbor.ChannelExecMax)
	}

	rest := flagSet.Args()
	if len(rest) == 0 {
		printHelp(flagSet)
		return fmt.Errorf("no command given")
	}
	cmd, ok := commands[rest[0]]
	if !ok {
		return fmt.Errorf("unknown command %q", rest[0])
	}

	logCfg := logging.DefaultConfig()
	logCfg.Format = logging.FormatConsole
	logCfg.Level = opts.LogLevel
	logCfg.ApplyEnv()
	log, err := logging.New(logCfg)
	if err != nil {
		return err
	}
	defer log.Sync()

	return cmd(&opts, log, rest[1:])
}

func printHelp(flagSet *pflag.FlagSet) {
	fmt.Fprintf(os.Stderr, `wbpctl talks to a wbpd daemon.

Usage:
  wbpctl [flags] <command> [args]

Commands:
  exec [-f file] [code...]    run code and print its output
  repl                        interactive prompt; Ctrl-C interrupts
  put <local> <remote>        upload a file
  get <remote> [local]        download a file, "-" or no local for stdout
  complete <prefix>           list completions
  reset [--hard]              reset the interpreter

Flags:
`)
	flagSet.SetOutput(os.Stderr)
	flagSet.PrintDefaults()
}

// connect dials the daemon and authenticates
func connect(ctx context.Context, opts *globalOptions, log *zap.Logger) (*wbp.Client, error) {
	conn, err := dial(ctx, opts)
	if err != nil {
		return nil, err
	}
	clientOpts := wbp.ClientOptions{Logger: log}
	if opts.Events {
		sugar := log.Sugar()
		clientOpts.OnEvent = func(f *cbor.Frame) {
			switch f.Kind {
			case cbor.KindInfo:
				fmt.Fprintf(os.Stderr, "[info] %s\n", f.JSON)
			case cbor.KindLog:
				source := ""
				if f.Source != nil {
					source = *f.Source + ": "
				}
				fmt.Fprintf(os.Stderr, "[%s] %s%s\n", levelName(f.Level), source, f.Message)
			default:
				sugar.Debugf("unhandled event %s", f)
			}
		}
	}
	client := wbp.NewClient(conn, clientOpts)
	if err := client.Auth(ctx, opts.Password); err != nil {
		client.Close()
		return nil, err
	}
	return client, nil
}

func dial(ctx context.Context, opts *globalOptions) (wbp.MessageConn, error) {
	switch opts.Transport {
	case "tcp":
		return transport.DialStream(ctx, opts.Address)
	case "ws":
		return transport.DialWebSocket(ctx, endpoint(opts.Address, "ws", "/ws"))
	case "webrtc":
		offerURL := endpoint(opts.Address, "http", "/webrtc/offer")
		return transport.OfferDataChannel(ctx, transport.ICEConfig{}, httpSignal(offerURL))
	default:
		return nil, fmt.Errorf("unknown transport %q", opts.Transport)
	}
}

// endpoint turns a bare host:port into a URL with scheme and path
func endpoint(addr, scheme, path string) string {
	if strings.Contains(addr, "://") {
		return addr
	}
	return scheme + "://" + addr + path
}

// httpSignal posts the offer SDP to url and returns the answer body
func httpSignal(url string) transport.Signal {
	return func(ctx context.Context, offerSDP string) (string, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(offerSDP))
		if err != nil {
			return "", err
		}
		req.Header.Set("Content-Type", "application/sdp")
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return "", fmt.Errorf("signal: %w", err)
		}
		defer resp.Body.Close()
		body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		if err != nil {
			return "", fmt.Errorf("signal: %w", err)
		}
		if resp.StatusCode != http.StatusOK {
			return "", fmt.Errorf("signal: %s: %s", resp.Status, bytes.TrimSpace(body))
		}
		return string(body), nil
	}
}

func levelName(level uint8) string {
	switch level {
	case cbor.LogDebug:
		return "debug"
	case cbor.LogInfo:
		return "info"
	case cbor.LogWarn:
		return "warn"
	case cbor.LogError:
		return "error"
	default:
		return fmt.Sprintf("level%d", level)
	}
}
