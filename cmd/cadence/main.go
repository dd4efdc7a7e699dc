// Cadence: cooperative bytecode script host.
//
// Usage:
//
//	cadence run [flags] <file.casm|file.int|name>
//	cadence asm [-o out.int] [-d] <file.casm|file.int>
//	cadence archive put|get|list|rm [flags] ...
//	cadence serve [-config cadence.toml]
//	cadence feed [-addr host:port] [-program name]
//	cadence token <secret>
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/fortiblox/X1-Cadence/pkg/archive"
	"github.com/fortiblox/X1-Cadence/pkg/asm"
	"github.com/fortiblox/X1-Cadence/pkg/config"
	"github.com/fortiblox/X1-Cadence/pkg/host"
	"github.com/fortiblox/X1-Cadence/pkg/image"
	"github.com/fortiblox/X1-Cadence/pkg/intlib"
	"github.com/fortiblox/X1-Cadence/pkg/outputfeed"
	"github.com/fortiblox/X1-Cadence/pkg/rpc"
	"github.com/fortiblox/X1-Cadence/pkg/vm"
)

// Version information
var (
	Version   = "0.4.0"
	GitCommit = "dev"
)

const usage = `usage: cadence <command> [flags] [args]

commands:
  run      assemble or load a script and run it until every program exits
  asm      assemble .casm source into an image, or disassemble with -d
  archive  manage the script archive (put, get, list, rm)
  serve    run the host with the JSON-RPC server and output feed
  feed     print lines from a running host's output feed
  token    print the [rpc] token_hash for a bearer token
  version  print version and exit
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	var err error
	args := os.Args[2:]
	switch os.Args[1] {
	case "run":
		err = cmdRun(args)
	case "asm":
		err = cmdAsm(args)
	case "archive":
		err = cmdArchive(args)
	case "serve":
		err = cmdServe(args)
	case "feed":
		err = cmdFeed(args)
	case "token":
		err = cmdToken(args)
	case "version", "-version", "--version":
		fmt.Printf("cadence %s (%s)\n", Version, GitCommit)
	case "help", "-h", "-help", "--help":
		fmt.Print(usage)
	default:
		fmt.Fprintf(os.Stderr, "cadence: unknown command %q\n\n%s", os.Args[1], usage)
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "cadence %s: %v\n", os.Args[1], err)
		os.Exit(1)
	}
}

// newLogger builds a console logger on stderr.
func newLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	w := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05.000"}
	return zerolog.New(w).Level(lvl).With().Timestamp().Logger()
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(log zerolog.Logger) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-sigChan:
			log.Info().Str("signal", sig.String()).Msg("shutting down")
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

// readImage assembles .casm files and reads anything else as an image.
func readImage(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if strings.EqualFold(filepath.Ext(path), ".casm") {
		return asm.New(intlib.Mnemonics()).Assemble(path, string(data))
	}
	return data, nil
}

func scriptName(path string) string {
	return strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
}

func cmdRun(args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	burst := fs.Int("burst", vm.DefaultBurstSize, "opcodes per program per tick")
	tick := fs.Duration("tick", 20*time.Millisecond, "scheduler tick interval")
	limit := fs.Duration("for", 0, "stop after this long (0 = until all programs exit)")
	dir := fs.String("dir", "", "directory searched for NAME.int (default: the script's directory)")
	archivePath := fs.String("archive", "", "script archive searched before -dir")
	logLevel := fs.String("log-level", "warn", "log level: trace, debug, info, warn, error")
	fs.Parse(args)
	if fs.NArg() != 1 {
		return errors.New("expected one script")
	}
	log := newLogger(*logLevel)

	target := fs.Arg(0)
	name := target
	var entry []byte
	if _, err := os.Stat(target); err == nil {
		data, err := readImage(target)
		if err != nil {
			return err
		}
		entry, name = data, scriptName(target)
		if *dir == "" {
			*dir = filepath.Dir(target)
		}
	}

	var loaders []vm.Loader
	if *archivePath != "" {
		cfg := archive.DefaultConfig(*archivePath)
		cfg.ReadOnly = true
		cfg.Logger = log
		arc, err := archive.Open(cfg)
		if err != nil {
			return err
		}
		defer arc.Close()
		loaders = append(loaders, arc)
	}
	if *dir != "" {
		loaders = append(loaders, host.DirLoader(*dir))
	}

	cfg := vm.DefaultConfig()
	cfg.BurstSize = *burst
	cfg.Logger = log
	cfg.Output = vm.OutputFunc(func(source, text string) {
		fmt.Printf("[%s] %s\n", source, text)
	})
	cfg.Loader = vm.LoaderFunc(func(n string) ([]byte, error) {
		if entry != nil && strings.EqualFold(n, name) {
			return entry, nil
		}
		for _, l := range loaders {
			data, err := l.Load(n)
			if err == nil || !errors.Is(err, vm.ErrScriptNotFound) {
				return data, err
			}
		}
		return nil, fmt.Errorf("%w: %s", vm.ErrScriptNotFound, n)
	})
	c := vm.New(cfg)
	if err := intlib.Register(c); err != nil {
		return err
	}

	ctx, cancel := signalContext(log)
	defer cancel()
	if *limit > 0 {
		ctx, cancel = context.WithTimeout(ctx, *limit)
		defer cancel()
	}

	p, err := c.RunScript(name)
	if err != nil {
		return err
	}

	ticker := time.NewTicker(*tick)
	defer ticker.Stop()
	for len(c.Programs()) > 0 {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			c.Update()
		}
	}
	if p.Faulted() {
		return p.Fault()
	}
	return nil
}

func cmdAsm(args []string) error {
	fs := flag.NewFlagSet("asm", flag.ExitOnError)
	out := fs.String("o", "", "output image (default: input with .int extension)")
	dis := fs.Bool("d", false, "disassemble instead of assembling")
	fs.Parse(args)
	if fs.NArg() != 1 {
		return errors.New("expected one input file")
	}
	in := fs.Arg(0)

	data, err := readImage(in)
	if err != nil {
		return err
	}

	if *dis {
		img, err := image.Parse(in, data)
		if err != nil {
			return err
		}
		fmt.Print(asm.Disassemble(img, intlib.Name))
		return nil
	}

	if *out == "" {
		*out = strings.TrimSuffix(in, filepath.Ext(in)) + ".int"
	}
	if err := os.WriteFile(*out, data, 0644); err != nil {
		return err
	}
	fmt.Printf("%s: %d bytes\n", *out, len(data))
	return nil
}

func cmdArchive(args []string) error {
	if len(args) < 1 {
		return errors.New("expected put, get, list or rm")
	}
	sub := args[0]
	fs := flag.NewFlagSet("archive "+sub, flag.ExitOnError)
	path := fs.String("db", "data/scripts.db", "archive database")
	out := fs.String("o", "", "output file for get (default: stdout)")
	fs.Parse(args[1:])

	cfg := archive.DefaultConfig(*path)
	cfg.ReadOnly = sub == "get" || sub == "list"
	arc, err := archive.Open(cfg)
	if err != nil {
		return err
	}
	defer arc.Close()

	switch sub {
	case "put":
		if fs.NArg() == 0 {
			return errors.New("expected script files")
		}
		for _, file := range fs.Args() {
			data, err := readImage(file)
			if err != nil {
				return err
			}
			entry, err := arc.Put(scriptName(file), data)
			if err != nil {
				return err
			}
			fmt.Printf("%s\t%s\t%d -> %d bytes\n", entry.Key, entry.Digest, entry.Size, entry.Stored)
		}
		return nil

	case "get":
		if fs.NArg() != 1 {
			return errors.New("expected one script name")
		}
		data, err := arc.Get(fs.Arg(0))
		if err != nil {
			return err
		}
		if *out == "" {
			_, err = os.Stdout.Write(data)
			return err
		}
		return os.WriteFile(*out, data, 0644)

	case "list":
		entries, err := arc.List()
		if err != nil {
			return err
		}
		for _, e := range entries {
			fmt.Printf("%-24s %s %6d bytes %2d procs  %s\n", e.Key, e.Digest, e.Size, e.Procedures, e.Added.Format(time.RFC3339))
		}
		return nil

	case "rm":
		for _, name := range fs.Args() {
			if err := arc.Delete(name); err != nil {
				return err
			}
		}
		return nil
	}
	return fmt.Errorf("unknown archive command %q", sub)
}

func cmdServe(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "config file (default: search upward for "+config.FileName+")")
	rpcAddr := fs.String("rpc-addr", "", "override [rpc] addr and enable the server")
	feedAddr := fs.String("feed-addr", "", "override [feed] addr and enable the feed")
	logLevel := fs.String("log-level", "", "override [log] level")
	fs.Parse(args)

	var cfg *config.Config
	var err error
	if *configPath != "" {
		cfg, err = config.Load(*configPath)
	} else {
		cfg, err = config.FindAndLoad(".")
	}
	if err != nil {
		return err
	}
	if *rpcAddr != "" {
		cfg.RPC.Enabled, cfg.RPC.Addr = true, *rpcAddr
	}
	if *feedAddr != "" {
		cfg.Feed.Enabled, cfg.Feed.Addr = true, *feedAddr
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}
	cfg.Host.Boot = append(cfg.Host.Boot, fs.Args()...)
	if err := cfg.Validate(); err != nil {
		return err
	}

	log := cfg.Logger(os.Stderr)
	log.Info().Str("version", Version).Str("dir", cfg.Dir).Msg("starting cadence")

	ctx, cancel := signalContext(log)
	defer cancel()

	h, err := host.New(host.FromFile(cfg, log))
	if err != nil {
		return err
	}
	if err := h.Start(ctx); err != nil {
		return err
	}

	status := time.NewTicker(30 * time.Second)
	defer status.Stop()
	for {
		select {
		case <-ctx.Done():
			return h.Stop()
		case <-status.C:
			st := h.Status()
			ev := log.Info()
			if st.LastError != nil {
				ev = ev.AnErr("last_error", st.LastError)
			}
			ev.Int("programs", st.Programs).Uint64("ticks", st.Ticks).Int("subscribers", st.Subscribers).Msg("status")
		}
	}
}

func cmdFeed(args []string) error {
	fs := flag.NewFlagSet("feed", flag.ExitOnError)
	addr := fs.String("addr", config.Default().Feed.Addr, "output feed address")
	program := fs.String("program", "", "only lines from this program")
	replay := fs.Bool("replay", true, "print buffered history first")
	fs.Parse(args)

	log := newLogger("warn")
	ctx, cancel := signalContext(log)
	defer cancel()

	client, err := outputfeed.Dial(*addr)
	if err != nil {
		return err
	}
	defer client.Close()

	stream, err := client.Subscribe(ctx, outputfeed.SubscribeRequest{Program: *program, Replay: *replay})
	if err != nil {
		return err
	}
	for {
		line, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				return nil
			}
			return err
		}
		fmt.Printf("%6d [%s] %s\n", line.Seq, line.Program, line.Text)
	}
}

func cmdToken(args []string) error {
	if len(args) != 1 {
		return errors.New("expected one token")
	}
	hash, err := rpc.HashToken(args[0])
	if err != nil {
		return err
	}
	fmt.Printf("token_hash = %q\n", hash)
	return nil
}
