// Command cyclevc serves cyclic voice-conversion training and evaluation
// batches and inspects the corpus they are built from.
//
// Usage:
//
//	cyclevc [-config cyclevc.yaml] serve
//	cyclevc [-config cyclevc.yaml] pairs
//	cyclevc [-config cyclevc.yaml] check [-split train|eval]
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/cyclevc/internal/app"
	"github.com/MrWong99/cyclevc/internal/config"
	"github.com/MrWong99/cyclevc/internal/dataset"
	"github.com/MrWong99/cyclevc/internal/loader"
	"github.com/MrWong99/cyclevc/internal/observe"
	"github.com/MrWong99/cyclevc/internal/pairing"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	fs := flag.NewFlagSet("cyclevc", flag.ContinueOnError)
	configPath := fs.String("config", "cyclevc.yaml", "path to the YAML configuration file")
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "usage: cyclevc [-config path] <serve|pairs|check> [flags]\n")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return 2
	}
	cmd, cmdArgs := fs.Arg(0), fs.Args()[1:]

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "cyclevc: config file %q not found\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "cyclevc: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	level.Set(parseLevel(cfg.Server.LogLevel))
	slog.SetDefault(newLogger(level))

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: cfg.Telemetry.ServiceName})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(sctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Application ───────────────────────────────────────────────────────────
	application, err := app.New(ctx, cfg)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := application.Shutdown(sctx); err != nil {
			slog.Error("shutdown error", "err", err)
		}
	}()

	switch cmd {
	case "serve":
		return serve(ctx, application, *configPath, level)
	case "pairs":
		return pairs(application, os.Stdout)
	case "check":
		return check(ctx, application, cfg, cmdArgs, os.Stdout)
	default:
		fmt.Fprintf(os.Stderr, "cyclevc: unknown command %q\n", cmd)
		fs.Usage()
		return 2
	}
}

// ── serve ──────────────────────────────────────────────────────────────────────

func serve(ctx context.Context, a *app.App, configPath string, level *slog.LevelVar) int {
	w, err := config.NewWatcher(configPath, func(prev, next *config.Config) {
		d := config.Diff(prev, next)
		if d.LogLevelChanged {
			level.Set(parseLevel(d.NewLogLevel))
			slog.Info("log level changed", "level", d.NewLogLevel)
		}
		if len(d.RestartRequired) > 0 {
			slog.Warn("configuration changes take effect after restart", "sections", d.RestartRequired)
		}
	})
	if err != nil {
		slog.Error("failed to watch config", "err", err)
		return 1
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.Run(gctx) })
	g.Go(func() error {
		<-gctx.Done()
		w.Stop()
		return nil
	})

	slog.Info("server ready, press Ctrl+C to shut down")
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── pairs ──────────────────────────────────────────────────────────────────────

func pairs(a *app.App, out io.Writer) int {
	ev := a.Eval()
	if ev == nil {
		fmt.Fprintln(os.Stderr, "cyclevc: no evaluation lists configured")
		return 1
	}
	writePairs(out, ev.Table())
	return 0
}

func writePairs(out io.Writer, t *pairing.Table) {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SOURCE\tTARGET SPEAKER\tTARGET\tVALID")
	for _, p := range t.Pairs() {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%v\n", p.Source, p.TargetSpeaker, p.Target, p.Valid)
	}
	_ = tw.Flush()

	fmt.Fprintln(out)
	tw = tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SOURCE SPEAKER\tNATURAL TARGET\tTARGET\tVALID\tINVALID\tPLACEHOLDER")
	for _, b := range t.Blocks() {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%v\n", b.Source, b.NaturalTarget, b.Target, b.Valid, b.Invalid, b.Fallback)
	}
	_ = tw.Flush()
}

// ── check ──────────────────────────────────────────────────────────────────────

func check(ctx context.Context, a *app.App, cfg *config.Config, args []string, out io.Writer) int {
	fs := flag.NewFlagSet("check", flag.ContinueOnError)
	split := fs.String("split", app.SplitTrain, "split to verify (train or eval)")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	src, ok := a.Splits()[*split]
	if !ok {
		fmt.Fprintf(os.Stderr, "cyclevc: unknown or unconfigured split %q\n", *split)
		return 2
	}

	failures, err := verify(ctx, src, cfg.Loader.Workers)
	if err != nil {
		slog.Error("check aborted", "err", err)
		return 1
	}
	fmt.Fprintf(out, "%s: %d examples, %d failures\n", *split, src.Len(), len(failures))
	for _, f := range failures {
		fmt.Fprintf(out, "  #%d: %v\n", f.Index, f.Err)
	}
	if len(failures) > 0 {
		return 1
	}
	return 0
}

func verify(ctx context.Context, src dataset.Source, workers int) ([]loader.Failure, error) {
	ld, err := loader.New(src, loader.WithWorkers(workers))
	if err != nil {
		return nil, err
	}
	return ld.Verify(ctx)
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func parseLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func newLogger(level slog.Leveler) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
