package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/pprof"
	"strings"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"

	"github.com/hailam/nnchess/internal/config"
	"github.com/hailam/nnchess/internal/engine"
	"github.com/hailam/nnchess/internal/gpu"
	"github.com/hailam/nnchess/internal/nnue"
	"github.com/hailam/nnchess/internal/server"
	"github.com/hailam/nnchess/internal/storage"
	"github.com/hailam/nnchess/internal/tablebase"
	"github.com/hailam/nnchess/internal/uci"
	"github.com/hailam/nnchess/internal/xboard"
)

const (
	exitOK      = 0
	exitStartup = 1
	exitUsage   = 2
)

// probeCacheEntries bounds the in-memory tablebase cache.
const probeCacheEntries = 1 << 20

func main() {
	os.Exit(run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

func run(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("nnchess", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var (
		configPath = fs.String("config", "", "configuration file (default <data dir>/"+config.FileName+" if present)")
		hashMB     = fs.Int("hash", 0, "transposition table size in MB")
		threads    = fs.Int("threads", 0, "search threads")
		weights    = fs.String("weights", "", "network weight file")
		backend    = fs.String("backend", "", "evaluation backend ("+fmt.Sprint(gpu.Drivers())+")")
		syzygy     = fs.String("syzygy", "", "syzygy tablebase directories")
		logLevel   = fs.String("log-level", "", "log level (debug, info, warn, error)")
		listen     = fs.String("listen", "", "serve the protocol over websocket on this address instead of stdin")
		cpuprofile = fs.String("cpuprofile", "", "write cpu profile to file")
	)
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return exitOK
		}
		return exitUsage
	}

	var cfg config.Config
	var err error
	if *configPath != "" {
		cfg, err = config.Load(*configPath)
	} else {
		cfg, err = config.LoadDefault()
	}
	if err != nil {
		fmt.Fprintln(stderr, "nnchess:", err)
		return exitStartup
	}

	// Flags override the file.
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "hash":
			cfg.Engine.HashMB = *hashMB
		case "threads":
			cfg.Engine.Threads = *threads
		case "weights":
			cfg.Evaluator.Weights = *weights
		case "backend":
			cfg.Backend.Name = *backend
		case "syzygy":
			cfg.Syzygy.Path = *syzygy
		case "log-level":
			cfg.Log.Level = *logLevel
		}
	})
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(stderr, "nnchess:", err)
		return exitStartup
	}

	log := newLogger(cfg, stderr)

	// Start CPU profiling if requested (via flag or environment variable)
	profilePath := *cpuprofile
	if profilePath == "" {
		profilePath = os.Getenv("CPUPROFILE")
	}
	if profilePath != "" {
		f, err := os.Create(profilePath)
		if err != nil {
			log.Error().Err(err).Msg("could not create CPU profile")
			return exitStartup
		}
		defer f.Close()
		if err := pprof.StartCPUProfile(f); err != nil {
			log.Error().Err(err).Msg("could not start CPU profile")
			return exitStartup
		}
		defer pprof.StopCPUProfile()
		log.Info().Str("path", profilePath).Msg("cpu profiling enabled")
	}

	ld := &loader{cfg: cfg, log: log}
	defer ld.Close()

	eval, err := ld.LoadEvaluator(cfg.Evaluator.Weights)
	if err != nil {
		log.Error().Err(err).Msg("evaluator")
		return exitStartup
	}
	prober, err := ld.OpenTablebase(cfg.Syzygy.Path, cfg.Syzygy.Online)
	if err != nil {
		// Tablebases only speed up the endgame; play on without them.
		log.Warn().Err(err).Msg("tablebases disabled")
		prober = tablebase.NoopProber{}
	}

	opts := cfg.EngineOptions(log.With().Str("component", "engine").Logger())
	opts.Prober = prober
	eng, err := engine.New(eval, opts)
	if err != nil {
		if c, ok := eval.(io.Closer); ok {
			c.Close()
		}
		log.Error().Err(err).Msg("engine")
		return exitStartup
	}
	log.Info().
		Str("hash", humanize.IBytes(eng.HashSize())).
		Int("threads", eng.Threads()).
		Msg("engine ready")

	newUCI := func() *uci.UCI {
		protocol := uci.New(eng, ld, stdout, log)
		protocol.SetEvalFile(cfg.Evaluator.Weights)
		protocol.SetSyzygy(cfg.Syzygy.Path, cfg.Syzygy.Online)
		return protocol
	}

	if *listen != "" {
		protocol := newUCI()
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		err := server.New(protocol, log).ListenAndServe(ctx, *listen)
		protocol.Close()
		if err != nil {
			log.Error().Err(err).Msg("server")
			return exitStartup
		}
		return exitOK
	}

	// The first line selects the protocol.
	in := bufio.NewReader(stdin)
	first, _ := in.ReadString('\n')
	if strings.TrimSpace(first) == "xboard" {
		log.Info().Msg("xboard protocol")
		if err := xboard.New(eng, stdout, log).Run(in); err != nil {
			log.Error().Err(err).Msg("reading commands")
		}
		return exitOK
	}
	protocol := newUCI()
	if protocol.Execute(first) {
		return exitOK
	}
	if err := protocol.Run(in); err != nil {
		log.Error().Err(err).Msg("reading commands")
	}
	return exitOK
}

func newLogger(cfg config.Config, w io.Writer) zerolog.Logger {
	lvl, _ := cfg.LogLevel()
	if f, ok := w.(*os.File); ok {
		if fi, err := f.Stat(); err == nil && fi.Mode()&os.ModeCharDevice != 0 {
			w = zerolog.ConsoleWriter{Out: f, TimeFormat: "15:04:05.000"}
		}
	}
	return zerolog.New(w).Level(lvl).With().Timestamp().Logger()
}

// loader builds evaluators and tablebase probers from the configuration.
// It owns the persistent probe store.
type loader struct {
	cfg   config.Config
	log   zerolog.Logger
	store *storage.Store
}

// defaultWeightNames are looked up in the network directory when no weight
// file is configured.
var defaultWeightNames = []string{"nnchess.bin.zst", "nnchess.bin"}

// defaultWeights returns the first default weight file present in the
// network directory, or "".
func defaultWeights() string {
	dir, err := storage.GetNetworkDir()
	if err != nil {
		return ""
	}
	for _, name := range defaultWeightNames {
		path := filepath.Join(dir, name)
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// LoadEvaluator opens a backend and loads path into it. An empty path
// selects the default weight file of the network directory, or the material
// network when there is none.
func (l *loader) LoadEvaluator(path string) (engine.Evaluator, error) {
	if path == "" {
		path = defaultWeights()
	}
	var net *nnue.Network
	if path == "" {
		l.log.Warn().Msg("no weight file configured, using material network")
		net = nnue.NewMaterialNetwork()
	} else {
		var err error
		net, err = nnue.LoadFile(path)
		if err != nil {
			return nil, err
		}
		if fi, err := os.Stat(path); err == nil {
			l.log.Info().Str("path", path).Str("size", humanize.IBytes(uint64(fi.Size()))).Msg("weights loaded")
		}
	}

	b, err := gpu.OpenWithFallback(l.cfg.Backend.Name, l.cfg.GPUOptions(), l.cfg.Backend.Strict, l.log)
	if err != nil {
		return nil, err
	}
	eval, err := nnue.New(net, b, l.cfg.BatchConfig(), l.log)
	if err != nil {
		return nil, err
	}
	return eval, nil
}

// OpenTablebase builds the prober chain: an in-memory cache in front of the
// persistent store in front of the tables.
func (l *loader) OpenTablebase(path string, online bool) (tablebase.Prober, error) {
	var inner tablebase.Prober
	switch {
	case path != "":
		var resolver tablebase.Prober
		if online {
			resolver = tablebase.NewLichessProber()
		}
		sp, err := tablebase.NewSyzygyProber(path, resolver, l.log)
		if err != nil {
			return nil, err
		}
		if !online {
			l.log.Warn().Str("path", path).Msg("syzygy tables indexed but no resolver; enable online probing to use them")
		}
		inner = sp
	case online:
		inner = tablebase.NewLichessProber()
	default:
		return tablebase.NoopProber{}, nil
	}

	if dir := l.cfg.Syzygy.CacheDir; dir != "" {
		if l.store == nil {
			var st *storage.Store
			var err error
			if dir == config.DefaultCacheDir {
				st, err = storage.OpenDefault()
			} else {
				st, err = storage.Open(dir)
			}
			if err != nil {
				return nil, err
			}
			l.store = st
			if n, err := st.Count([]byte("tb:")); err == nil {
				l.log.Info().Str("dir", dir).Str("entries", humanize.Comma(int64(n))).Msg("probe store opened")
			}
		}
		inner = tablebase.NewPersistentProber(inner, l.store, l.log)
	}
	cp, err := tablebase.NewCachedProber(inner, probeCacheEntries)
	if err != nil {
		return nil, err
	}
	return cp, nil
}

// Close releases the probe store.
func (l *loader) Close() error {
	if l.store == nil {
		return nil
	}
	return l.store.Close()
}
