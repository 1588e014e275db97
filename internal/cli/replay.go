package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/e7canasta/orion-care-sensor/modules/metamux"
	"github.com/e7canasta/orion-care-sensor/modules/metamux/internal/jsoncodec"
	"github.com/e7canasta/orion-care-sensor/modules/metamux/unitbus"
)

// ReplayOptions holds flags for the replay command.
type ReplayOptions struct {
	*RootOptions
	Config  string
	Media   string
	Sources []string // name=path
	Mode    string   // overrides the configured mode when set
	Chunk   int
	Serve   string
}

// NewReplayCommand creates the replay command.
func NewReplayCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ReplayOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Replay a media timeline and metadata files through the engine",
		Long: `Replay a media timeline and metadata files through the engine.

The media timeline is one JSON object per line:
  {"seq":0,"timestamp_ns":0,"duration_ns":33000000,"width":1280,"height":720}

Text sources are read in --chunk byte pieces, so tokens are split the way a
transport splits them. Binary sources are one JSON object per line with
base64 blocks:
  {"timestamp_ns":0,"vectors":"AQID...","stats":"..."}

Every released unit is written to stdout as a JSON line. Declared sources
without a --source file are treated as already finished.

Example:
  metamux-replay replay -c metamux.yaml --media units.ndjson \
    --source detector=detections.txt --source motion=flow.ndjson`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReplay(cmd.Context(), opts, cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}

	cmd.Flags().StringVarP(&opts.Config, "config", "c", "", "path to the YAML configuration")
	cmd.Flags().StringVar(&opts.Media, "media", "", "media timeline (NDJSON)")
	cmd.Flags().StringArrayVar(&opts.Sources, "source", nil, "metadata file of a declared source, as name=path (repeatable)")
	cmd.Flags().StringVar(&opts.Mode, "mode", "", "override the configured mode (async|sync)")
	cmd.Flags().IntVar(&opts.Chunk, "chunk", 4096, "read size for text sources in bytes")
	cmd.Flags().StringVar(&opts.Serve, "serve", "", "serve /metrics and /latest on this address during the replay")
	_ = cmd.MarkFlagRequired("config")
	_ = cmd.MarkFlagRequired("media")

	return cmd
}

func runReplay(ctx context.Context, opts *ReplayOptions, stdout, stderr io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	log := opts.Logger(stderr)

	cfg, err := metamux.Load(opts.Config)
	if err != nil {
		return err
	}
	if opts.Mode != "" {
		if err := cfg.Mode.UnmarshalText([]byte(opts.Mode)); err != nil {
			return err
		}
	}

	files, err := parseSourceFlags(opts.Sources, cfg)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	eng, err := metamux.New(*cfg, metamux.WithLogger(log), metamux.WithRegisterer(reg))
	if err != nil {
		return err
	}

	media, err := openMedia(opts.Media)
	if err != nil {
		return err
	}
	defer media.Close()

	feeds := make([]metamux.MetadataSource, 0, len(files))
	for _, src := range cfg.Sources {
		path, ok := files[src.Name]
		if !ok {
			continue
		}
		var (
			ms     metamux.MetadataSource
			closer io.Closer
		)
		if src.Format == metamux.Binary {
			f, err := openFlow(src.Name, path)
			if err != nil {
				return err
			}
			ms, closer = f, f
		} else {
			f, err := openText(src.Name, path, opts.Chunk)
			if err != nil {
				return err
			}
			ms, closer = f, f
		}
		defer closer.Close()
		feeds = append(feeds, ms)
	}

	bus := unitbus.New()
	defer bus.Close()

	units := make(chan *metamux.Unit, 64)
	if err := bus.Subscribe("stdout", units, unitbus.Block); err != nil {
		return err
	}
	latest, err := bus.SubscribeLatest("latest")
	if err != nil {
		return err
	}

	if opts.Serve != "" {
		srv, err := serve(opts.Serve, reg, latest, log)
		if err != nil {
			return err
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	if err := eng.Start(); err != nil {
		return err
	}
	defer eng.Stop()

	for _, src := range cfg.Sources {
		if _, ok := files[src.Name]; !ok {
			log.Warn("metamux: no file for declared source, treating it as finished", "source", src.Name)
			if err := eng.EndOfStream(src.Name); err != nil {
				return err
			}
		}
	}

	writeErr := make(chan error, 1)
	go func() {
		var err error
		for u := range units {
			if err == nil {
				err = jsoncodec.Encode(stdout, u)
			}
		}
		writeErr <- err
	}()

	var (
		wg       sync.WaitGroup
		feedMu   sync.Mutex
		feedErrs []error
	)
	for _, src := range feeds {
		wg.Add(1)
		go func(src metamux.MetadataSource) {
			defer wg.Done()
			if err := eng.Feed(ctx, src); err != nil {
				feedMu.Lock()
				feedErrs = append(feedErrs, err)
				feedMu.Unlock()
			}
		}(src)
	}

	started := time.Now()
	runErr := eng.Run(ctx, media, bus)
	eng.Stop()
	wg.Wait()

	// Run was the only emitter.
	close(units)
	if err := <-writeErr; err != nil && runErr == nil {
		runErr = fmt.Errorf("write units: %w", err)
	}

	stats := eng.Stats()
	log.Info("metamux: replay finished",
		"elapsed", time.Since(started).Round(time.Millisecond),
		"units_emitted", stats.UnitsEmitted,
		"units_abandoned", stats.UnitsAbandoned,
		"sync_timeouts", stats.SyncTimeouts,
	)
	for name, s := range stats.Sources {
		log.Info("metamux: source summary",
			"source", name,
			"consumed", s.Consumed,
			"reused", s.Reused,
			"evicted", s.Evicted,
			"decode_errors", s.DecodeErrors,
		)
	}

	return errors.Join(append([]error{runErr}, feedErrs...)...)
}

// parseSourceFlags maps name=path flags to declared sources.
func parseSourceFlags(flags []string, cfg *metamux.Config) (map[string]string, error) {
	declared := make(map[string]bool, len(cfg.Sources))
	for _, src := range cfg.Sources {
		declared[src.Name] = true
	}

	files := make(map[string]string, len(flags))
	for _, f := range flags {
		name, path, ok := strings.Cut(f, "=")
		if !ok || name == "" || path == "" {
			return nil, fmt.Errorf("invalid --source %q: want name=path", f)
		}
		if !declared[name] {
			return nil, fmt.Errorf("--source %q: %w", name, metamux.ErrUnknownSource)
		}
		if _, dup := files[name]; dup {
			return nil, fmt.Errorf("--source %q given twice", name)
		}
		files[name] = path
	}
	return files, nil
}

// serve exposes the engine metrics and the latest released unit.
func serve(addr string, reg *prometheus.Registry, latest *unitbus.Receiver, log *slog.Logger) (*http.Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	mux.HandleFunc("/latest", func(w http.ResponseWriter, r *http.Request) {
		u, ok := latest.Latest()
		if !ok {
			http.Error(w, "no unit released yet", http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = jsoncodec.Encode(w, u)
	})

	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metamux: metrics server failed", "error", err)
		}
	}()
	log.Info("metamux: serving metrics", "addr", ln.Addr().String())
	return srv, nil
}
