package cli

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/hashrepo/internal/bus"
	"github.com/roach88/hashrepo/internal/config"
	"github.com/roach88/hashrepo/internal/ingest"
	"github.com/roach88/hashrepo/internal/logger"
	"github.com/roach88/hashrepo/internal/pull"
	"github.com/roach88/hashrepo/internal/transport/httpapi"
)

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the repository server and its pulls",
		Long: `Serve the HTTP API and run every persisted pull until SIGINT or
SIGTERM, then shut down gracefully.

Example:
  ENV=prod hashrepo serve
  hashrepo serve --config ./config/local.yaml -v`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(rootOpts, cmd)
		},
	}
}

func runServe(opts *RootOptions, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)

	cfg, err := opts.loadConfig()
	if err != nil {
		return formatter.Fail("load config", err)
	}
	level := cfg.Logging.Level
	if opts.Verbose {
		level = "debug"
	}
	log, err := logger.NewLogger(cfg.Env, level)
	if err != nil {
		return formatter.Fail("create logger", err)
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ln, err := net.Listen("tcp", cfg.HTTP.Addr)
	if err != nil {
		return formatter.Fail("listen", err)
	}
	if err := Serve(ctx, cfg, ln, log); err != nil {
		return formatter.Fail("serve", err)
	}
	return nil
}

// Serve runs the HTTP API on ln and the pull manager until ctx ends, then
// drains both. It owns ln.
func Serve(ctx context.Context, cfg config.Config, ln net.Listener, log *zap.Logger) error {
	st, err := openStore(cfg)
	if err != nil {
		ln.Close()
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	blobs, err := openBlobs(cfg)
	if err != nil {
		ln.Close()
		return fmt.Errorf("open blobs: %w", err)
	}
	defer blobs.Close()

	events := bus.New()
	defer events.Close()

	ing := ingest.New(st, blobs, events, log.Named("ingest"), ingest.Options{MaxBytes: cfg.Ingest.MaxBytes})
	pulls := pull.NewManager(st, ing, pull.SettingsFrom(cfg.Pull), nil, log.Named("pull"))

	api := httpapi.NewServer(httpapi.Deps{Store: st, Blobs: blobs, Bus: events, Ingest: ing}, httpapi.Options{
		Heartbeat: cfg.Stream.Heartbeat(),
		MaxLimit:  cfg.Stream.MaxLimit,
	}, log.Named("http"))

	g, gctx := errgroup.WithContext(ctx)

	// WriteTimeout 0 leaves live queries open indefinitely; open streams end
	// with the group context.
	srv := &http.Server{
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       time.Duration(cfg.HTTP.ReadTimeoutSec) * time.Second,
		WriteTimeout:      time.Duration(cfg.HTTP.WriteTimeoutSec) * time.Second,
		BaseContext:       func(net.Listener) context.Context { return gctx },
	}

	g.Go(func() error {
		log.Info("starting HTTP server", zap.String("addr", ln.Addr().String()))
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		// Shutdown stops pulls through Close so an in-flight commit completes.
		running, err := pulls.Start(context.WithoutCancel(gctx))
		if err != nil {
			return fmt.Errorf("start pulls: %w", err)
		}
		log.Info("pulls started", zap.Int("running", running))
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.HTTP.ShutdownSec)*time.Second)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		pulls.Close()
		if err != nil {
			return fmt.Errorf("http shutdown: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	log.Info("server stopped gracefully")
	return nil
}
