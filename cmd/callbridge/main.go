package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/gorilla/websocket"
	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"

	"github.com/vango-go/vai-callbridge/internal/dotenv"
	"github.com/vango-go/vai-callbridge/pkg/core"
	"github.com/vango-go/vai-callbridge/pkg/core/voice/stt"
	"github.com/vango-go/vai-callbridge/pkg/core/voice/tts"
	"github.com/vango-go/vai-callbridge/pkg/gateway/call/conversation"
	"github.com/vango-go/vai-callbridge/pkg/gateway/call/session"
	"github.com/vango-go/vai-callbridge/pkg/gateway/call/sessions"
	"github.com/vango-go/vai-callbridge/pkg/gateway/call/transport"
	"github.com/vango-go/vai-callbridge/pkg/gateway/config"
	"github.com/vango-go/vai-callbridge/pkg/gateway/handlers"
	"github.com/vango-go/vai-callbridge/pkg/gateway/ledger"
	"github.com/vango-go/vai-callbridge/pkg/gateway/lifecycle"
	"github.com/vango-go/vai-callbridge/pkg/gateway/metrics"
	"github.com/vango-go/vai-callbridge/pkg/gateway/server"
)

type bridgeDeps struct {
	loadConfig   func(path string) (config.Config, error)
	newProviders func(context.Context, conversation.ProviderKeys) (*core.ProviderRegistry, error)
	newSTT       func(config.Config) stt.Provider
	newTTS       func(config.Config) tts.Provider
	openLedger   func(ctx context.Context, databaseURL string) (ledger.Recorder, func(), error)
	signalNotify func(chan<- os.Signal, ...os.Signal)
	signalStop   func(chan<- os.Signal)
}

func defaultBridgeDeps() bridgeDeps {
	return bridgeDeps{
		loadConfig:   config.Load,
		newProviders: conversation.NewProviders,
		newSTT: func(cfg config.Config) stt.Provider {
			return stt.NewCartesia(cfg.CartesiaAPIKey)
		},
		newTTS: func(cfg config.Config) tts.Provider {
			return tts.NewCartesia(cfg.CartesiaAPIKey)
		},
		openLedger: openPostgresLedger,
		signalNotify: func(c chan<- os.Signal, sig ...os.Signal) {
			signal.Notify(c, sig...)
		},
		signalStop: signal.Stop,
	}
}

func openPostgresLedger(ctx context.Context, databaseURL string) (ledger.Recorder, func(), error) {
	store, err := ledger.Open(ctx, databaseURL)
	if err != nil {
		return nil, nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		store.Close()
		return nil, nil, err
	}
	return store, store.Close, nil
}

func buildHTTPServer(cfg config.Config, handler http.Handler) *http.Server {
	// No read timeout: media streams are long-lived hijacked connections.
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}
}

func newLogger(w io.Writer, level, format string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// newCallFactory binds the providers and policy every call shares.
func newCallFactory(cfg config.Config, llm core.Provider, bareModel string, sttProv stt.Provider, ttsProv tts.Provider,
	registry *sessions.Registry, rec ledger.Recorder, m *metrics.Metrics) handlers.CallFactory {
	return func(ws *websocket.Conn, logger *slog.Logger) (handlers.Call, error) {
		s, err := session.New(session.Dependencies{
			Socket: ws,
			Transport: transport.Config{
				PingInterval:    cfg.WSPingInterval,
				WriteTimeout:    cfg.WSWriteTimeout,
				ReadTimeout:     cfg.WSReadTimeout,
				MaxMessageBytes: cfg.WSMaxMessageBytes,
				QueueSize:       cfg.OutboundQueueSize,
			},
			Registry: registry,
			STT:      sttProv,
			STTOptions: stt.StreamOptions{
				Model:    cfg.STTModel,
				Language: cfg.STTLanguage,
			},
			TTS: ttsProv,
			TTSOptions: tts.SynthesizeOptions{
				Voice:    cfg.TTSVoice,
				Model:    cfg.TTSModel,
				Language: cfg.TTSLanguage,
			},
			LLM:       llm,
			Model:     cfg.Model,
			BareModel: bareModel,
			Policy:    cfg.Policy,
			Ledger:    rec,
			Metrics:   m,
			Logger:    logger,
		})
		if err != nil {
			return nil, err
		}
		return s, nil
	}
}

func runBridge(ctx context.Context, cfg config.Config, logger *slog.Logger, deps bridgeDeps) error {
	if deps.newProviders == nil || deps.newSTT == nil || deps.newTTS == nil {
		return errors.New("missing provider dependency")
	}
	if deps.signalNotify == nil || deps.signalStop == nil {
		return errors.New("missing signal dependency")
	}

	providers, err := deps.newProviders(ctx, conversation.ProviderKeys{
		OpenAIAPIKey:  cfg.OpenAIAPIKey,
		OpenAIBaseURL: cfg.OpenAIBaseURL,
		GeminiAPIKey:  cfg.GeminiAPIKey,
	})
	if err != nil {
		return fmt.Errorf("providers: %w", err)
	}
	llm, bareModel, err := providers.Resolve(cfg.Model)
	if err != nil {
		return fmt.Errorf("resolve model: %w", err)
	}

	var rec ledger.Recorder = ledger.Nop{}
	if cfg.DatabaseURL != "" && deps.openLedger != nil {
		store, closeStore, err := deps.openLedger(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("call ledger: %w", err)
		}
		defer closeStore()
		rec = store
		logger.Info("call ledger enabled")
	}

	m := metrics.New("callbridge")
	registry := sessions.NewRegistry(cfg.RecentCallsSize, cfg.RecentCallsTTL)
	lc := &lifecycle.Lifecycle{}

	gw := server.New(cfg, server.Dependencies{
		Logger:    logger,
		Lifecycle: lc,
		Registry:  registry,
		Metrics:   m,
		NewCall:   newCallFactory(cfg, llm, bareModel, deps.newSTT(cfg), deps.newTTS(cfg), registry, rec, m),
	})
	httpSrv := buildHTTPServer(cfg, gw.Handler())

	sigCh := make(chan os.Signal, 1)
	deps.signalNotify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer deps.signalStop(sigCh)

	logger.Info("starting call bridge", "addr", cfg.Addr, "media_path", cfg.MediaPath, "model", cfg.Model)

	g, gctx := errgroup.WithContext(ctx)
	stopped := make(chan struct{})
	g.Go(func() error {
		defer close(stopped)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		select {
		case <-stopped:
			return nil
		case <-gctx.Done():
		case sig := <-sigCh:
			logger.Info("shutdown signal received", "signal", sig.String())
		}
		return shutdown(httpSrv, lc, registry, cfg, logger)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("call bridge stopped")
	return nil
}

// shutdown stops taking calls, lets live calls finish within the grace
// period, then closes whatever is left.
func shutdown(httpSrv *http.Server, lc *lifecycle.Lifecycle, registry *sessions.Registry, cfg config.Config, logger *slog.Logger) error {
	lc.SetDraining(true)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}

	if !registry.Wait(shutdownCtx) {
		n := registry.CloseAll(session.ReasonShutdown)
		logger.Warn("grace period expired, closing calls", "calls", n)
		waitCtx, waitCancel := context.WithTimeout(context.Background(), cfg.Policy.DrainGrace+cfg.WSWriteTimeout)
		defer waitCancel()
		registry.Wait(waitCtx)
	}
	return nil
}

func newCommand(stderr io.Writer, deps bridgeDeps) *cli.Command {
	return &cli.Command{
		Name:  "callbridge",
		Usage: "Realtime voice bridge between telephony media streams and a conversational model",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Usage:   "optional YAML config file",
				Sources: cli.EnvVars("CALLBRIDGE_CONFIG"),
			},
			&cli.StringFlag{
				Name:  "env-file",
				Usage: "dotenv file loaded before configuration",
				Value: ".env",
			},
			&cli.StringFlag{
				Name:  "addr",
				Usage: "listen address, overrides CALLBRIDGE_ADDR",
			},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			if deps.loadConfig == nil {
				return errors.New("missing loadConfig dependency")
			}
			if err := dotenv.LoadFile(c.String("env-file")); err != nil {
				return err
			}
			cfg, err := deps.loadConfig(c.String("config"))
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if addr := c.String("addr"); addr != "" {
				cfg.Addr = addr
			}
			return runBridge(ctx, cfg, newLogger(stderr, cfg.LogLevel, cfg.LogFormat), deps)
		},
	}
}

func runMain(ctx context.Context, args []string, stderr io.Writer, deps bridgeDeps) int {
	if stderr == nil {
		stderr = os.Stderr
	}
	if err := newCommand(stderr, deps).Run(ctx, args); err != nil {
		fmt.Fprintf(stderr, "callbridge: %v\n", err)
		return 1
	}
	return 0
}

func main() {
	os.Exit(runMain(context.Background(), os.Args, os.Stderr, defaultBridgeDeps()))
}
