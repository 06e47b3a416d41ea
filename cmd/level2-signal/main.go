package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"level2-signal/internal/authbrowser"
	"level2-signal/internal/bus"
	"level2-signal/internal/config"
	"level2-signal/internal/engine"
	"level2-signal/internal/ibkrcp"
	"level2-signal/internal/metrics"
	"level2-signal/internal/pipeline"
	"level2-signal/internal/server"
	"level2-signal/internal/state"
)

func main() {
	_ = godotenv.Load() // best-effort: .env is optional

	var cfgPath string
	root := &cobra.Command{
		Use:           "level2-signal",
		Short:         "Level 2 order book signals from the IBKR Client Portal Gateway",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", "config.yaml", "path to config.yaml")
	root.AddCommand(runCmd(&cfgPath), loginCmd(&cfgPath))

	if err := root.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loginCmd(cfgPath *string) *cobra.Command {
	var (
		timeout  time.Duration
		browser  bool
		headless bool
		paper    bool
		profile  string
	)
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Verify the gateway session and save its cookies",
		Long: "Verify the gateway session and save its cookies.\n\n" +
			"With --browser a Chrome window opens on the gateway SSO page; finish 2FA there\n" +
			"and the resulting session cookies are stored for later runs.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*cfgPath)
			if err != nil {
				return fmt.Errorf("load %s: %w", *cfgPath, err)
			}
			logger := config.NewLogger(cfg.LogLevel)
			client := ibkrcp.NewClient(cfg.IBKRGatewayURL, cfg.SessionStorePath, logger)

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			if browser {
				logger.Info("opening browser for gateway login", slog.Bool("headless", headless), slog.Bool("paper", paper))
				cks, err := authbrowser.Login(ctx, authbrowser.Options{
					BaseURL:     cfg.IBKRGatewayURL,
					Paper:       paper,
					Headless:    headless,
					Wait:        timeout,
					UserDataDir: profile,
					Logger:      logger,
				})
				if err != nil {
					return fmt.Errorf("browser login: %w", err)
				}
				client.ImportCookies(cks)
				logger.Info("browser cookies imported", slog.Int("count", len(cks)))
			}

			if err := client.Connect(ctx); err != nil {
				return fmt.Errorf("login failed: %w", err)
			}
			logger.Info("login successful (authenticated:true); session saved",
				slog.String("session_store", cfg.SessionStorePath))
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 15*time.Minute, "how long to wait for the gateway")
	cmd.Flags().BoolVar(&browser, "browser", false, "sign in through a Chrome window and import its cookies")
	cmd.Flags().BoolVar(&headless, "headless", false, "run Chrome headless (only useful with a saved profile)")
	cmd.Flags().BoolVar(&paper, "paper", false, "use the paper trading login page")
	cmd.Flags().StringVar(&profile, "profile-dir", "", "Chrome user data dir to reuse between logins")
	return cmd
}

func runCmd(cfgPath *string) *cobra.Command {
	var symbol string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Stream depth, score signals and serve the dashboard API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*cfgPath)
			if err != nil {
				return fmt.Errorf("load %s: %w", *cfgPath, err)
			}
			if symbol != "" {
				cfg.Symbol = symbol
				if err := cfg.Validate(); err != nil {
					return err
				}
			}
			return run(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVarP(&symbol, "symbol", "s", "", "symbol to stream on startup (overrides config)")
	return cmd
}

func run(parent context.Context, cfg config.Config) error {
	logger := config.NewLogger(cfg.LogLevel)
	logger.Info("level2-signal starting",
		slog.Int("port", cfg.Port),
		slog.String("ibkr_gateway_url", cfg.IBKRGatewayURL),
		slog.String("sensitivity", cfg.Sensitivity),
		slog.Bool("detect_hidden_orders", cfg.DetectHiddenOrders),
	)

	ctx, cancel := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	opts, err := cfg.Engine()
	if err != nil {
		return err
	}
	m := metrics.New()
	eng := engine.New(opts, logger, m)
	st := state.NewState(cfg.AlertCooldown(), cfg.MinAlertConfidence)

	client := ibkrcp.NewClient(cfg.IBKRGatewayURL, cfg.SessionStorePath, logger)
	feed := ibkrcp.NewGatewayFeed(client, logger, cfg.DepthUpdatesPerSecond).WithSmartDepth(cfg.SmartDepth)

	var pub pipeline.Publisher
	if cfg.RedisAddr != "" {
		rdb, err := bus.Dial(ctx, cfg.RedisAddr)
		if err != nil {
			// Redis is an optional sink; keep streaming without it.
			logger.Warn("redis unavailable", slog.String("addr", cfg.RedisAddr), slog.Any("err", err))
		} else {
			defer rdb.Close()
			b := bus.New(rdb, cfg.RedisChannel, cfg.RedisKeyPrefix, cfg.SnapshotTTL())
			pub = b
			logger.Info("redis bus enabled", slog.String("channel", b.Channel()), slog.String("snapshot_key", b.SnapshotKey(cfg.Symbol)))
		}
	}

	srv := server.NewHTTPServer(cfg, st, feed, eng, m.Handler(), logger)
	runner := pipeline.New(eng, feed, st, srv, pub, cfg.SignalInterval(), cfg.SnapshotInterval(), logger)

	if cfg.Symbol != "" {
		if err := feed.SubscribeSymbol(cfg.Symbol); err != nil {
			return err
		}
		eng.Reset(cfg.Symbol)
		st.Start(cfg.Symbol)
	}

	pumpDone := make(chan struct{})
	go func() {
		runner.Run(ctx)
		close(pumpDone)
	}()

	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", slog.Int("port", cfg.Port))
		if err := httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			logger.Error("http server failed", slog.String("err", err.Error()))
		}
		cancel()
	}

	logger.Info("shutting down...")
	shCtx, shCancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer shCancel()

	_ = httpSrv.Shutdown(shCtx)
	feed.Close()
	<-pumpDone
	logger.Info("bye")
	return nil
}
