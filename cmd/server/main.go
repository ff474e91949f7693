package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/slidedrift/backend/internal/deck"
	"github.com/slidedrift/backend/internal/engine"
	"github.com/slidedrift/backend/internal/httpapi"
	"github.com/slidedrift/backend/internal/hub"
	"github.com/slidedrift/backend/internal/session"
	"github.com/slidedrift/backend/internal/store"
	"github.com/slidedrift/backend/internal/timers"
	"github.com/slidedrift/backend/internal/ws"
)

type config struct {
	bind            string
	port            int
	databaseURL     string
	publicURL       string
	presentDuration time.Duration
	voteDuration    time.Duration
	timerInterval   time.Duration
	idleTimeout     time.Duration
	devMode         bool
}

func (c *config) validate() error {
	if c.port < 1 || c.port > 65535 {
		return fmt.Errorf("invalid port (must be between 1-65535 inclusive): %d", c.port)
	}
	if c.databaseURL == "" && !c.devMode {
		return errors.New("--database-url is required outside --dev mode")
	}
	if c.presentDuration <= 0 || c.voteDuration <= 0 {
		return errors.New("phase durations must be positive")
	}
	return nil
}

func newCmd(cfg *config) *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix("SLIDEDRIFT")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	cmd := &cobra.Command{
		Use:           "slidedrift-server",
		Short:         "Session coordinator for the slidedrift audience-voting game.",
		Args:          cobra.ExactArgs(0),
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.validate(); err != nil {
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}

	fs := cmd.Flags()
	fs.StringVarP(&cfg.bind, "bind", "b", "0.0.0.0", "address to bind to (env: SLIDEDRIFT_BIND)")
	fs.IntVarP(&cfg.port, "port", "p", 8080, "port to listen on (env: SLIDEDRIFT_PORT)")
	fs.StringVar(&cfg.databaseURL, "database-url", "", "postgres connection string (env: SLIDEDRIFT_DATABASE_URL)")
	fs.StringVar(&cfg.publicURL, "public-url", "http://localhost:8080", "externally reachable base URL, used in join QR codes (env: SLIDEDRIFT_PUBLIC_URL)")
	fs.DurationVar(&cfg.presentDuration, "present-duration", 45*time.Second, "length of each presentation phase (env: SLIDEDRIFT_PRESENT_DURATION)")
	fs.DurationVar(&cfg.voteDuration, "vote-duration", 10*time.Second, "length of each voting round (env: SLIDEDRIFT_VOTE_DURATION)")
	fs.DurationVar(&cfg.timerInterval, "timer-interval", 500*time.Millisecond, "durable timer poll interval (env: SLIDEDRIFT_TIMER_INTERVAL)")
	fs.DurationVar(&cfg.idleTimeout, "idle-timeout", 30*time.Minute, "time before idle sessions are evicted from memory (env: SLIDEDRIFT_IDLE_TIMEOUT)")
	fs.BoolVar(&cfg.devMode, "dev", false, "run without postgres, state lost on restart (env: SLIDEDRIFT_DEV)")

	fs.VisitAll(func(f *pflag.Flag) {
		_ = v.BindPFlag(f.Name, f)
		_ = v.BindEnv(f.Name)
		if !f.Changed && v.IsSet(f.Name) {
			_ = fs.Set(f.Name, fmt.Sprintf("%v", v.Get(f.Name)))
		}
	})

	return cmd
}

func run(ctx context.Context, cfg *config) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return err
	}
	defer logger.Sync()

	var st store.Store
	var catalog *deck.Catalog

	if cfg.devMode && cfg.databaseURL == "" {
		logger.Warn("dev mode: in-memory store, no deck catalog, nothing survives a restart")
		st = store.NewMemory()
	} else {
		pool, err := pgxpool.New(ctx, cfg.databaseURL)
		if err != nil {
			return fmt.Errorf("connect postgres: %w", err)
		}
		defer pool.Close()

		pg := store.NewPostgres(pool)
		if err := pg.Migrate(ctx); err != nil {
			return fmt.Errorf("migrate session store: %w", err)
		}
		st = pg

		gdb, err := gorm.Open(postgres.Open(cfg.databaseURL), &gorm.Config{})
		if err != nil {
			return fmt.Errorf("open deck catalog: %w", err)
		}
		catalog = deck.NewCatalog(gdb, logger)
		if err := catalog.Migrate(); err != nil {
			return fmt.Errorf("migrate deck catalog: %w", err)
		}
	}

	deps := session.Deps{
		Store: st,
		Decks: graphLoader(catalog),
		Timing: engine.Timing{
			Present: cfg.presentDuration,
			Vote:    cfg.voteDuration,
		},
		Log: logger,
	}

	h := hub.NewHub(ctx, deps, cfg.idleTimeout)
	runner := timers.NewRunner(st, h, cfg.timerInterval, logger)

	api := httpapi.NewAPI(h, strings.TrimSuffix(cfg.publicURL, "/"), logger)
	var deckAPI *httpapi.DeckAPI
	if catalog != nil {
		deckAPI = httpapi.NewDeckAPI(catalog)
	}
	wsServer := ws.NewServer(h, logger)

	srv := &http.Server{
		Addr:              net.JoinHostPort(cfg.bind, strconv.Itoa(cfg.port)),
		Handler:           httpapi.SetupRoutes(api, deckAPI, wsServer.Handler()),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       10 * time.Minute,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		err := runner.Run(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		h.Inbox() <- hub.Shutdown{}
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// graphLoader adapts the optional catalog. Without one, every game start
// fails with deck-not-found.
func graphLoader(catalog *deck.Catalog) session.GraphLoader {
	if catalog == nil {
		return noDecks{}
	}
	return catalog
}

type noDecks struct{}

func (noDecks) LoadGraph(context.Context, string) (engine.Graph, string, error) {
	return nil, "", deck.ErrDeckNotFound
}

func main() {
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := &config{}
	if err := newCmd(cfg).ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
