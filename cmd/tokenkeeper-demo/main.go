// Command tokenkeeper-demo logs in against a token authority, hands the token
// to a tokenkeeper Session and fires concurrent requests at a protected
// endpoint, reporting how many refresh calls the burst needed.
//
// Without -server it starts the in-process authserver with short-lived tokens
// so expiry and refresh are visible within a few seconds.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/peterbourgon/ff/v3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	goredis "github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/panyam/tokenkeeper"
	"github.com/panyam/tokenkeeper/authserver"
	"github.com/panyam/tokenkeeper/stores/fs"
	"github.com/panyam/tokenkeeper/stores/redis"
)

// config holds the demo configuration parameters
type config struct {
	server   string // authority URL; empty runs the built-in authserver
	username string
	password string

	accessTTL   time.Duration // token lifetime for the built-in authserver
	margin      time.Duration
	concurrency int
	rounds      int
	interval    time.Duration

	store     string // memory, fs or redis
	storePath string
	redisAddr string

	metricsAddr string
	verbose     bool
}

func setupConfig(args []string) (config, error) {
	flags := flag.NewFlagSet("tokenkeeper-demo", flag.ContinueOnError)

	var cfg config
	flags.StringVar(&cfg.server, "server", "", "token authority URL (empty: run the built-in authserver)")
	flags.StringVar(&cfg.username, "username", "demo", "login username")
	flags.StringVar(&cfg.password, "password", "demo-password", "login password")
	flags.DurationVar(&cfg.accessTTL, "access-ttl", 8*time.Second, "access token lifetime for the built-in authserver")
	flags.DurationVar(&cfg.margin, "margin", 3*time.Second, "refresh this long before expiry")
	flags.IntVar(&cfg.concurrency, "concurrency", 8, "parallel requests per round")
	flags.IntVar(&cfg.rounds, "rounds", 3, "number of request rounds")
	flags.DurationVar(&cfg.interval, "interval", 4*time.Second, "pause between rounds")
	flags.StringVar(&cfg.store, "store", "memory", "token storage: memory, fs or redis")
	flags.StringVar(&cfg.storePath, "store-path", "", "file for -store=fs (default ~/.config/tokenkeeper/session.json)")
	flags.StringVar(&cfg.redisAddr, "redis-addr", "localhost:6379", "redis address for -store=redis")
	flags.StringVar(&cfg.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	flags.BoolVar(&cfg.verbose, "v", false, "debug logging")

	var configFile string
	flags.StringVar(&configFile, "config", "", "config file path")

	err := ff.Parse(flags, args,
		ff.WithEnvVarPrefix("TOKENKEEPER"),
		ff.WithConfigFileFlag("config"),
		ff.WithConfigFileParser(ff.PlainParser),
	)
	if err != nil {
		return cfg, fmt.Errorf("failed to parse configuration: %w", err)
	}

	if cfg.concurrency < 1 {
		return cfg, errors.New("concurrency must be at least 1")
	}
	return cfg, nil
}

func main() {
	cfg, err := setupConfig(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	level := slog.LevelInfo
	if cfg.verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("demo failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config, logger *slog.Logger) error {
	serverURL := cfg.server
	var local *authserver.Server
	if serverURL == "" {
		srv, url, shutdown, err := startAuthServer(cfg)
		if err != nil {
			return err
		}
		defer shutdown()
		local, serverURL = srv, url
		logger.Info("started built-in authserver", "url", serverURL, "access_ttl", cfg.accessTTL)
	}

	storage, err := openStorage(cfg)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	if cfg.metricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
			if err := http.ListenAndServe(cfg.metricsAddr, mux); err != nil {
				logger.Error("metrics server stopped", "error", err)
			}
		}()
	}

	loggedOut := make(chan struct{})
	session, err := tokenkeeper.NewSession(serverURL, storage,
		tokenkeeper.WithSafetyMargin(cfg.margin),
		tokenkeeper.WithLogger(logger),
		tokenkeeper.WithMetrics(tokenkeeper.NewMetrics(reg)),
		tokenkeeper.WithNavigator(tokenkeeper.NavigatorFunc(func(context.Context) error {
			logger.Warn("session ended, login required")
			close(loggedOut)
			return nil
		})),
	)
	if err != nil {
		return err
	}
	defer session.Close()

	if err := session.Start(ctx); err != nil {
		return err
	}
	if session.Credential() == nil {
		token, err := login(ctx, session.HTTPClient(), serverURL, cfg.username, cfg.password)
		if err != nil {
			return err
		}
		if _, err := session.SetCredential(ctx, token); err != nil {
			return err
		}
		logger.Info("logged in", "user", cfg.username)
	}

	for round := 1; round <= cfg.rounds; round++ {
		if err := burst(ctx, session, serverURL+"/api/me", cfg.concurrency); err != nil {
			return fmt.Errorf("round %d: %w", round, err)
		}
		remaining, _ := session.RemainingLifetime()
		attrs := []any{"round", round, "requests", cfg.concurrency, "token_remaining", remaining.Round(time.Millisecond)}
		if local != nil {
			attrs = append(attrs, "refresh_calls", local.RefreshCount())
		}
		logger.Info("round complete", attrs...)

		if round == cfg.rounds {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-loggedOut:
			return errors.New("session was torn down")
		case <-time.After(cfg.interval):
		}
	}
	return nil
}

// burst sends n concurrent GETs and fails on the first non-200
func burst(ctx context.Context, session *tokenkeeper.Session, url string, n int) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < n; i++ {
		g.Go(func() error {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
			if err != nil {
				return err
			}
			resp, err := session.HTTPClient().Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			io.Copy(io.Discard, resp.Body)
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("GET %s: HTTP %d", url, resp.StatusCode)
			}
			return nil
		})
	}
	return g.Wait()
}

// login performs the external login step; tokenkeeper only manages the token afterwards
func login(ctx context.Context, client *http.Client, serverURL, username, password string) (string, error) {
	body, _ := json.Marshal(map[string]string{"username": username, "password": password})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, serverURL+tokenkeeper.DefaultLoginPath, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to connect to server: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("login failed: HTTP %d", resp.StatusCode)
	}

	var out tokenkeeper.RefreshResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("invalid response from server: %w", err)
	}
	return out.Data.AccessToken, nil
}

func openStorage(cfg config) (tokenkeeper.Storage, error) {
	switch cfg.store {
	case "memory":
		return tokenkeeper.NewMemoryStorage(), nil
	case "fs":
		storage, err := fs.NewStorage(cfg.storePath, "tokenkeeper")
		if err != nil {
			return nil, err
		}
		return storage, nil
	case "redis":
		rdb := goredis.NewClient(&goredis.Options{Addr: cfg.redisAddr})
		return redis.NewStorage(rdb, "tokenkeeper-demo", 0), nil
	}
	return nil, fmt.Errorf("unknown store %q", cfg.store)
}

func startAuthServer(cfg config) (*authserver.Server, string, func(), error) {
	srv := authserver.New("tokenkeeper-demo-secret", authserver.WithAccessTokenExpiry(cfg.accessTTL))
	if err := srv.AddUser(cfg.username, cfg.password); err != nil {
		return nil, "", nil, err
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, "", nil, err
	}
	httpServer := &http.Server{Handler: srv.Handler(), ReadHeaderTimeout: 5 * time.Second}
	go httpServer.Serve(ln)

	return srv, "http://" + ln.Addr().String(), func() { httpServer.Close() }, nil
}
