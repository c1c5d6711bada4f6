package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"

	"github.com/Chukowski/pictureme-business-sub001/internal/agent"
	"github.com/Chukowski/pictureme-business-sub001/internal/config"
	xglog "github.com/Chukowski/pictureme-business-sub001/internal/log"
)

const statusLogInterval = 5 * time.Minute

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: syncd [-config path] <command> [flags]

Commands:
  run       keep the account and live session in sync (default)
  login     store a session token and the user record
  logout    remove the session token and the user record
`)
	flag.PrintDefaults()
}

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Usage = usage
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	xglog.Configure(xglog.Config{Level: cfg.Log.Level, Service: "syncd"})
	logger := xglog.WithComponent("main")
	gin.SetMode(gin.ReleaseMode)

	cmd, args := "run", []string(nil)
	if flag.NArg() > 0 {
		cmd, args = flag.Arg(0), flag.Args()[1:]
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch cmd {
	case "run":
		err = run(ctx, cfg)
	case "login":
		err = login(ctx, cfg, args)
	case "logout":
		err = agent.Logout(ctx, cfg)
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		logger.Fatal().Err(err).Str("command", cmd).Msg("command failed")
	}
}

func login(ctx context.Context, cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("login", flag.ExitOnError)
	token := fs.String("token", "", "session token")
	userID := fs.String("user-id", "", "user id")
	email := fs.String("email", "", "account email")
	balance := fs.Int64("balance", 0, "current token balance")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if err := agent.Login(ctx, cfg, agent.Account{
		Token:   *token,
		UserID:  *userID,
		Email:   *email,
		Balance: *balance,
	}); err != nil {
		return err
	}
	logger := xglog.WithComponent("main")
	logger.Info().Str("user_id", *userID).Msg("logged in")
	return nil
}

func run(ctx context.Context, cfg *config.Config) error {
	logger := xglog.WithComponent("main")

	a, err := agent.New(ctx, cfg)
	if err != nil {
		return fmt.Errorf("create agent: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)

	// ── Agent lifecycle ──
	g.Go(func() error {
		if err := a.Start(ctx); err != nil {
			return fmt.Errorf("start agent: %w", err)
		}
		<-ctx.Done()
		return nil
	})

	// ── Periodic status line ──
	g.Go(func() error {
		ticker := time.NewTicker(statusLogInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				s := a.Snapshot()
				ev := logger.Info().
					Str("stream", string(s.Status)).
					Str("live", string(s.LiveStatus)).
					Int("token_updates", s.TokenUpdates).
					Int("job_updates", s.JobUpdates)
				if s.Balance != nil {
					ev = ev.Int64("balance", *s.Balance)
				}
				ev.Msg("status")
			}
		}
	})

	err = g.Wait()
	logger.Info().Msg("shutting down")
	if stopErr := a.Stop(); stopErr != nil {
		err = errors.Join(err, stopErr)
	}
	return err
}
