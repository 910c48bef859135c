package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/AndrewLester/netclock/internal/config"
	"github.com/AndrewLester/netclock/internal/discovery"
	"github.com/AndrewLester/netclock/internal/rpc"
	"github.com/AndrewLester/netclock/pkg/netclock"
	"github.com/sevlyar/go-daemon"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const defaultConfigPath = "/etc/netclock.conf"

const shutdownTimeout = 5 * time.Second

func main() {
	var configPath string
	var query string
	var rounds int
	var verify bool
	var noDaemon bool
	var status bool
	var discover bool
	flag.StringVar(&configPath, "config", defaultConfigPath, "Path to the config file (ntp.conf style, or .yaml).")
	flag.StringVar(&query, "query", "", "Address to query.")
	flag.StringVar(&query, "q", query, "Address to query.")
	flag.IntVar(&rounds, "rounds", 5, "Exchanges sent when querying.")
	flag.BoolVar(&verify, "verify", false, "Cross-check a query against a second NTP client.")
	flag.BoolVar(&noDaemon, "no-daemon", false, "Don't run netclock as a daemon.")
	flag.BoolVar(&status, "status", false, "Show the running daemon's status.")
	flag.BoolVar(&status, "ui", status, "Show the running daemon's status.")
	flag.BoolVar(&discover, "discover", false, "Add servers announced over mDNS.")
	flag.Parse()

	env, err := config.ParseEnv()
	if err != nil {
		log.Fatal(err)
	}

	switch {
	case query != "":
		// Keep the terminal for the progress bar.
		logger := buildLogger(env, "netclock-query.log")
		defer logger.Sync()
		handleQueryCommand(query, rounds, verify, env, logger)
	case status:
		handleStatusUI(env.Socket)
	default:
		if !noDaemon {
			d, err := daemonCtx.Reborn()
			if err != nil {
				if errors.Is(err, daemon.ErrWouldBlock) {
					killDaemon()
					fmt.Println("Successfully stopped netclock daemon.")
					return
				}
				log.Fatal("Unable to run: ", err)
			}
			if d != nil {
				fmt.Printf("Daemon process (%s, %d) started successfully.\n", daemonName, d.Pid)
				return
			}
			defer daemonCtx.Release()

			log.Print("- - - - - - - - - - - - - - -")
			log.Print("daemon started ", os.Args)
		}

		logger := buildLogger(env, "")
		defer logger.Sync()
		if err := run(configPath, discover, env, logger); err != nil {
			log.Fatal(err)
		}
	}
}

// run polls the configured servers and serves status until SIGINT or SIGTERM.
func run(configPath string, discover bool, env *config.Env, logger *zap.Logger) error {
	cfg, err := netclock.ParseConfig(configPath)
	if err != nil {
		return err
	}
	if err := config.ResolveServers(&cfg, env.NTPPort); err != nil {
		return err
	}
	if len(cfg.Servers) == 0 && !discover {
		return fmt.Errorf("no servers in %s", configPath)
	}

	engine := netclock.New(cfg, netclock.WithLogger(logger))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return serve(ctx, engine, func(ctx context.Context) {
		server := &rpc.Server{Socket: env.Socket, Source: engine}
		go func() {
			if err := server.Listen(ctx); err != nil {
				logger.Sugar().Errorw("status socket failed", "socket", env.Socket, "err", err)
			}
		}()

		if discover {
			browser := discovery.NewBrowser(discovery.Config{}, logger)
			go browser.Run(ctx)
			go func() {
				for endpoint := range browser.Endpoints() {
					err := engine.AddServer(netclock.ServerConfig{Address: endpoint, Burst: true})
					if err != nil && !errors.Is(err, netclock.ErrDuplicateServer) {
						logger.Sugar().Warnw("could not add discovered server", "endpoint", endpoint, "err", err)
					}
				}
			}()
		}
	})
}

// serve starts the engine and its services, then waits for ctx. The engine
// itself is not bound to ctx: Shutdown drains exchanges still in flight.
func serve(ctx context.Context, engine *netclock.Engine, services func(ctx context.Context)) error {
	if err := engine.Start(context.Background()); err != nil {
		return err
	}
	if services != nil {
		services(ctx)
	}

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return engine.Shutdown(shutdownCtx)
}

// buildLogger honors INFO and DEBUG. An empty path logs to stderr.
func buildLogger(env *config.Env, path string) *zap.Logger {
	var level zapcore.Level
	switch {
	case env.Debug:
		level = zapcore.DebugLevel
	case env.Info:
		level = zapcore.InfoLevel
	default:
		return zap.NewNop()
	}

	cfg := zap.NewDevelopmentConfig()
	cfg.Level = zap.NewAtomicLevelAt(level)
	cfg.DisableStacktrace = true
	if path != "" {
		cfg.OutputPaths = []string{path}
		cfg.ErrorOutputPaths = []string{path}
	}
	logger, err := cfg.Build()
	if err != nil {
		log.Fatalf("error opening log file: %v", err)
	}
	return logger
}
