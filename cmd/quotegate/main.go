package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/davidahmann/quotegate/internal/api"
	"github.com/davidahmann/quotegate/internal/app"
	"github.com/davidahmann/quotegate/internal/config"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := runFn(ctx, os.Args[1:], os.Getenv, listenAndServe); err != nil {
		fatalf("server error: %v", err)
	}
}

var runFn = run
var fatalf = log.Fatalf

type envFn func(string) string
type listenFn func(*http.Server) error

func run(ctx context.Context, args []string, getenv envFn, listen listenFn) error {
	fs := flag.NewFlagSet("quotegate", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to quotegate config file")
	envFile := fs.String("env-file", "", "dotenv file loaded before the config")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if *envFile != "" {
		if err := godotenv.Load(*envFile); err != nil {
			return fmt.Errorf("load env file: %w", err)
		}
	} else {
		_ = godotenv.Load()
	}

	cfgFile := *configPath
	if cfgFile == "" {
		cfgFile = getenv("QUOTEGATE_CONFIG_PATH")
	}
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}

	a, err := app.Build(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), app.ShutdownTimeout)
		defer cancel()
		if err := a.Close(closeCtx); err != nil {
			log.Printf("shutdown: %v", err)
		}
	}()

	server := newServer(cfg.ListenAddr, a)
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), app.ShutdownTimeout)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	log.Printf("quotegate listening on %s", cfg.ListenAddr)
	if err := listen(server); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func newServer(addr string, a *app.App) *http.Server {
	h := &api.Handler{
		Engine:  a.Engine,
		Reviews: a.Reviews,
		Pool:    a.Pool,
	}
	return &http.Server{
		Addr:              addr,
		Handler:           api.NewRouter(h),
		ReadHeaderTimeout: 5 * time.Second,
	}
}

func listenAndServe(server *http.Server) error {
	return server.ListenAndServe()
}
