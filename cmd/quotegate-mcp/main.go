package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/davidahmann/quotegate/internal/app"
	"github.com/davidahmann/quotegate/internal/config"
	"github.com/davidahmann/quotegate/internal/mcpserver"
)

func main() {
	// stdout carries the protocol.
	log.SetOutput(os.Stderr)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	_ = godotenv.Load()
	if err := run(ctx, os.Args[1:], os.Getenv, &mcp.StdioTransport{}); err != nil {
		log.Fatalf("mcp server error: %v", err)
	}
}

func run(ctx context.Context, args []string, getenv func(string) string, transport mcp.Transport) error {
	fs := flag.NewFlagSet("quotegate-mcp", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to quotegate config file")
	if err := fs.Parse(args); err != nil {
		return err
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

	srv, err := mcpserver.New(mcpserver.Options{Engine: a.Engine, Reviews: a.Reviews})
	if err != nil {
		return err
	}
	log.Printf("quotegate-mcp serving policy_hash=%s", a.Policies.Current().Hash)
	if err := srv.Serve(ctx, transport); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}
