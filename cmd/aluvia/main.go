package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	aluvia "github.com/aluvia-connect/aluvia-go"
)

func main() {
	var (
		// Config file (takes precedence over individual flags)
		configPath = flag.String("config", "", "path to config file (default: search ./aluvia.yaml, ~/.aluvia/config.yaml, /etc/aluvia/config.yaml)")
		genConfig  = flag.Bool("gen-config", false, "generate example config file and exit")

		// Individual flags (override config file values when set)
		token        = flag.String("token", "", "API bearer token (or ALUVIA_API_TOKEN)")
		addr         = flag.String("addr", "", "loopback listen address (e.g. 127.0.0.1:8488)")
		connectionID = flag.String("connection", "", "existing connection id (empty auto-provisions)")
		strict       = flag.Bool("strict", false, "fail hard when the initial configuration load fails")
		autoUnblock  = flag.Bool("auto-unblock", false, "add blocked hostnames to the rule list automatically")
		metrics      = flag.Bool("metrics", false, "enable Prometheus /metrics endpoint")
		accessLog    = flag.Bool("access-log", false, "log every routing decision")
		verbose      = flag.Bool("v", false, "verbose logging")
	)
	flag.Parse()

	if *genConfig {
		if err := aluvia.WriteExampleConfig("aluvia.yaml"); err != nil {
			fmt.Fprintln(os.Stderr, "generate config:", err)
			os.Exit(1)
		}
		fmt.Println("Generated aluvia.yaml")
		return
	}

	cfg, err := aluvia.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "load config:", err)
		os.Exit(1)
	}

	// Flags override the config file.
	if *token != "" {
		cfg.API.Token = *token
	}
	if *addr != "" {
		cfg.Proxy.Addr = *addr
	}
	if *connectionID != "" {
		cfg.API.ConnectionID = *connectionID
	}
	if *strict {
		cfg.API.Strict = true
	}
	if *autoUnblock {
		cfg.Unblock.Auto = true
	}
	if *metrics {
		cfg.Proxy.Metrics = true
	}
	if *accessLog {
		cfg.Proxy.AccessLog = true
	}
	if *verbose {
		cfg.Logging.Level = "debug"
	}

	logger := cfg.BuildLogger()
	slog.SetDefault(logger)

	client, err := aluvia.NewClientFromConfig(cfg)
	if err != nil {
		logger.Error("create client", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	conn, err := client.Start(ctx)
	if err != nil {
		logger.Error("start client", "error", err)
		os.Exit(1)
	}

	fmt.Printf("Proxy running on %s\n", conn.ProxyURL())

	<-ctx.Done()
	logger.Info("shutting down")
	if err := client.Stop(context.Background()); err != nil {
		logger.Error("stop client", "error", err)
		os.Exit(1)
	}
}
