package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/y001j/logwatch/internal/core"
)

func main() {
	cfgFile := flag.String("config", "configs/logwatch.yaml", "Path to config file")
	flag.Parse()

	rt, err := core.NewRuntime(*cfgFile)
	if err != nil {
		log.Fatal().Err(err).Msg("init runtime")
	}

	ctx, cancel := context.WithCancel(context.Background())
	if err := rt.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("start runtime")
	}

	// graceful shutdown
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	s := <-sig
	log.Info().Str("signal", s.String()).Msg("shutting down")
	cancel()

	timeout := rt.Cfg.Config().LogWatch.ShutdownTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	stopCtx, stopCancel := context.WithTimeout(context.Background(), timeout)
	defer stopCancel()
	rt.Stop(stopCtx)
}
