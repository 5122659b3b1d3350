package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/kotori-ai/voicehub-server/pkg/runtime"
)

func main() {
	configPath := flag.String("config", "", "path to conf.yaml (default: search from working directory)")
	flag.Parse()

	server, err := runtime.New(*configPath)
	if err != nil {
		fallback, _ := zap.NewProduction()
		defer fallback.Sync()
		fallback.Fatal("failed to start voicehub server", zap.Error(err))
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Run()
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-stop:
	case err := <-errCh:
		if err != nil {
			fallback, _ := zap.NewProduction()
			defer fallback.Sync()
			fallback.Fatal("server exited", zap.Error(err))
		}
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		fallback, _ := zap.NewProduction()
		defer fallback.Sync()
		fallback.Error("shutdown failed", zap.Error(err))
	}
}
