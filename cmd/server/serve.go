package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"merchantfactory/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	rt, err := bootstrap(ctx)
	if err != nil {
		return err
	}
	defer rt.close()

	store, closeStore, err := openStore(ctx, rt.cfg)
	if err != nil {
		rt.logger.Error("idempotency store error", zap.Error(err))
		return err
	}
	defer closeStore()

	apiServer, err := server.NewServer(rt.cfg, rt.provider, store, rt.logger.Named("api"))
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- apiServer.Start()
	}()

	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-ch:
		rt.logger.Info("shutting down", zap.String("signal", sig.String()))
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			rt.logger.Error("server stopped", zap.Error(err))
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return apiServer.Shutdown(shutdownCtx)
}
