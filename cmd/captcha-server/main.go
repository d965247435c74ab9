// Command captcha-server is the reference Challenge Provider: it renders a
// PNG captcha per request and returns the solution in a response header.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/pflag"

	"github.com/tbourn/go-gate-bot/internal/captcha"
	"github.com/tbourn/go-gate-bot/internal/sysutil"
)

func main() {
	addr := pflag.String("addr", ":8090", "listen address")
	level := pflag.String("log-level", "info", "log level")
	pretty := pflag.Bool("log-pretty", false, "console log output")
	pflag.Parse()

	logger := sysutil.SetupLogger(os.Stderr, *level, *pretty, "captcha-server")
	gin.SetMode(gin.ReleaseMode)

	renderer, err := captcha.NewRenderer()
	if err != nil {
		logger.Fatal().Err(err).Msg("load font")
	}

	srv := &http.Server{
		Addr:              *addr,
		Handler:           captcha.NewServerEngine(renderer, logger),
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      15 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info().Str("addr", *addr).Msg("captcha provider listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("listen")
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}
