// Package main запускает HTTP-сервер реестра доноров.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/afero"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mmeshcher/donor-registry/internal/config"
	"github.com/mmeshcher/donor-registry/internal/handler"
	"github.com/mmeshcher/donor-registry/internal/metrics"
	"github.com/mmeshcher/donor-registry/internal/middleware"
	"github.com/mmeshcher/donor-registry/internal/payment"
	"github.com/mmeshcher/donor-registry/internal/repository"
	"github.com/mmeshcher/donor-registry/internal/service"
	"github.com/mmeshcher/donor-registry/internal/session"
	"github.com/mmeshcher/donor-registry/internal/soulmark"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	sugar := logger.Sugar()

	cfg, err := config.Parse()
	if err != nil {
		sugar.Fatalw("configuration error", "error", err.Error())
	}

	var repo service.Repository
	if cfg.DatabaseURI != "" {
		pg, err := repository.NewPostgresRepository(cfg.DatabaseURI)
		if err != nil {
			sugar.Fatalw("database initialization error", "error", err.Error())
		}
		repo = pg
		sugar.Infow("using postgres registry store")
	} else {
		repo = repository.NewFileRepository(afero.NewOsFs(), cfg.RegistryFile)
		sugar.Infow("using file registry store", "path", cfg.RegistryFile)
	}

	// Интерфейс остаётся nil, если ключ процессинга не задан.
	var payments service.PaymentGateway
	if cfg.PaymentSecretKey != "" {
		payments = payment.NewClient(cfg.PaymentAddress, cfg.PaymentSecretKey, cfg.PaymentTimeout)
	} else {
		sugar.Warn("STRIPE_SECRET_KEY is not set, checkout and confirmation are disabled")
	}

	markers, err := soulmark.NewGenerator(cfg.SoulmarkSalt)
	if err != nil {
		sugar.Fatalw("soulmark generator error", "error", err.Error())
	}
	if cfg.SoulmarkSalt == "" {
		sugar.Warn("SOULMARK_SALT is not set, using a random per-process salt")
	}

	if cfg.TokenSecret == "" {
		sugar.Warn("TOKEN_SECRET is not set, sessions will not survive a restart")
	}
	tokens := session.NewIssuer(cfg.TokenSecret)

	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	svc := service.NewService(repo, payments, markers, tokens,
		service.WithLogger(logger),
		service.WithMetrics(metrics.New(promRegistry)),
		service.WithHandleSuffix(cfg.HandleSuffix),
		service.WithFrontendURL(cfg.FrontendURL),
	)
	defer svc.Close()

	authMiddleware := middleware.NewAuthMiddleware(tokens)
	h := handler.NewHandler(svc, logger, authMiddleware, promRegistry,
		handler.WithMode(cfg.Mode),
		handler.WithFrontendURL(cfg.FrontendURL),
	)

	r := h.SetupRouter()

	server := &http.Server{
		Addr:              cfg.RunAddress,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	// Запуск HTTP-сервера
	g.Go(func() error {
		sugar.Infow("starting donor registry server", "addr", cfg.RunAddress)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	// Graceful shutdown при отмене контекста (сигнал или ошибка в другой горутине)
	g.Go(func() error {
		<-ctx.Done()
		sugar.Info("shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
		sugar.Info("server stopped gracefully")
		return nil
	})

	if err := g.Wait(); err != nil {
		sugar.Fatalw("application terminated with error", "error", err)
	}
}
