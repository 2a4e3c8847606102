package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/noah-isme/appframe/internal/handler"
	"github.com/noah-isme/appframe/internal/middleware"
	"github.com/noah-isme/appframe/pkg/config"
	"github.com/noah-isme/appframe/pkg/logger"
	"github.com/noah-isme/appframe/pkg/middleware/requestid"
)

// NewServeCommand creates the serve command.
func NewServeCommand(factory AppFactory) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server and notification workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := factory()
			if err != nil {
				return err
			}
			defer app.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServer(ctx, app)
		},
	}
}

// NewRouter registers every route on a fresh gin engine.
func NewRouter(app *App) *gin.Engine {
	if app.Config.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestid.Middleware())
	r.Use(logger.GinMiddleware(app.Logger))
	r.Use(middleware.Metrics(app.Metrics))

	metrics := handler.NewMetricsHandler(app.Metrics, app.DB)
	r.GET("/health", metrics.Health)
	r.GET("/ready", metrics.Ready)
	r.GET("/metrics", metrics.Prometheus)

	api := r.Group("/api/v1")
	api.Use(middleware.Session(app.Config.JWT.Secret, false))
	api.GET("/metrics/snapshot", metrics.Snapshot)

	historyHandler := handler.NewHistoryHandler(app.History)
	api.GET("/history", historyHandler.List)
	api.GET("/history/export", historyHandler.Export)
	api.GET("/history/change-sets/:id", historyHandler.ChangeSet)

	notifications := handler.NewNotificationHandler(app.Publisher)
	api.POST("/notifications", notifications.Publish)

	return r
}

func runServer(ctx context.Context, app *App) error {
	app.Queue.Start(ctx)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", app.Config.Port),
		Handler:           NewRouter(app),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		app.Logger.Sugar().Infow("server starting", "addr", srv.Addr, "env", app.Config.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		app.Logger.Error("server shutdown failed", zap.Error(err))
		return err
	}
	app.Logger.Info("server stopped")
	return nil
}
