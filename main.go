package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/example/snapclassify/internal/auth"
	"github.com/example/snapclassify/internal/classifier"
	"github.com/example/snapclassify/internal/config"
	"github.com/example/snapclassify/internal/grpcclient"
	"github.com/example/snapclassify/internal/handlers"
	"github.com/example/snapclassify/internal/logging"
	"github.com/example/snapclassify/internal/preview"
	"github.com/example/snapclassify/internal/session"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger, err := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		panic(err)
	}
	defer logger.Sync() //nolint:errcheck

	startupCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	backend, closeBackend := initPreviewBackend(startupCtx, cfg, logger)
	defer closeBackend()
	previews := preview.NewStore(backend, logger)

	provider, conn := initClassifier(startupCtx, cfg, logger)
	if conn != nil {
		defer conn.Close()
	}

	sessions := session.NewManager(provider, previews, logger,
		session.WithMaxSessions(cfg.MaxSessions),
		session.WithSessionOptions(session.WithClassifyTimeout(cfg.ClassifyTimeout)),
	)

	sweepCtx, stopSweep := context.WithCancel(context.Background())
	defer stopSweep()
	go sessions.Run(sweepCtx, cfg.SessionSweepInterval, cfg.SessionIdleTimeout)

	server := newServer(cfg, sessions, previews, logger)

	logger.Info("image classifier API listening", zap.String("addr", cfg.HTTPAddr))
	if err := serveHTTPServer(server, cfg.ShutdownTimeout, logger); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}

// newServer builds the HTTP server. Shutting it down also closes every
// session, which ends open event streams.
func newServer(cfg *config.Config, sessions *session.Manager, previews *preview.Store, logger *zap.Logger) *http.Server {
	server := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: newRouter(sessions, previews, cfg, logger),
	}
	server.RegisterOnShutdown(func() {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := sessions.Shutdown(ctx); err != nil {
			logger.Warn("sessions did not close cleanly", zap.Error(err))
		}
	})
	return server
}

func newRouter(sessions *session.Manager, previews *preview.Store, cfg *config.Config, logger *zap.Logger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.MaxMultipartMemory = cfg.MaxRequestBytes

	verifier := auth.NewVerifier(cfg.JWTSecret, cfg.JWTAudience)
	h := handlers.NewHandler(sessions, previews, logger, cfg.MaxRequestBytes)
	handlers.RegisterRoutes(r, h, verifier.Middleware())
	return r
}

func initPreviewBackend(ctx context.Context, cfg *config.Config, logger *zap.Logger) (preview.Backend, func()) {
	if cfg.RedisAddr == "" {
		logger.Info("keeping previews in memory")
		return preview.NewMemoryBackend(), func() {}
	}

	redisCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	client := initRedis(redisCtx, cfg.RedisAddr, logger)
	logger.Info("storing previews in redis", zap.String("addr", cfg.RedisAddr), zap.Duration("ttl", cfg.PreviewTTL))
	return preview.NewRedisBackend(preview.NewRedisCache(client), cfg.PreviewTTL, logger), func() {
		if err := client.Close(); err != nil {
			logger.Warn("failed to close redis client", zap.Error(err))
		}
	}
}

func initRedis(ctx context.Context, addr string, zapLogger *zap.Logger) *redis.Client {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		zapLogger.Fatal("redis connection failed", zap.Error(err))
	}
	return client
}

func initClassifier(ctx context.Context, cfg *config.Config, logger *zap.Logger) (classifier.Provider, *grpc.ClientConn) {
	if cfg.ClassifierAddr == "" {
		logger.Info("using mock classifier", zap.Float64("failure_rate", cfg.MockFailureRate))
		return classifier.NewMockProvider(classifier.WithFailureRate(cfg.MockFailureRate)), nil
	}

	provider, conn, err := grpcclient.DialClassifier(ctx, cfg.ClassifierAddr, logger)
	if err != nil {
		logger.Fatal("failed to connect to classifier", zap.Error(err))
	}
	logger.Info("using remote classifier", zap.String("addr", cfg.ClassifierAddr))
	return provider, conn
}

func serveHTTPServer(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger) error {
	return serveHTTPServerWithOptions(server, shutdownTimeout, logger, nil, nil)
}

func serveHTTPServerWithOptions(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger, listener net.Listener, signalCh <-chan os.Signal) error {
	errCh := make(chan error, 1)
	go func() {
		var err error
		if listener != nil {
			err = server.Serve(listener)
		} else {
			err = server.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errCh <- err
	}()

	var (
		sigCh       <-chan os.Signal
		stopSignals func()
	)

	if signalCh != nil {
		sigCh = signalCh
		stopSignals = func() {}
	} else {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
		sigCh = ch
		stopSignals = func() {
			signal.Stop(ch)
		}
	}
	defer stopSignals()

	select {
	case err := <-errCh:
		return err
	case sig, ok := <-sigCh:
		if !ok {
			return <-errCh
		}
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return <-errCh
	}
}
