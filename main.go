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
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/example/oceanwatch/internal/auth"
	"github.com/example/oceanwatch/internal/config"
	"github.com/example/oceanwatch/internal/grpcclient"
	"github.com/example/oceanwatch/internal/grpcserver"
	"github.com/example/oceanwatch/internal/handlers"
	"github.com/example/oceanwatch/internal/integration"
	"github.com/example/oceanwatch/internal/logging"
	"github.com/example/oceanwatch/internal/model"
	"github.com/example/oceanwatch/internal/repository"
	"github.com/example/oceanwatch/internal/usecase"
	"github.com/example/oceanwatch/internal/verification"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		panic(err)
	}

	logger, err := logging.NewLogger(cfg.LogLevel, cfg.LogDevelopment)
	if err != nil {
		panic(err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	db := initDatabase(ctx, cfg, logger)
	repo := repository.NewVerificationRepository(db, logger)
	if err := repo.AutoMigrate(ctx); err != nil {
		logger.Fatal("auto migrate failed", zap.Error(err))
	}

	redisCtx, redisCancel := context.WithTimeout(ctx, 5*time.Second)
	defer redisCancel()
	redisClient := initRedis(redisCtx, cfg.RedisAddr, logger)

	registry := model.LoadRegistry(ctx, model.RegistryConfig{
		Dir:               cfg.ModelDir,
		QuantizedFile:     cfg.QuantizedModelFile,
		FullPrecisionFile: cfg.FullPrecisionModelFile,
		FullPrecisionAddr: cfg.FullPrecisionAddr,
		Dial:              grpcclient.Dialer(logger),
	}, logger)
	defer registry.Close()

	engine := verification.NewEngine(registry, logger, verification.Options{
		InferenceTimeout: cfg.InferenceTimeout(),
		BatchConcurrency: cfg.BatchConcurrency,
	})
	if err := os.MkdirAll(cfg.UploadTempDir, 0o700); err != nil {
		logger.Fatal("failed to create upload staging dir", zap.Error(err), zap.String("dir", cfg.UploadTempDir))
	}
	reports := integration.NewReportAdapter(engine, cfg.UploadTempDir, logger)

	sweeper := integration.NewSweeper(cfg.UploadTempDir, cfg.UploadMaxAge(), logger)
	scheduler, err := sweeper.Start(cfg.UploadSweepSchedule)
	if err != nil {
		logger.Fatal("failed to schedule upload sweeper", zap.Error(err))
	}
	defer scheduler.Stop()

	cache := usecase.NewRedisCache(redisClient, "oceanwatch:")
	uc := usecase.NewVerificationUseCase(repo, cache, engine, reports, logger)

	grpcServer := grpcserver.New(uc, hostedScorer(cfg, registry), cfg.MaxUploadBytes, logger)
	grpcListener, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		logger.Fatal("failed to listen for gRPC", zap.Error(err), zap.String("addr", cfg.GRPCAddr))
	}
	go func() {
		if err := grpcServer.Serve(grpcListener); err != nil {
			logger.Error("gRPC server stopped", zap.Error(err))
		}
	}()
	defer grpcServer.Stop()

	r := gin.Default()
	r.MaxMultipartMemory = cfg.MaxUploadBytes

	authMiddleware := auth.JWTMiddleware(cfg.JWTSecret, cfg.JWTAudience)
	handlers.RegisterRoutesWithLimit(r, uc, authMiddleware, cfg.MaxUploadBytes)

	server := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: r,
	}

	logger.Info("OceanWatch API listening", zap.String("addr", cfg.HTTPAddr), zap.String("model", uc.ModelInfo().Selected))
	if err := serveHTTPServer(server, 15*time.Second, logger); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}

// hostedScorer exposes the local full precision model to other nodes. A
// remote one is never re-exported.
func hostedScorer(cfg config.Config, registry *model.Registry) model.Backend {
	if cfg.FullPrecisionAddr != "" {
		return nil
	}
	backend, ok := registry.Get(model.FullPrecision)
	if !ok {
		return nil
	}
	return backend
}

func initDatabase(ctx context.Context, cfg config.Config, zapLogger *zap.Logger) *gorm.DB {
	var dialector gorm.Dialector
	switch cfg.DatabaseDriver {
	case config.DriverPostgres:
		dialector = postgres.Open(cfg.DatabaseDSN)
	default:
		dialector = sqlite.Open(cfg.DatabaseDSN)
	}
	db, err := gorm.Open(dialector, &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Warn)})
	if err != nil {
		zapLogger.Fatal("failed to connect to database", zap.Error(err), zap.String("driver", cfg.DatabaseDriver))
	}

	sqlDB, err := db.DB()
	if err != nil {
		zapLogger.Fatal("failed to access db handle", zap.Error(err))
	}
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetMaxOpenConns(10)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := sqlDB.PingContext(ctx); err != nil {
		zapLogger.Fatal("database ping failed", zap.Error(err))
	}

	return db
}

func initRedis(ctx context.Context, addr string, zapLogger *zap.Logger) *redis.Client {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		zapLogger.Fatal("redis connection failed", zap.Error(err), zap.String("addr", addr))
	}
	return client
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
