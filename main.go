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

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/example/xray-analysis/internal/analysis"
	"github.com/example/xray-analysis/internal/auth"
	"github.com/example/xray-analysis/internal/config"
	"github.com/example/xray-analysis/internal/guidance"
	"github.com/example/xray-analysis/internal/handlers"
	"github.com/example/xray-analysis/internal/inference"
	"github.com/example/xray-analysis/internal/localize"
	"github.com/example/xray-analysis/internal/logging"
	"github.com/example/xray-analysis/internal/repository"
)

func main() {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	cfg := config.Load()

	logger, err := logging.NewLogger()
	if err != nil {
		panic(err)
	}
	defer logger.Sync() //nolint:errcheck

	db := initDatabase(ctx, cfg.DatabaseDSN, logger)
	repo := repository.NewAnalysisRepository(db, logger)
	if err := repo.AutoMigrate(ctx); err != nil {
		logger.Fatal("auto migrate failed", zap.Error(err))
	}

	redisCtx, redisCancel := context.WithTimeout(ctx, 5*time.Second)
	defer redisCancel()
	redisClient := initRedis(redisCtx, cfg.RedisAddr, logger)

	// The classifier is required for analysis but its absence does not keep
	// the process from starting: requests fail with a hard error until the
	// artifact is fixed, mirroring the unavailable-model sentinel design.
	classifier := loadModel(cfg.ClassifierModelPath, cfg.ClassifierMetaPath, "classifier", logger)
	subtype := loadModel(cfg.SubtypeModelPath, cfg.SubtypeMetaPath, "subtype", logger)
	localizer := buildLocalizer(cfg, logger)

	guide, err := guidance.NewGeminiService(ctx, cfg.GeminiAPIKey, cfg.GeminiModel, logger)
	if err != nil {
		logger.Fatal("failed to configure guidance", zap.Error(err))
	}

	analyzer := analysis.NewAnalyzer(analysis.AnalyzerConfig{
		Classifier: classifier,
		Subtype:    subtype,
		Localizer:  localizer,
		Guide:      guide,
		Repo:       repo,
		Cache:      analysis.NewRedisCache(redisClient),
		Logger:     logger,
	})

	r := gin.Default()
	r.MaxMultipartMemory = handlers.MaxUploadSize
	r.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{"GET", "POST", "OPTIONS"},
		AllowHeaders: []string{"Origin", "Content-Type", "Authorization"},
		MaxAge:       12 * time.Hour,
	}))

	if cfg.JWTSecret == "" {
		logger.Warn("JWT_SECRET not set, every API request will be refused")
	}
	authMiddleware := auth.JWTMiddleware(cfg.JWTSecret, cfg.JWTAudience)
	handlers.RegisterRoutes(r, analyzer, cfg.UploadDir, authMiddleware, logger)

	server := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: r,
	}

	logger.Info("X-ray analysis API listening", zap.String("addr", server.Addr))
	if err := serveHTTPServer(server, 15*time.Second, logger); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}

func initDatabase(ctx context.Context, dsn string, zapLogger *zap.Logger) *gorm.DB {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Warn)})
	if err != nil {
		zapLogger.Fatal("failed to connect to database", zap.Error(err))
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
		zapLogger.Fatal("redis connection failed", zap.Error(err))
	}
	return client
}

// loadModel loads an optional ONNX artifact. An empty path disables the
// stage; a load failure logs and disables it so the rest of the pipeline
// keeps serving.
func loadModel(modelPath, metaPath, name string, logger *zap.Logger) inference.Predictor {
	if modelPath == "" {
		return nil
	}
	session, err := inference.NewSession(modelPath, metaPath)
	if err != nil {
		logger.Error("failed to load model artifact",
			zap.String("model", name),
			zap.String("path", modelPath),
			zap.Error(err))
		return nil
	}
	logger.Info("model artifact loaded", zap.String("model", name), zap.String("path", modelPath))
	return session
}

func buildLocalizer(cfg *config.Config, logger *zap.Logger) localize.Localizer {
	switch cfg.Localizer {
	case "reconstruction":
		autoencoder := loadModel(cfg.AutoencoderModelPath, cfg.AutoencoderMetaPath, "autoencoder", logger)
		if autoencoder == nil {
			logger.Warn("autoencoder unavailable, anomaly localization disabled")
			return nil
		}
		return localize.NewReconstructionLocalizer(autoencoder)
	case "gradcam":
		if cfg.CAMModelPath == "" {
			logger.Warn("no saliency artifact configured, heatmaps disabled")
			return nil
		}
		cam, err := inference.NewCAMSession(cfg.CAMModelPath, cfg.CAMMetaPath)
		if err != nil {
			if errors.Is(err, inference.ErrNoConvLayer) {
				logger.Fatal("saliency artifact exposes no convolutional output", zap.String("path", cfg.CAMModelPath))
			}
			logger.Error("failed to load saliency artifact", zap.Error(err))
			return nil
		}
		return localize.NewGradCAMLocalizer(cam)
	case "placeholder":
		logger.Warn("placeholder localizer active: emitted circles are random demo data")
		return localize.NewPlaceholderLocalizer(time.Now().UnixNano())
	case "none":
		return nil
	default:
		logger.Warn("unknown localizer strategy, localization disabled", zap.String("strategy", cfg.Localizer))
		return nil
	}
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
