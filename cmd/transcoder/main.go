package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"syscall"

	kafkago "github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/your-org/hlstranscoder/internal/transcode"
	"github.com/your-org/hlstranscoder/pkg/config"
	"github.com/your-org/hlstranscoder/pkg/kafka"
	"github.com/your-org/hlstranscoder/pkg/logger"
	"github.com/your-org/hlstranscoder/pkg/storage/objectstore"
	"github.com/your-org/hlstranscoder/pkg/tracing"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logr, err := logger.New(cfg.App.LogLevel, cfg.App.Environment)
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer logr.Sync() //nolint:errcheck

	traceShutdown, err := tracing.Init(ctx, tracing.Config{
		Endpoint:       cfg.Tracing.Endpoint,
		Insecure:       cfg.Tracing.Insecure,
		SampleRatio:    cfg.Tracing.SampleRatio,
		Attributes:     tracing.ParseAttributes(cfg.Tracing.ResourceAttr),
		ServiceName:    cfg.App.Name,
		ServiceVersion: cfg.App.Version,
		Environment:    cfg.App.Environment,
	})
	if err != nil {
		logr.Fatal("init tracing", zap.Error(err))
	}
	defer traceShutdown(context.Background()) //nolint:errcheck

	publisher, err := transcode.NewPublisher(cfg.Public.BaseURL)
	if err != nil {
		logr.Fatal("init publisher", zap.Error(err))
	}

	params := transcode.Params{
		Layout: transcode.NewLayout(cfg.Transcode.OutputDir),
		Runner: transcode.NewRunner(transcode.RunnerConfig{
			Binary:     cfg.Transcode.FFmpegPath,
			VideoCodec: cfg.Transcode.VideoCodec,
			AudioCodec: cfg.Transcode.AudioCodec,
			Timeout:    cfg.Transcode.Timeout,
		}, logr.Named("runner")),
		Limiter:   transcode.NewLimiter(cfg.Transcode.MaxConcurrent, cfg.Transcode.AdmissionWait),
		Publisher: publisher,
		Cleaner:   transcode.NewCleaner(logr.Named("cleanup"), cfg.Transcode.RemoveFailedOutput),
		Logger:    logr,
	}

	if cfg.Kafka.Enabled {
		params.Producer = kafka.NewProducer(kafka.ProducerConfig{
			Brokers:      cfg.Kafka.Brokers,
			Topic:        cfg.Kafka.Topic,
			BatchSize:    cfg.Kafka.BatchSize,
			BatchTimeout: cfg.Kafka.BatchTimeout,
			Compression:  kafka.CompressionFromString(cfg.Kafka.CompressionCodec),
			RequiredAcks: kafkago.RequireAll,
			MaxAttempts:  cfg.Kafka.Retries,
			WriteTimeout: cfg.Kafka.WriteTimeout,
		})
	}

	if cfg.Storage.Enabled {
		store, err := objectstore.New(objectstore.Config{
			Provider:  cfg.Storage.Provider,
			Endpoint:  cfg.Storage.Endpoint,
			Region:    cfg.Storage.Region,
			Bucket:    cfg.Storage.Bucket,
			AccessKey: cfg.Storage.AccessKey,
			SecretKey: cfg.Storage.SecretKey,
			UseSSL:    cfg.Storage.UseSSL,
		})
		if err != nil {
			logr.Fatal("init object store", zap.Error(err))
		}
		params.Store = store
	}

	service := transcode.NewService(params)

	receiver := transcode.NewReceiver(transcode.ReceiverConfig{
		MaxSizeBytes:      cfg.Upload.MaxSizeBytes,
		MultipartMemBytes: cfg.Upload.MultipartMemBytes,
		TempDir:           cfg.Upload.TempDir,
		ParseTimeout:      cfg.Upload.ParseTimeout,
	})

	handler := transcode.NewHTTPHandler(service, receiver, logr.Named("http"), cfg.Transcode.OutputDir)

	server := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           handler.Router(),
		ReadHeaderTimeout: cfg.HTTP.ReadHeaderTimeout,
		ReadTimeout:       cfg.HTTP.ReadTimeout,
		WriteTimeout:      cfg.HTTP.WriteTimeout,
		IdleTimeout:       cfg.HTTP.IdleTimeout,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logr.Error("http server shutdown failed", zap.Error(err))
		}
		if err := service.Close(shutdownCtx); err != nil {
			logr.Error("service shutdown failed", zap.Error(err))
		}
	}()

	logr.Info("transcoder starting",
		zap.String("addr", cfg.HTTP.Addr),
		zap.String("output_dir", cfg.Transcode.OutputDir),
		zap.Int("max_concurrent", cfg.Transcode.MaxConcurrent),
		zap.Bool("kafka_enabled", cfg.Kafka.Enabled),
		zap.Bool("storage_enabled", cfg.Storage.Enabled),
	)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logr.Fatal("http server failed", zap.Error(err))
	}
}
