package main

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"chronos/internal/handlers"
	"chronos/internal/storage"
	"chronos/pkg/config"
	"chronos/pkg/database"
	"chronos/pkg/email"
	"chronos/pkg/logging"
	"chronos/pkg/monitoring"
	"chronos/pkg/server"
	"chronos/pkg/version"
)

func main() {
	logger := logging.NewLoggerWithService("chronos")
	config.LoadEnv(logger)

	databaseURL := config.RequireEnv("DATABASE_URL")

	dbCfg := database.DefaultConfig()
	dbCfg.URL = databaseURL
	db := database.MustConnect(dbCfg, logger)
	defer db.Close()

	if err := database.ApplySchema(db, logger); err != nil {
		logger.WithField("error", err).Fatal("Failed to apply database schema")
	}

	healthChecker := monitoring.NewHealthChecker("chronos", version.Version)
	healthChecker.AddCheck("database", monitoring.DatabaseHealthCheck(db))
	healthChecker.AddCheck("configuration", monitoring.ConfigurationHealthCheck(map[string]string{
		"DATABASE_URL": databaseURL,
	}))

	metricsCollector := monitoring.NewMetricsCollector("chronos", version.Version, version.GetShortCommit())
	chronosMetrics := handlers.NewChronosMetrics(metricsCollector)

	ledgerService := handlers.Init(db, logger, chronosMetrics)

	sender := email.NewSender(email.Config{
		Host:     config.GetEnv("SMTP_HOST", ""),
		Port:     config.GetEnv("SMTP_PORT", "587"),
		User:     config.GetEnv("SMTP_USER", ""),
		Password: config.GetEnv("SMTP_PASSWORD", ""),
		From:     config.GetEnv("SMTP_FROM", ""),
		FromName: config.GetEnv("SMTP_FROM_NAME", "Chronos Billing"),
	})
	notifier, err := handlers.NewNotificationService(sender, logger)
	if err != nil {
		logger.WithField("error", err).Fatal("Failed to build notification service")
	}
	handlers.SetNotifier(notifier)

	if bucket := config.GetEnv("S3_BUCKET", ""); bucket != "" {
		uploader, err := storage.NewS3Client(context.Background(), storage.S3Config{
			Endpoint:      config.GetEnv("S3_ENDPOINT", ""),
			Region:        config.GetEnv("S3_REGION", "us-east-1"),
			Bucket:        bucket,
			AccessKey:     config.GetEnv("S3_ACCESS_KEY", ""),
			SecretKey:     config.GetEnv("S3_SECRET_KEY", ""),
			PublicBaseURL: config.GetEnv("S3_PUBLIC_BASE_URL", ""),
			UsePathStyle:  config.GetEnvBool("S3_USE_PATH_STYLE", false),
		}, logger)
		if err != nil {
			logger.WithField("error", err).Fatal("Failed to build S3 client")
		}
		handlers.SetUploader(uploader)
	} else {
		logger.Warn("S3_BUCKET not set, image uploads disabled")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	jobManager := handlers.NewJobManager(
		ledgerService,
		logger,
		notifier,
		chronosMetrics,
		config.GetEnvDuration("DEDUCTION_INTERVAL", 60*time.Second),
		config.GetEnvDuration("LOW_BALANCE_SWEEP_INTERVAL", time.Hour),
		decimal.NewFromInt(int64(config.GetEnvInt("LOW_BALANCE_THRESHOLD_MINUTES", 60))),
	)
	jobManager.Start(ctx)
	defer jobManager.Stop()

	router := server.SetupServiceRouter(logger, "chronos", healthChecker, metricsCollector)

	router.POST("/accounts", handlers.CreateAccount)
	router.GET("/accounts", handlers.ListAccounts)
	router.GET("/accounts/:account_id", handlers.GetAccount)
	router.PUT("/accounts/:account_id", handlers.UpdateAccount)
	router.POST("/accounts/:account_id/topup", handlers.AddBalance)
	router.POST("/accounts/:account_id/timer", handlers.StartTimer)
	router.POST("/deductions/run", handlers.RunDeductions)
	router.GET("/topups", handlers.ListTopups)
	router.POST("/payments/crypto", handlers.CreateCryptoPayment)
	router.POST("/invoices", handlers.GenerateInvoice)
	router.POST("/uploads/images", handlers.UploadImage)

	serverCfg := server.DefaultConfig("chronos", "18090")
	if err := server.Start(serverCfg, router, logger); err != nil {
		logger.WithField("error", err).Fatal("Server exited with error")
	}
}
