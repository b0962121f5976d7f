/**
 * @description
 * This is the main entry point for the verification-service. It is
 * responsible for initializing all components of the service: configuration,
 * the database pool, the CEP/media/OCR clients, the message broker, the
 * verification pipeline with its worker pool, the maintenance jobs, and the
 * HTTP server. It wires everything together and starts the service.
 *
 * @dependencies
 * - log, net/http: Standard Go libraries for logging and HTTP server functionality.
 * - github.com/jackc/pgx/v5: PostgreSQL driver.
 * - internal/api, internal/app, internal/config, internal/store: Internal packages for the service.
 * - pkg/cepclient, pkg/imageclient, pkg/ocrclient: External service clients.
 * - pkg/rabbitmq: Client for RabbitMQ.
 */

package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/pesoswap/verification-service/internal/api"
	"github.com/pesoswap/verification-service/internal/app"
	"github.com/pesoswap/verification-service/internal/banks"
	"github.com/pesoswap/verification-service/internal/config"
	"github.com/pesoswap/verification-service/internal/extract"
	"github.com/pesoswap/verification-service/internal/metrics"
	"github.com/pesoswap/verification-service/internal/store"
	"github.com/pesoswap/verification-service/pkg/cepclient"
	"github.com/pesoswap/verification-service/pkg/imageclient"
	"github.com/pesoswap/verification-service/pkg/ocrclient"
	"github.com/pesoswap/verification-service/pkg/rabbitmq"
)

func main() {
	// Load a local .env if present; real deployments set the environment.
	_ = godotenv.Load()

	cfg, err := config.LoadConfig(".")
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"config load failed\" err=%v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"config invalid\" err=%v", err)
	}

	log.Printf("level=info component=bootstrap msg=\"starting verification-service\" port=%s workers=%d", cfg.ServerPort, cfg.WorkerCount)

	metrics.Register()

	// Establish a connection pool to the PostgreSQL database.
	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database url parse failed\" err=%v", err)
	}
	poolConfig.MaxConns = 50
	poolConfig.MinConns = 5
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 5 * time.Minute
	// Disable prepared statement caching to prevent conflicts
	poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	dbpool, err := pgxpool.NewWithConfig(context.Background(), poolConfig)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database connection failed\" err=%v", err)
	}
	defer dbpool.Close()
	log.Println("level=info component=bootstrap msg=\"database connected\"")

	// RabbitMQ producer publishes validation result events. A missing broker
	// degrades to the fallback producer; collaborators can still poll.
	var producer rabbitmq.Publisher
	eventProducer, err := rabbitmq.NewEventProducer(cfg.RabbitMQURL)
	if err != nil {
		log.Printf("level=warn component=bootstrap msg=\"rabbitmq producer unavailable; using fallback\" err=%v", err)
		producer = &rabbitmq.EventProducerFallback{}
	} else {
		defer eventProducer.Close()
		producer = eventProducer
		log.Println("level=info component=bootstrap msg=\"rabbitmq producer connected\"")
	}

	// Redis backs the submission dedup guard. Optional: intake falls back to
	// the Postgres uniqueness constraint when Redis is absent.
	var guard *app.RedisSubmissionGuard
	if strings.TrimSpace(cfg.RedisURL) != "" {
		redisOptions, parseErr := redis.ParseURL(cfg.RedisURL)
		if parseErr != nil {
			log.Printf("level=warn component=bootstrap msg=\"redis url parse failed; submission guard disabled\" err=%v", parseErr)
		} else {
			redisClient := redis.NewClient(redisOptions)
			pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancelPing()
			if pingErr := redisClient.Ping(pingCtx).Err(); pingErr != nil {
				log.Printf("level=warn component=bootstrap msg=\"redis ping failed; submission guard disabled\" err=%v", pingErr)
				redisClient.Close()
			} else {
				defer redisClient.Close()
				guard = app.NewRedisSubmissionGuard(redisClient, cfg.RedisKeyPrefix, 10*time.Minute)
				log.Println("level=info component=bootstrap msg=\"redis connected\"")
			}
		}
	}

	// External clients and the bank-code resolver.
	cepClient := cepclient.NewClient(cfg.CEPAPIBaseURL, cfg.CEPAPIKey)
	imageClient := imageclient.NewClient(cfg.ImageAPIBaseURL, cfg.ImageAPIKey)
	ocrClient := ocrclient.NewClient(cfg.OCRAPIBaseURL, cfg.OCRAPIKey)
	extractor := extract.NewExtractor(imageClient, ocrClient)
	resolver, err := banks.NewResolver()
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"bank table load failed\" err=%v", err)
	}

	repository := store.NewPostgresRepository(dbpool)
	service := app.NewService(repository, producer, guard, cfg.EventsExchange, cfg.Deadline())

	retryPolicy := app.NewRetryPolicy(
		time.Duration(cfg.RetryBaseDelaySeconds)*time.Second,
		time.Duration(cfg.RetryMaxDelaySeconds)*time.Second,
		cfg.RetryJitterFraction,
		cfg.MaxAttempts,
	)
	pipeline := app.NewPipeline(repository, service, extractor, resolver, cepClient, retryPolicy, app.PipelineConfig{
		WorkerCount:            cfg.WorkerCount,
		AuthorityMaxConcurrent: cfg.AuthorityMaxConcurrent,
		LeaseSeconds:           cfg.LeaseSeconds,
		DispatchInterval:       time.Duration(cfg.DispatchIntervalSeconds) * time.Second,
		FetchMaxAttempts:       cfg.FetchMaxAttempts,
		FetchRetryDelay:        time.Duration(cfg.FetchRetryDelaySeconds) * time.Second,
		MinOCRConfidence:       cfg.MinOCRConfidence,
		AmountTolerance:        cfg.AmountTolerance(),
	})

	pipelineCtx, stopPipeline := context.WithCancel(context.Background())
	pipeline.Start(pipelineCtx)

	jobs := app.NewMaintenanceJobs(repository, service, app.MaintenanceConfig{
		SweepSchedule:    cfg.DeadlineSweepSchedule,
		PurgeSchedule:    cfg.ArchiveSchedule,
		DocumentRetainer: time.Duration(cfg.ArchiveAfterDays) * 24 * time.Hour,
	})
	if err := jobs.Start(); err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"maintenance jobs start failed\" err=%v", err)
	}

	// AMQP intake for payment.proof.submitted events.
	rabbitConsumer, err := rabbitmq.NewConsumer(cfg.RabbitMQURL)
	if err != nil {
		log.Printf("level=warn component=bootstrap msg=\"rabbitmq consumer unavailable; amqp intake disabled\" err=%v", err)
	} else {
		defer rabbitConsumer.Close()
		if err := rabbitConsumer.ConsumeWithBindings(cfg.EventsExchange, cfg.ProofQueue, service.ProofSubmittedBindings()); err != nil {
			log.Fatalf("level=fatal component=bootstrap msg=\"proof consumer start failed\" err=%v", err)
		}
	}

	handlers := api.NewValidationHandlers(service)
	router := api.ValidationRoutes(handlers, cfg.InternalAPIKey, cfg.ReviewJWKSURL)

	serverAddr := fmt.Sprintf(":%s", cfg.ServerPort)
	server := &http.Server{
		Addr:    serverAddr,
		Handler: router,
	}

	go func() {
		log.Printf("level=info component=http msg=\"server listening\" addr=%s", serverAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("level=fatal component=http msg=\"server stopped unexpectedly\" err=%v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	log.Println("level=info component=bootstrap msg=\"shutdown started\"")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("level=error component=http msg=\"shutdown failed\" err=%v", err)
	}

	stopPipeline()
	pipeline.Stop()
	jobs.Stop()

	log.Println("level=info component=bootstrap msg=\"shutdown complete\"")
}
