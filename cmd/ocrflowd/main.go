// Command ocrflowd runs the OCR orchestration worker: it consumes task queues
// from Redis, executes workflow presets against documents, persists runs in
// MongoDB with raw payloads in S3, and serves health probes over HTTP.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	awstextract "github.com/aws/aws-sdk-go-v2/service/textract"
	"github.com/redis/go-redis/v9"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	moptions "go.mongodb.org/mongo-driver/mongo/options"
	"goa.design/clue/health"
	"goa.design/clue/log"
	"goa.design/pulse/rmap"

	blobs3 "github.com/docuflow/ocrflow/features/blob/s3"
	metricsrmap "github.com/docuflow/ocrflow/features/metrics/rmap"
	runmongo "github.com/docuflow/ocrflow/features/runstore/mongo"
	mongoc "github.com/docuflow/ocrflow/features/runstore/mongo/clients/mongo"
	taskspulse "github.com/docuflow/ocrflow/features/tasks/pulse"
	clientspulse "github.com/docuflow/ocrflow/features/tasks/pulse/clients/pulse"
	"github.com/docuflow/ocrflow/orchestrator/breaker"
	"github.com/docuflow/ocrflow/orchestrator/config"
	"github.com/docuflow/ocrflow/orchestrator/ocr"
	"github.com/docuflow/ocrflow/orchestrator/ratelimit"
	"github.com/docuflow/ocrflow/orchestrator/registry"
	"github.com/docuflow/ocrflow/orchestrator/runstore"
	"github.com/docuflow/ocrflow/orchestrator/telemetry"
	"github.com/docuflow/ocrflow/orchestrator/workflow"
)

// Replicated map names shared by every node.
const (
	tasksMapName   = "ocrflow-tasks"
	metricsMapName = "ocrflow-metrics"
)

// redisPinger adapts a Redis client to the health checker.
type redisPinger struct {
	rdb *redis.Client
}

func (p redisPinger) Name() string                   { return "redis" }
func (p redisPinger) Ping(ctx context.Context) error { return p.rdb.Ping(ctx).Err() }

func main() {
	var (
		mongoURIF       = flag.String("mongo-uri", "mongodb://localhost:27017", "MongoDB connection URI")
		mongoDBF        = flag.String("mongo-db", "ocrflow", "MongoDB database name")
		redisAddrF      = flag.String("redis-addr", "localhost:6379", "Redis address (REDIS_PASSWORD sets the password)")
		bucketF         = flag.String("blob-bucket", "", "S3 bucket for raw OCR payloads (required)")
		textractBucketF = flag.String("textract-bucket", "", "S3 bucket for Textract PDF staging (defaults to blob bucket)")
		presetsF        = flag.String("presets", "", "Optional YAML file with additional workflow presets")
		httpPortF       = flag.String("http-port", "8080", "HTTP port serving health probes")
		flushIntervalF  = flag.Duration("metrics-flush", 30*time.Second, "Engine metrics flush interval")
		dbgF            = flag.Bool("debug", false, "Enable debug logs")
	)
	flag.Parse()

	// Setup logger.
	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if *dbgF {
		ctx = log.Context(ctx, log.WithDebug())
		log.Debugf(ctx, "debug logs enabled")
	}
	if *bucketF == "" {
		log.Fatal(ctx, fmt.Errorf("-blob-bucket is required"))
	}
	if *textractBucketF == "" {
		*textractBucketF = *bucketF
	}
	logger := telemetry.NewClueLogger()

	// Backing services.
	rdb := redis.NewClient(&redis.Options{
		Addr:     *redisAddrF,
		Password: os.Getenv("REDIS_PASSWORD"),
	})
	mongoClient, err := mongodriver.Connect(ctx, moptions.Client().ApplyURI(*mongoURIF))
	if err != nil {
		log.Fatalf(ctx, err, "connect mongo")
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		log.Fatalf(ctx, err, "load aws config")
	}
	s3Client := awss3.NewFromConfig(awsCfg)
	textractClient := awstextract.NewFromConfig(awsCfg)

	// Stores.
	blobStore, err := blobs3.New(s3Client, *bucketF)
	if err != nil {
		log.Fatalf(ctx, err, "build blob store")
	}
	storeClient, err := mongoc.New(mongoc.Options{
		Client:   mongoClient,
		Database: *mongoDBF,
	})
	if err != nil {
		log.Fatalf(ctx, err, "build mongo client")
	}
	store, err := runmongo.NewStore(storeClient, blobStore, logger)
	if err != nil {
		log.Fatalf(ctx, err, "build run store")
	}

	// Orchestration.
	limiter := ratelimit.New(map[ocr.EngineKind]int{
		ocr.EngineAzure:    15,
		ocr.EngineGoogle:   20,
		ocr.EngineTextract: 10,
		ocr.EngineMistral:  30,
	})
	reg := registry.New(registry.Options{
		Factories: registry.DefaultFactories(registry.CloudDeps{
			Textract:        textractClient,
			TextractStaging: s3Client,
			TextractBucket:  *textractBucketF,
			Logger:          logger,
		}),
		Limiter: limiter,
		Logger:  logger,
	})
	breakers := breaker.NewRegistry(config.DefaultBreakerSettings(), logger)
	collector := runstore.NewCollector()
	engine, err := workflow.NewEngine(workflow.EngineOptions{
		Registry:  reg,
		Runs:      store,
		Documents: store,
		Breakers:  breakers,
		Collector: collector,
		Logger:    logger,
		Tracer:    telemetry.NewClueTracer(),
	})
	if err != nil {
		log.Fatalf(ctx, err, "build workflow engine")
	}
	presets := config.NewPresets()
	if *presetsF != "" {
		if err := presets.LoadFile(*presetsF); err != nil {
			log.Fatalf(ctx, err, "load presets")
		}
	}

	// Task layer.
	pulseClient, err := clientspulse.New(clientspulse.Options{
		Redis:        rdb,
		StreamMaxLen: 10000,
	})
	if err != nil {
		log.Fatalf(ctx, err, "build pulse client")
	}
	states, err := rmap.Join(ctx, tasksMapName, rdb)
	if err != nil {
		log.Fatalf(ctx, err, "join task state map")
	}
	metricsMap, err := rmap.Join(ctx, metricsMapName, rdb)
	if err != nil {
		log.Fatalf(ctx, err, "join metrics map")
	}
	flusher, err := metricsrmap.New(metricsMap)
	if err != nil {
		log.Fatalf(ctx, err, "build metrics flusher")
	}
	worker, err := taskspulse.NewWorker(taskspulse.WorkerOptions{
		Pulse:     pulseClient,
		States:    states,
		Engine:    engine,
		Presets:   presets,
		Collector: collector,
		Logger:    logger,
	})
	if err != nil {
		log.Fatalf(ctx, err, "build worker")
	}

	// Health probes.
	checker := health.NewChecker(storeClient, redisPinger{rdb: rdb})
	mux := http.NewServeMux()
	mux.Handle("/healthz", health.Handler(checker))
	mux.Handle("/livez", health.Handler(checker))
	srv := &http.Server{Addr: ":" + *httpPortF, Handler: mux}

	errc := make(chan error)
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		errc <- fmt.Errorf("%s", <-c)
	}()

	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Printf(ctx, "worker started")
		if err := worker.Run(ctx); err != nil {
			errc <- err
		}
	}()
	wg.Add(1)
	go func() {
		defer wg.Done()
		collector.FlushLoop(ctx, flusher, *flushIntervalF, logger)
	}()
	go func() {
		log.Printf(ctx, "health probes on :%s", *httpPortF)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errc <- err
		}
	}()

	// Wait for signal.
	log.Printf(ctx, "exiting (%v)", <-errc)

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorf(shutdownCtx, err, "http shutdown")
	}
	wg.Wait()
	if err := mongoClient.Disconnect(shutdownCtx); err != nil {
		log.Errorf(shutdownCtx, err, "mongo disconnect")
	}
	if err := rdb.Close(); err != nil {
		log.Errorf(shutdownCtx, err, "redis close")
	}
	log.Printf(ctx, "exited")
}
