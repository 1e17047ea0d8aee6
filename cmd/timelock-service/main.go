package main

import (
	"context"
	"database/sql"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	"github.com/ILLUVRSE/timelock/internal/audit"
	"github.com/ILLUVRSE/timelock/internal/auth"
	"github.com/ILLUVRSE/timelock/internal/config"
	"github.com/ILLUVRSE/timelock/internal/httpserver"
	"github.com/ILLUVRSE/timelock/internal/lifecycle"
	"github.com/ILLUVRSE/timelock/internal/notify"
	"github.com/ILLUVRSE/timelock/internal/policy"
	"github.com/ILLUVRSE/timelock/internal/scanner"
	"github.com/ILLUVRSE/timelock/internal/secrets"
	"github.com/ILLUVRSE/timelock/internal/seed"
	"github.com/ILLUVRSE/timelock/internal/store"
)

func main() {
	noScanner := flag.Bool("no-scanner", false, "do not start the due-release scanner")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config load: %v", err)
	}

	bootCtx, bootCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer bootCancel()

	st, closeStore := openStore(bootCtx, cfg)
	defer closeStore()

	tokens := mustTokenIssuer(bootCtx, cfg)

	fileRules, err := policy.LoadRules(cfg.PolicyFile)
	if err != nil {
		log.Fatalf("policy file: %v", err)
	}
	if err := seed.Run(bootCtx, st, seed.Options{Defaults: cfg.SeedDefaults, Password: cfg.SeedPassword, Rules: fileRules}); err != nil {
		log.Fatalf("seed: %v", err)
	}

	sinks, closeSinks := auditSinks(bootCtx, cfg)
	defer closeSinks()
	trail := audit.NewTrail(st, audit.Config{Sinks: sinks})

	dispatcher := notify.NewDispatcher(notify.Config{
		URL:       cfg.WebhookURL,
		Secret:    cfg.WebhookSecret,
		Timeout:   cfg.WebhookTimeout,
		RetryBase: cfg.WebhookRetryBase,
	})
	queue := notify.NewQueue(dispatcher, notify.QueueConfig{Size: cfg.WebhookQueueSize})
	if !dispatcher.Enabled() {
		log.Printf("webhook URL not set; notifications disabled")
	}

	svc := lifecycle.New(st, st, trail, queue, lifecycle.Config{})
	server := httpserver.New(svc, st, tokens, policy.NewResolver(st))

	httpServer := &http.Server{
		Addr:    cfg.Addr,
		Handler: server.Router(),
	}

	workers := newWorkerGroup()
	workers.goConsumer("audit trail", trail.Run)
	workers.goConsumer("notification queue", queue.Run)
	if cfg.ScannerEnabled && !*noScanner {
		scanCfg := scanner.Config{Interval: cfg.ScannerInterval, BatchSize: cfg.ScannerBatch}
		workers.goProducer("due scanner", func(ctx context.Context) { scanner.Run(ctx, st, svc, scanCfg) })
	}

	go func() {
		log.Printf("timelock service listening on %s", cfg.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server error: %v", err)
		}
	}()

	waitForShutdown(httpServer)
	workers.stop()
}

// workerGroup runs background loops in two stages. Producers are stopped and waited
// for before consumers are cancelled, so work a producer commits on its way out is
// still delivered.
type workerGroup struct {
	producerCtx   context.Context
	consumerCtx   context.Context
	stopProducers context.CancelFunc
	stopConsumers context.CancelFunc
	producers     sync.WaitGroup
	consumers     sync.WaitGroup
}

func newWorkerGroup() *workerGroup {
	g := &workerGroup{}
	g.producerCtx, g.stopProducers = context.WithCancel(context.Background())
	g.consumerCtx, g.stopConsumers = context.WithCancel(context.Background())
	return g
}

func (g *workerGroup) goProducer(name string, fn func(context.Context)) {
	launch(g.producerCtx, &g.producers, name, fn)
}

func (g *workerGroup) goConsumer(name string, fn func(context.Context)) {
	launch(g.consumerCtx, &g.consumers, name, fn)
}

func (g *workerGroup) stop() {
	g.stopProducers()
	g.producers.Wait()
	g.stopConsumers()
	g.consumers.Wait()
}

func launch(ctx context.Context, wg *sync.WaitGroup, name string, fn func(context.Context)) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		fn(ctx)
		log.Printf("%s stopped", name)
	}()
}

func openStore(ctx context.Context, cfg config.Config) (store.Store, func()) {
	if cfg.DatabaseURL == "" {
		log.Printf("no database configured; using in-memory store")
		return store.NewMemoryStore(), func() {}
	}
	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db open: %v", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	if err := db.PingContext(ctx); err != nil {
		log.Fatalf("db ping: %v", err)
	}
	pg := store.NewPGStore(db)
	if err := pg.EnsureSchema(ctx); err != nil {
		log.Fatalf("db schema: %v", err)
	}
	log.Println("connected to postgres")
	return pg, func() { _ = db.Close() }
}

func mustTokenIssuer(ctx context.Context, cfg config.Config) *auth.TokenIssuer {
	secret := cfg.JWTSecret
	if cfg.JWTSecretID != "" {
		resolver, err := secrets.NewResolver(ctx)
		if err != nil {
			log.Fatalf("secrets manager: %v", err)
		}
		secret, err = resolver.Resolve(ctx, cfg.JWTSecretID)
		if err != nil {
			log.Fatalf("jwt secret: %v", err)
		}
		log.Printf("jwt secret loaded from secrets manager id=%s", cfg.JWTSecretID)
	}
	tokens, err := auth.NewTokenIssuer(auth.DecodeSecret(secret), cfg.JWTIssuer, cfg.JWTTTL)
	if err != nil {
		log.Fatalf("token issuer: %v", err)
	}
	return tokens
}

// auditSinks builds the optional Kafka and S3 sinks. Both are off unless configured.
func auditSinks(ctx context.Context, cfg config.Config) ([]audit.Sink, func()) {
	var sinks []audit.Sink
	closers := []func() error{}
	if len(cfg.KafkaBrokers) > 0 {
		k, err := audit.NewKafkaSink(audit.KafkaConfig{Brokers: cfg.KafkaBrokers, Topic: cfg.KafkaTopic})
		if err != nil {
			log.Fatalf("kafka sink: %v", err)
		}
		sinks = append(sinks, k)
		closers = append(closers, k.Close)
		log.Printf("audit stream enabled topic=%s brokers=%v", cfg.KafkaTopic, cfg.KafkaBrokers)
	}
	if cfg.S3Bucket != "" {
		a, err := audit.NewS3Archiver(ctx, cfg.S3Bucket, cfg.S3Prefix)
		if err != nil {
			log.Fatalf("s3 archiver: %v", err)
		}
		sinks = append(sinks, a)
		log.Printf("audit archive enabled bucket=%s prefix=%s", cfg.S3Bucket, cfg.S3Prefix)
	}
	return sinks, func() {
		for _, c := range closers {
			if err := c(); err != nil {
				log.Printf("close audit sink: %v", err)
			}
		}
	}
}

func waitForShutdown(srv *http.Server) {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
	}
}
