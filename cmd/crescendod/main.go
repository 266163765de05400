package main

import (
	"context"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/crescendoschool/crescendo-core/internal/auth"
	"github.com/crescendoschool/crescendo-core/internal/config"
	"github.com/crescendoschool/crescendo-core/internal/core"
	"github.com/crescendoschool/crescendo-core/internal/costing"
	"github.com/crescendoschool/crescendo-core/internal/dispatch"
	"github.com/crescendoschool/crescendo-core/internal/health"
	"github.com/crescendoschool/crescendo-core/internal/httpserver"
	"github.com/crescendoschool/crescendo-core/internal/ledger"
	ledgermem "github.com/crescendoschool/crescendo-core/internal/ledger/memory"
	ledgerpg "github.com/crescendoschool/crescendo-core/internal/ledger/postgres"
	ledgersql "github.com/crescendoschool/crescendo-core/internal/ledger/sqlite"
	"github.com/crescendoschool/crescendo-core/internal/logging"
	"github.com/crescendoschool/crescendo-core/internal/messagestore"
	msgmem "github.com/crescendoschool/crescendo-core/internal/messagestore/memory"
	msgpg "github.com/crescendoschool/crescendo-core/internal/messagestore/postgres"
	msgsql "github.com/crescendoschool/crescendo-core/internal/messagestore/sqlite"
	"github.com/crescendoschool/crescendo-core/internal/metrics"
	"github.com/crescendoschool/crescendo-core/internal/notifier"
	"github.com/crescendoschool/crescendo-core/internal/notifier/ws"
	"github.com/crescendoschool/crescendo-core/internal/pricing"
	"github.com/crescendoschool/crescendo-core/internal/ratelimit"
	"github.com/crescendoschool/crescendo-core/internal/sweeper"
	"github.com/crescendoschool/crescendo-core/internal/version"
	"github.com/crescendoschool/crescendo-core/internal/webhook"
)

func main() {
	cfg, err := config.Load(".")
	if err != nil {
		log.Fatalf("load config failed: %v", err)
	}

	// Rotating file logging (enabled when log_file provided)
	const maxLogBytes = int64(300 * 1024 * 1024) // 300MB
	logTarget := strings.TrimSpace(cfg.LogFile)
	if logTarget != "" {
		rot, err := logging.NewRotatingWriter(logTarget, maxLogBytes)
		if err != nil {
			log.Fatalf("init rotating log: %v", err)
		}
		// Mirror to stdout as well for foreground runs
		log.SetOutput(io.MultiWriter(os.Stdout, rot))
		defer rot.Close()
	}
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
	log.SetPrefix("[crescendod] ")
	log.Printf("crescendod %s", version.FullInfo())

	accounts, messages := openStores(cfg)
	defer accounts.Close()
	defer messages.Close()

	// Background loops (pricing refresh, stale sweep) stop on shutdown.
	bgCtx, stopBackground := context.WithCancel(context.Background())
	defer stopBackground()

	// Pricing table with auto refresh
	table := pricing.NewTable()
	table.SetLogger(log.New(log.Writer(), "[crescendod/pricing] ", log.LstdFlags|log.Lmicroseconds))
	table.StartAutoRefresh(bgCtx, pricing.LoaderConfig{
		LocalPath:       cfg.PricingPath,
		RemoteURL:       cfg.PricingURL,
		RefreshInterval: cfg.PricingRefresh,
	})
	calc := costing.NewCalculator(table, cfg.Markup, cfg.UnitsPerUSD)

	secret := strings.TrimSpace(cfg.WebhookSecret)
	if secret == "" {
		if cfg.Environment != "dev" {
			log.Fatalf("webhook_secret required outside dev")
		}
		log.Printf("webhook_secret not set; using dev default")
		secret = "crescendo-dev-webhook"
	}
	signer := webhook.NewSigner(secret)

	hub := notifier.NewHub()
	bridge := ws.NewBridge(hub, log.New(log.Writer(), "[crescendod/ws] ", log.LstdFlags|log.Lmicroseconds))

	collector := metrics.NewCollector()

	processor := webhook.NewProcessor(messages, accounts, calc, hub, log.New(log.Writer(), "[crescendod/webhook] ", log.LstdFlags|log.Lmicroseconds))
	processor.SetChargeRecorder(collector)

	var dispatcher core.Dispatcher
	var worker *dispatch.WorkerClient
	if strings.TrimSpace(cfg.WorkerBaseURL) != "" {
		worker, err = dispatch.NewWorkerClient(cfg.WorkerBaseURL, cfg.CallbackURL, signer, nil)
		if err != nil {
			log.Fatalf("worker client init failed: %v", err)
		}
		dispatcher = worker
	} else {
		log.Printf("worker_base_url not set; submissions will queue without dispatch")
	}

	pipeline := core.NewPipeline(messages, accounts, dispatcher, core.Config{
		MinReserve:   cfg.MinReserve,
		InitialGrant: cfg.InitialGrant,
	}, log.New(log.Writer(), "[crescendod/core] ", log.LstdFlags|log.Lmicroseconds))

	var authManager *auth.Manager
	if !cfg.AuthDisabled {
		authManager = auth.NewManager(cfg.AuthSecret)
	} else {
		log.Printf("authorization disabled: trusting X-User-ID header")
	}

	checker := health.New(health.Config{
		Ledger:   accounts,
		Messages: messages,
		Worker:   workerProber(worker),
		Pricing:  table,
	})

	httpSrv := httpserver.New(pipeline, processor, signer, authManager, bridge)
	httpSrv.SetAuthDisabled(cfg.AuthDisabled)
	httpSrv.SetAdminKey(cfg.AdminKey)
	httpSrv.SetMetrics(collector)
	httpSrv.SetHealthChecker(checker)
	httpSrv.SetLogger(log.New(log.Writer(), "[crescendod/http] ", log.LstdFlags|log.Lmicroseconds), cfg.LogLevel)

	if cfg.RateLimitPerMinute > 0 {
		limiter := ratelimit.NewLimiter(ratelimit.Config{
			UserRequestsPerSecond: float64(cfg.RateLimitPerMinute) / 60.0,
			UserBurstSize:         float64(cfg.RateLimitBurst),
		})
		defer limiter.Close()
		httpSrv.SetRateLimiter(ratelimit.NewMiddleware(limiter, httpserver.UserIDFromRequest, true,
			log.New(log.Writer(), "[crescendod/ratelimit] ", log.LstdFlags|log.Lmicroseconds)))
	}

	// Stale sweep reconciles placeholders whose worker never called back.
	sw := sweeper.New(messages, hub, sweeper.Config{
		Deadline: cfg.SweepDeadline,
		Interval: cfg.SweepInterval,
	}, log.New(log.Writer(), "[crescendod/sweeper] ", log.LstdFlags|log.Lmicroseconds))
	sw.SetSweepRecorder(collector)
	go sw.Run(bgCtx)

	srv := &http.Server{
		Addr:         cfg.HTTPAddress,
		Handler:      httpSrv.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("crescendo server listening on %s env=%s store=%s", cfg.HTTPAddress, cfg.Environment, cfg.StoreDriver)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server error: %v", err)
		}
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGTERM, syscall.SIGINT)
	<-sigs

	stopBackground()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
	}
}

// openStores builds the ledger and message stores for the configured driver.
func openStores(cfg config.ServiceConfig) (ledger.Store, messagestore.Store) {
	switch cfg.StoreDriver {
	case "postgres":
		accounts, err := ledgerpg.New(cfg.PostgresDSN, 25, 5, 5, 1)
		if err != nil {
			log.Fatalf("open ledger: %v", err)
		}
		messages, err := msgpg.New(cfg.PostgresDSN, msgpg.DefaultConfig())
		if err != nil {
			log.Fatalf("open message store: %v", err)
		}
		return accounts, messages
	case "memory":
		log.Printf("memory store selected; nothing will survive a restart")
		return ledgermem.New(), msgmem.New()
	default:
		accounts, err := ledgersql.New(cfg.LedgerPath)
		if err != nil {
			log.Fatalf("open ledger: %v", err)
		}
		messages, err := msgsql.New(cfg.MessagesPath)
		if err != nil {
			log.Fatalf("open message store: %v", err)
		}
		return accounts, messages
	}
}

// workerProber keeps the health config nil when no worker is configured; a
// typed nil would register a probe that always fails.
func workerProber(w *dispatch.WorkerClient) health.WorkerProber {
	if w == nil {
		return nil
	}
	return w
}
