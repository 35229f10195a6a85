package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/AnTengye/contractguard/catalog"
	"github.com/AnTengye/contractguard/config"
	"github.com/AnTengye/contractguard/detector"
	"github.com/AnTengye/contractguard/extract"
	"github.com/AnTengye/contractguard/handler"
	"github.com/AnTengye/contractguard/ledger"
	"github.com/AnTengye/contractguard/llm"
	"github.com/AnTengye/contractguard/orchestrator"
	"github.com/AnTengye/contractguard/pkg/logger"
	"github.com/AnTengye/contractguard/report"
	"github.com/AnTengye/contractguard/rulepack"
	"github.com/AnTengye/contractguard/service"
	"github.com/AnTengye/contractguard/storage"
	"github.com/AnTengye/contractguard/weaklang"
	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var port int

// serveCmd runs the HTTP/WebSocket server and the analysis workers
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the API server and analysis workers",
	Long: `Serve loads the configuration, recovers analyses interrupted by a previous
run and starts the HTTP and WebSocket surface, the worker pool, the
retention sweeper and, when enabled, the rulepack file watcher.

Environment variables such as DATA_ROOT, JOB_SYNC, TOKEN_CAP_PER_DOC,
OCR_ENABLED and LLM_PROVIDER_ENABLED override the config file.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().IntVar(&port, "port", 0, "listen port (overrides config)")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if port > 0 {
		cfg.Server.Port = port
	}

	logger.Init(&logger.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})
	slog.Info("configuration loaded", "config", cfgFile, "data_root", cfg.Storage.DataRoot)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := build(ctx, cfg)
	if err != nil {
		return err
	}
	defer app.close()

	app.orch.Start()
	if err := app.orch.Recover(ctx); err != nil {
		slog.Error("recovering analyses failed", "error", err)
	}

	if cfg.Log.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := handler.NewRouter(cfg, handler.RouterDeps{
		Orchestrator: app.orch,
		Store:        app.store,
		Catalog:      app.catalog,
		Ledger:       app.ledger,
		Registry:     app.registry,
		Settings:     app.settings,
	})

	srv := &http.Server{
		Addr:        fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:     router,
		ReadTimeout: 60 * time.Second,
		// WriteTimeout stays unset: WebSocket streams outlive any fixed deadline
		IdleTimeout: 120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("server starting", "port", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("server forced to shutdown", "error", err)
		}
		if err := app.orch.Shutdown(shutdownCtx); err != nil {
			slog.Warn("workers did not finish in time", "error", err)
		}
		return nil
	})
	g.Go(func() error {
		app.orch.RunSweeper(gctx, time.Duration(cfg.Jobs.SweepIntervalMin)*time.Minute)
		return nil
	})
	if cfg.Rules.Watch {
		g.Go(func() error {
			if err := rulepack.Watch(gctx, app.registry, 500*time.Millisecond); err != nil {
				slog.Error("rulepack watcher stopped", "error", err)
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}
	slog.Info("server exited gracefully")
	return nil
}

// app holds the long-lived services of a serve run
type app struct {
	store    *storage.Store
	catalog  *catalog.Catalog
	ledger   *ledger.Ledger
	registry *rulepack.Registry
	settings *service.SettingsStore
	orch     *orchestrator.Orchestrator
}

func (a *app) close() {
	if err := a.catalog.Close(); err != nil {
		slog.Warn("closing catalog failed", "error", err)
	}
}

// build wires storage, rule loading, extraction, review and orchestration
func build(ctx context.Context, cfg *config.Config) (*app, error) {
	store, err := storage.New(cfg.AnalysesRoot())
	if err != nil {
		return nil, fmt.Errorf("open data root: %w", err)
	}
	cat, err := catalog.Open(cfg.CatalogFile())
	if err != nil {
		return nil, err
	}

	l := ledger.New(ledger.Config{
		CapPerDoc:       cfg.Ledger.TokenCapPerDoc,
		OnExceed:        ledger.OnExceed(cfg.Ledger.OnExceed),
		InputCostPer1K:  cfg.Ledger.InputCostPer1K,
		OutputCostPer1K: cfg.Ledger.OutputCostPer1K,
		MetricsLog:      filepath.Join(cfg.Storage.DataRoot, "token_metrics.jsonl"),
	}, store, cat)

	loader := rulepack.NewLoader(rulepack.NewDiskSnapshots(filepath.Join(cfg.Storage.DataRoot, "rulepack_cache")))
	registry := rulepack.NewRegistry(loader, cfg.Rules.RulepackPath, cfg.Rules.LexiconDir, cfg.Rules.Language)
	if pack, err := registry.Rulepack(); err != nil {
		// Detection fails per analysis until the pack is fixed and reloaded
		slog.Error("rulepack failed to load", "path", cfg.Rules.RulepackPath, "error", err)
	} else {
		slog.Info("rulepack loaded", "pack_id", pack.Meta.PackID, "version", pack.Meta.Version, "detectors", len(pack.Detectors))
	}
	runner := detector.NewRunner(registry, weaklang.New(cfg.Rules.WeakLexiconEnabled, registry), cfg.Rules.Parallelism)

	var minioSvc *service.MinioService
	if cfg.Minio.Enabled {
		minioSvc, err = service.NewMinioService(&cfg.Minio)
		if err != nil {
			cat.Close()
			return nil, err
		}
		if err := minioSvc.EnsureBucket(ctx); err != nil {
			cat.Close()
			return nil, err
		}
	}

	ocr, err := ocrEngine(cfg, minioSvc)
	if err != nil {
		cat.Close()
		return nil, err
	}
	extractOpts := extract.Options{OCREnabled: cfg.OCR.Enabled, DPI: cfg.OCR.DPI, Language: cfg.OCR.Language}
	plain := extract.New(extractOpts, ocr)
	extractOpts.OCREnabled = true
	withOCR := extract.New(extractOpts, ocr)

	reviewer, err := reviewerFor(cfg)
	if err != nil {
		cat.Close()
		return nil, err
	}

	renderer, err := report.New()
	if err != nil {
		cat.Close()
		return nil, err
	}

	defaultProvider := service.ProviderNone
	if reviewer != nil {
		defaultProvider = service.ProviderOpenAI
	}
	settings := service.NewSettingsStore(cfg.SettingsDir(), service.Settings{
		LLMProvider:    defaultProvider,
		OCREnabled:     cfg.OCR.Enabled,
		RetentionDays:  cfg.Jobs.RetentionDays,
		ComplianceMode: service.ComplianceStandard,
	})

	deps := orchestrator.Deps{
		Store:        store,
		Jobs:         service.NewJobStore(cfg.Jobs.MaxJobs),
		Extractor:    plain,
		OCRExtractor: withOCR,
		Detectors:    runner,
		Packs:        registry,
		Ledger:       l,
		Reviewer:     reviewer,
		Reporter:     renderer,
		Catalog:      cat,
		Settings:     settings,
	}
	if minioSvc != nil {
		deps.Archive = minioSvc
	}

	orch := orchestrator.New(deps, orchestrator.Options{
		Workers:         cfg.Jobs.Workers,
		QueueSize:       cfg.Jobs.QueueSize,
		Sync:            cfg.Jobs.Sync,
		ExtractTimeout:  time.Duration(cfg.Jobs.ExtractTimeoutSec) * time.Second,
		DetectTimeout:   time.Duration(cfg.Jobs.DetectTimeoutSec) * time.Second,
		ReviewTimeout:   time.Duration(cfg.Jobs.ReviewTimeoutSec) * time.Second,
		MaxReviewTokens: cfg.LLM.MaxOutputTokens,
		RetentionDays:   cfg.Jobs.RetentionDays,
		Run: detector.RunOptions{
			Language:           cfg.Rules.Language,
			DefaultWindow:      cfg.Rules.DefaultWindow,
			PerDetectorWindows: cfg.Rules.PerDetectorWindows,
			PageAware:          cfg.Rules.PageAwareWindows,
		},
		ExpectedDetectors: cfg.Rules.ExpectedDetectors,
	})

	return &app{store: store, catalog: cat, ledger: l, registry: registry, settings: settings, orch: orch}, nil
}

// ocrEngine selects the OCR backend. MinerU needs MinIO to publish sources.
func ocrEngine(cfg *config.Config, minioSvc *service.MinioService) (extract.OCR, error) {
	switch cfg.OCR.Engine {
	case "tesseract":
		return extract.NewTesseract(), nil
	case "mineru":
		if minioSvc == nil {
			return nil, errors.New("ocr engine mineru requires minio.enabled")
		}
		return service.NewMineruOCR(service.NewMineruService(&cfg.Mineru), minioSvc), nil
	default:
		return nil, fmt.Errorf("unknown ocr engine %q", cfg.OCR.Engine)
	}
}

// reviewerFor returns the LLM reviewer, or nil when review is disabled
func reviewerFor(cfg *config.Config) (llm.Provider, error) {
	if !cfg.LLM.Enabled {
		return nil, nil
	}
	p, err := llm.New(llm.Config{
		Provider:       cfg.LLM.Provider,
		Model:          cfg.LLM.Model,
		APIKey:         cfg.LLM.APIKey,
		BaseURL:        cfg.LLM.BaseURL,
		Timeout:        cfg.LLM.TimeoutSec,
		MaxTokens:      cfg.LLM.MaxOutputTokens,
		RequestsPerSec: cfg.LLM.RequestsPerSec,
	})
	if errors.Is(err, llm.ErrDisabled) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("llm provider: %w", err)
	}
	slog.Info("llm review enabled", "provider", p.Name(), "model", cfg.LLM.Model)
	return p, nil
}
