package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/noah-isme/msa-evidence-api/internal/handler"
	"github.com/noah-isme/msa-evidence-api/internal/middleware"
	"github.com/noah-isme/msa-evidence-api/internal/models"
	"github.com/noah-isme/msa-evidence-api/internal/repository"
	"github.com/noah-isme/msa-evidence-api/internal/repository/memory"
	"github.com/noah-isme/msa-evidence-api/internal/service"
	"github.com/noah-isme/msa-evidence-api/pkg/cache"
	"github.com/noah-isme/msa-evidence-api/pkg/config"
	"github.com/noah-isme/msa-evidence-api/pkg/database"
	"github.com/noah-isme/msa-evidence-api/pkg/export"
	"github.com/noah-isme/msa-evidence-api/pkg/hashing"
	"github.com/noah-isme/msa-evidence-api/pkg/jobs"
	"github.com/noah-isme/msa-evidence-api/pkg/keylock"
	"github.com/noah-isme/msa-evidence-api/pkg/logger"
	"github.com/noah-isme/msa-evidence-api/pkg/storage"
)

// @title Market Surveillance Evidence API
// @version 1.0.0
// @description Evidence chain of custody, review workflow, packages and exports.
// @BasePath /api/v1
// @schemes http https
// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization

type evidenceRepo interface {
	GetByID(ctx context.Context, id string) (*models.EvidenceItem, error)
	List(ctx context.Context, filter models.EvidenceFilter) ([]models.EvidenceItem, int, error)
	Save(ctx context.Context, cs repository.ChangeSet) error
}

type custodyRepo interface {
	Append(ctx context.Context, event *models.CustodyEvent) error
	ListByEvidence(ctx context.Context, evidenceID string) ([]models.CustodyEvent, error)
	List(ctx context.Context, filter models.CustodyFilter) ([]models.CustodyEvent, error)
}

type packageRepo interface {
	Create(ctx context.Context, pkg *models.EvidencePackage) error
	GetByID(ctx context.Context, id string) (*models.EvidencePackage, error)
	ListByUnit(ctx context.Context, unitID string) ([]models.EvidencePackage, error)
	Update(ctx context.Context, pkg *models.EvidencePackage) error
}

type exportRepo interface {
	Create(ctx context.Context, job *models.ExportJob) error
	GetByID(ctx context.Context, id string) (*models.ExportJob, error)
	Transition(ctx context.Context, id string, from []models.ExportStatus, params repository.UpdateExportJobParams) (*models.ExportJob, error)
	IncrementDownload(ctx context.Context, id string, at time.Time) (*models.ExportJob, error)
	ListQueued(ctx context.Context, limit int) ([]models.ExportJob, error)
}

// repositories is the persistence backend selected by REPOSITORY_DRIVER.
type repositories struct {
	evidence evidenceRepo
	custody  custodyRepo
	packages packageRepo
	exports  exportRepo
	audit    service.AuditSink
	db       *sqlx.DB
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logr, err := logger.New(cfg)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logr.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logr); err != nil {
		logr.Fatal("server failed", zap.Error(err))
	}
}

func run(ctx context.Context, cfg *config.Config, logr *zap.Logger) error {
	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	repos, err := openRepositories(ctx, cfg, logr)
	if err != nil {
		return err
	}
	if repos.db != nil {
		defer repos.db.Close() //nolint:errcheck
	}

	checks := map[string]handler.Pinger{}
	if repos.db != nil {
		checks["database"] = repos.db
	}

	metrics := service.NewMetricsService()

	var (
		cacheRepo service.CacheRepository
		sink      = repos.audit
	)
	if cfg.Redis.Enabled {
		client, err := cache.NewRedis(ctx, cfg.Redis)
		if err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		defer client.Close() //nolint:errcheck
		redisCache := repository.NewCacheRepository(client, "msa", logr)
		cacheRepo = redisCache
		checks["redis"] = redisCache
		if cfg.Audit.StreamEnabled {
			sink = service.MultiSink{repos.audit, repository.NewAuditStreamRepository(client, cfg.Audit.StreamKey, cfg.Audit.StreamMaxLen)}
		}
	} else if cfg.Audit.StreamEnabled {
		logr.Warn("audit stream requested without redis; events go to the primary store only")
	}
	cacheSvc := service.NewCacheService(cacheRepo, metrics, cfg.Redis.CacheTTL, logr, cacheRepo != nil)

	local, err := storage.NewLocalStorage(cfg.Evidence.StorageDir)
	if err != nil {
		return fmt.Errorf("init evidence storage: %w", err)
	}
	publicBase := cfg.Evidence.PublicBaseURL
	if publicBase == "" {
		publicBase = strings.TrimRight(cfg.APIPrefix, "/") + "/files"
	}
	blobs := storage.NewBlobStore(local, storage.NewSignedURLSigner(cfg.Evidence.SignedURLSecret, cfg.Evidence.SignedURLTTL), publicBase)

	hasher, err := hashing.NewEngine(cfg.Evidence.HashAlgorithms)
	if err != nil {
		return fmt.Errorf("init hashing: %w", err)
	}
	recipients, err := export.ParseRecipients(cfg.Packages.AgeRecipients)
	if err != nil {
		return fmt.Errorf("parse package recipients: %w", err)
	}

	validate := validator.New()
	locks := keylock.New()
	audit := service.NewAuditEmitter(sink, metrics, logr)
	engine := service.NewStatusEngine(repos.evidence, locks, audit, metrics, cacheSvc, logr)
	evidenceCfg := service.EvidenceServiceConfig{
		MaxFileSize:  cfg.Evidence.MaxFileSizeBytes,
		AllowedMIMEs: cfg.Evidence.AllowedMIMEs,
		CacheTTL:     cfg.Redis.CacheTTL,
	}

	evidenceSvc := service.NewEvidenceService(repos.evidence, repos.custody, engine, hasher, blobs, audit, cacheSvc, metrics, validate, logr, evidenceCfg)
	reviewSvc := service.NewReviewService(engine)
	derivationSvc := service.NewDerivationService(engine, hasher, blobs, audit, metrics, logr, evidenceCfg)
	custodySvc := service.NewCustodyService(repos.custody, audit, logr)
	packageSvc := service.NewPackageService(repos.packages, repos.evidence, repos.custody, blobs, locks, audit, metrics, validate, logr,
		service.PackageServiceConfig{Recipients: recipients})
	exportSvc := service.NewExportService(repos.exports, repos.packages, repos.evidence, nil, blobs, audit, metrics, validate, logr)

	worker := service.NewExportWorker(exportSvc, packageSvc, custodySvc, repos.evidence, repos.custody, blobs, logr)
	queue := jobs.NewQueue("exports", worker.Handle, jobs.QueueConfig{
		Workers:    cfg.Exports.WorkerConcurrency,
		MaxRetries: cfg.Exports.WorkerRetries,
		RetryDelay: cfg.Exports.RetryDelay,
		OnGiveUp:   worker.GiveUp,
		Logger:     logr.Named("export-worker"),
	})
	exportSvc.SetQueue(queue)
	queue.Start(ctx)
	defer queue.Stop()
	exportSvc.RecoverPending(ctx)

	router := newRouter(cfg, logr, routerDeps{
		validator:  middleware.NewTokenValidator(cfg.JWT.Secret, cfg.JWT.Issuer),
		metrics:    metrics,
		evidence:   handler.NewEvidenceHandler(evidenceSvc, derivationSvc),
		review:     handler.NewReviewHandler(reviewSvc),
		packages:   handler.NewPackageHandler(packageSvc),
		exports:    handler.NewExportHandler(exportSvc, custodySvc),
		files:      handler.NewFileHandler(blobs),
		monitoring: handler.NewMetricsHandler(metrics, checks),
	})

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logr.Info("server starting", zap.String("addr", srv.Addr), zap.String("env", cfg.Env), zap.String("repository", cfg.Repository))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logr.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func openRepositories(ctx context.Context, cfg *config.Config, logr *zap.Logger) (*repositories, error) {
	switch cfg.Repository {
	case config.RepositoryMemory:
		logr.Warn("using in-memory repositories; data is lost on restart")
		store := memory.NewStore()
		return &repositories{
			evidence: store.Evidence(),
			custody:  store.Custody(),
			packages: store.Packages(),
			exports:  store.Exports(),
			audit:    store.Audit(),
		}, nil
	case config.RepositoryPostgres, "":
		db, err := database.NewPostgres(cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		if err := database.EnsureSchema(ctx, db); err != nil {
			db.Close() //nolint:errcheck
			return nil, fmt.Errorf("apply schema: %w", err)
		}
		return &repositories{
			evidence: repository.NewEvidenceRepository(db),
			custody:  repository.NewCustodyRepository(db),
			packages: repository.NewPackageRepository(db),
			exports:  repository.NewExportRepository(db),
			audit:    repository.NewAuditRepository(db),
			db:       db,
		}, nil
	default:
		return nil, fmt.Errorf("unknown repository driver %q", cfg.Repository)
	}
}
