package main

import (
	"github.com/gin-gonic/gin"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.uber.org/zap"

	_ "github.com/noah-isme/msa-evidence-api/api/swagger"
	"github.com/noah-isme/msa-evidence-api/internal/handler"
	"github.com/noah-isme/msa-evidence-api/internal/middleware"
	"github.com/noah-isme/msa-evidence-api/internal/models"
	"github.com/noah-isme/msa-evidence-api/internal/service"
	"github.com/noah-isme/msa-evidence-api/pkg/config"
	"github.com/noah-isme/msa-evidence-api/pkg/logger"
	corsmiddleware "github.com/noah-isme/msa-evidence-api/pkg/middleware/cors"
	reqidmiddleware "github.com/noah-isme/msa-evidence-api/pkg/middleware/requestid"
)

type routerDeps struct {
	validator  *middleware.TokenValidator
	metrics    *service.MetricsService
	evidence   *handler.EvidenceHandler
	review     *handler.ReviewHandler
	packages   *handler.PackageHandler
	exports    *handler.ExportHandler
	files      *handler.FileHandler
	monitoring *handler.MetricsHandler
}

func newRouter(cfg *config.Config, logr *zap.Logger, deps routerDeps) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(logr))
	r.Use(corsmiddleware.New(cfg.CORS.AllowedOrigins))
	r.Use(middleware.Metrics(deps.metrics))

	r.GET("/health", deps.monitoring.Health)
	r.GET("/ready", deps.monitoring.Ready)
	r.GET("/metrics", deps.monitoring.Prometheus)
	if cfg.Env != config.EnvProduction {
		r.GET("/docs/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	api := r.Group(cfg.APIPrefix)
	// Signed tokens authorize file downloads on their own.
	api.GET("/files/:token", deps.files.Download)

	secured := api.Group("")
	secured.Use(middleware.JWT(deps.validator))

	submitters := middleware.RequireRoles(models.RoleInspector, models.RoleAdmin)
	reviewers := middleware.RequireRoles(models.RoleReviewer, models.RoleAdmin)
	readers := middleware.RequireRoles(models.RoleInspector, models.RoleReviewer, models.RoleAuditor, models.RoleAdmin)
	admins := middleware.RequireRoles(models.RoleAdmin)

	evidence := secured.Group("/evidence")
	evidence.POST("", submitters, deps.evidence.Create)
	evidence.GET("", readers, deps.evidence.List)
	evidence.GET("/:id", readers, deps.evidence.Get)
	evidence.PATCH("/:id", submitters, deps.evidence.Update)
	evidence.GET("/:id/custody", readers, deps.evidence.Custody)
	evidence.GET("/:id/verify", readers, deps.evidence.Verify)
	evidence.GET("/:id/download-url", readers, deps.evidence.DownloadURL)
	evidence.POST("/:id/links", submitters, deps.evidence.Link)
	evidence.DELETE("/:id/links", submitters, deps.evidence.Unlink)
	evidence.POST("/:id/derive", submitters, deps.evidence.Derive)

	evidence.POST("/:id/submit", submitters, deps.review.Submit)
	evidence.POST("/:id/start-review", reviewers, deps.review.StartReview)
	evidence.POST("/:id/approve", reviewers, deps.review.Approve)
	evidence.POST("/:id/reject", reviewers, deps.review.Reject)
	evidence.POST("/:id/request-more-info", reviewers, deps.review.RequestMoreInfo)
	evidence.POST("/:id/seal", reviewers, deps.review.Seal)
	evidence.POST("/:id/archive", admins, deps.review.Archive)

	packages := secured.Group("/packages")
	packages.POST("", submitters, deps.packages.Create)
	packages.GET("", readers, deps.packages.List)
	packages.GET("/:id", readers, deps.packages.Get)
	packages.POST("/:id/items", submitters, deps.packages.AddItem)
	packages.DELETE("/:id/items/:evidenceId", submitters, deps.packages.RemoveItem)
	packages.POST("/:id/generate", submitters, deps.packages.Generate)

	exports := secured.Group("/exports")
	exports.POST("", readers, deps.exports.Create)
	exports.GET("/:id", readers, deps.exports.Get)
	exports.POST("/:id/complete", admins, deps.exports.Complete)
	exports.POST("/:id/download", readers, deps.exports.Download)

	secured.GET("/custody/export", middleware.RequireRoles(models.RoleAuditor, models.RoleReviewer, models.RoleAdmin), deps.exports.CustodyExport)

	return r
}
