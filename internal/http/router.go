package http

import (
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	httpH "github.com/labstream/workplan-backend/internal/http/handlers"
	httpMW "github.com/labstream/workplan-backend/internal/http/middleware"
	"github.com/labstream/workplan-backend/internal/platform/logger"
)

type RouterConfig struct {
	Log            *logger.Logger
	AuthMiddleware *httpMW.AuthMiddleware

	PlanHandler      *httpH.PlanHandler
	JobHandler       *httpH.JobHandler
	ProductHandler   *httpH.ProductHandler
	CatalogueHandler *httpH.CatalogueHandler
	HealthHandler    *httpH.HealthHandler
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(otelgin.Middleware("workplan-backend"))
	r.Use(httpMW.CORS())
	r.Use(httpMW.AttachTraceContext())
	r.Use(httpMW.RequestLogger(cfg.Log))

	if cfg.HealthHandler != nil {
		r.GET("/healthcheck", cfg.HealthHandler.HealthCheck)
	}

	api := r.Group("/api")

	// LIMS-facing endpoints, guarded by the shared callback token.
	limsFacing := api.Group("/")
	limsFacing.Use(httpMW.RequireCallbackToken(cfg.Log))
	{
		if cfg.CatalogueHandler != nil {
			limsFacing.POST("/catalogues", cfg.CatalogueHandler.Ingest)
		}
		if cfg.JobHandler != nil {
			limsFacing.POST("/jobs/:id/start", cfg.JobHandler.Start)
			limsFacing.POST("/jobs/:id/complete", cfg.JobHandler.Complete)
			limsFacing.POST("/jobs/:id/cancel", cfg.JobHandler.Cancel)
		}
	}

	// User-facing endpoints, authenticated via the SSO JWT.
	protected := api.Group("/")
	if cfg.AuthMiddleware != nil {
		protected.Use(cfg.AuthMiddleware.RequireAuth())
	}
	{
		if cfg.PlanHandler != nil {
			protected.GET("/work_plans", cfg.PlanHandler.List)
			protected.POST("/work_plans", cfg.PlanHandler.Create)
			protected.GET("/work_plans/:id", cfg.PlanHandler.Get)
			protected.PUT("/work_plans/:id", cfg.PlanHandler.Update)
			protected.DELETE("/work_plans/:id", cfg.PlanHandler.Delete)
			protected.POST("/work_plans/:id/dispatch", cfg.PlanHandler.Dispatch)
			protected.POST("/work_plans/:id/cancel", cfg.PlanHandler.Cancel)
			protected.PUT("/work_plans/:id/processes/:process_id/options", cfg.PlanHandler.ReviseOptions)
		}
		if cfg.JobHandler != nil {
			protected.POST("/jobs/forward", cfg.JobHandler.Forward)
		}
		if cfg.ProductHandler != nil {
			protected.GET("/products", cfg.ProductHandler.List)
			protected.GET("/products/:id/modules", cfg.ProductHandler.Modules)
		}
	}

	return r
}
