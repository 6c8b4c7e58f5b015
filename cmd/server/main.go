package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/labstream/workplan-backend/internal/clients/billing"
	"github.com/labstream/workplan-backend/internal/clients/broker"
	"github.com/labstream/workplan-backend/internal/clients/lims"
	"github.com/labstream/workplan-backend/internal/clients/projects"
	"github.com/labstream/workplan-backend/internal/clients/sets"
	"github.com/labstream/workplan-backend/internal/clients/stamps"
	"github.com/labstream/workplan-backend/internal/data/repos/orders"
	"github.com/labstream/workplan-backend/internal/data/repos/plans"
	"github.com/labstream/workplan-backend/internal/data/repos/products"
	"github.com/labstream/workplan-backend/internal/db"
	httpServer "github.com/labstream/workplan-backend/internal/http"
	httpH "github.com/labstream/workplan-backend/internal/http/handlers"
	httpMW "github.com/labstream/workplan-backend/internal/http/middleware"
	"github.com/labstream/workplan-backend/internal/observability"
	"github.com/labstream/workplan-backend/internal/platform/envutil"
	"github.com/labstream/workplan-backend/internal/platform/logger"
	"github.com/labstream/workplan-backend/internal/services"
)

func main() {
	logMode := envutil.Str("LOG_MODE", "development")
	log, err := logger.New(logMode)
	if err != nil {
		fmt.Printf("Failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	shutdownOtel := observability.InitOTel(context.Background(), log, observability.OtelConfig{
		ServiceName: "workplan-backend",
		Environment: envutil.Str("DEPLOY_ENV", "development"),
		Version:     envutil.Str("SERVICE_VERSION", "dev"),
	})
	if shutdownOtel != nil {
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = shutdownOtel(ctx)
		}()
	}

	// Postgres
	postgresService, err := db.NewPostgresService(log)
	if err != nil {
		log.Error("Postgres init failed", "error", err)
		os.Exit(1)
	}
	if err := postgresService.AutoMigrateAll(); err != nil {
		log.Error("Postgres auto migration failed", "error", err)
		os.Exit(1)
	}
	gdb := postgresService.DB()

	// Repos
	planRepo := plans.NewWorkPlanRepo(gdb, log)
	choiceRepo := plans.NewProcessModuleChoiceRepo(gdb, log)
	orderRepo := orders.NewWorkOrderRepo(gdb, log)
	jobRepo := orders.NewJobRepo(gdb, log)
	catalogueRepo := products.NewCatalogueRepo(gdb, log)

	// Collaborator clients
	setsClient, err := sets.NewFromEnv(log)
	if err != nil {
		log.Error("Could not init set service client", "error", err)
		os.Exit(1)
	}
	billingClient, err := billing.NewFromEnv(log)
	if err != nil {
		log.Error("Could not init billing client", "error", err)
		os.Exit(1)
	}
	projectsClient, err := projects.NewFromEnv(log)
	if err != nil {
		log.Error("Could not init projects client", "error", err)
		os.Exit(1)
	}
	stampsClient, err := stamps.NewFromEnv(log)
	if err != nil {
		log.Error("Could not init material permission client", "error", err)
		os.Exit(1)
	}
	limsClient, err := lims.NewFromEnv(log)
	if err != nil {
		log.Error("Could not init LIMS client", "error", err)
		os.Exit(1)
	}
	eventBroker, err := broker.NewRedisBroker(log)
	if err != nil {
		log.Error("Could not init event broker", "error", err)
		os.Exit(1)
	}
	defer func() { _ = eventBroker.Close() }()

	// Services
	events := services.NewEventService(log, eventBroker)
	quotes := services.NewQuoteService(log, billingClient, projectsClient)
	validator := services.NewPlanValidator(log, setsClient, stampsClient, projectsClient, quotes, catalogueRepo)
	splitter := services.NewSplitService(log, setsClient, services.ContainerSplitter{})
	planService := services.NewPlanService(log, gdb, planRepo, choiceRepo, catalogueRepo, setsClient, validator, quotes)
	dispatchService := services.NewDispatchService(log, gdb, planRepo, orderRepo, jobRepo, catalogueRepo, setsClient, limsClient, validator, quotes, splitter, events)
	forwardService := services.NewForwardService(log, gdb, planRepo, orderRepo, jobRepo, catalogueRepo, setsClient, limsClient, quotes, splitter, events)
	reviseService := services.NewReviseOptionsService(log, gdb, planRepo, choiceRepo, catalogueRepo, setsClient, quotes)
	completeService := services.NewCompleteJobService(log, gdb, planRepo, orderRepo, jobRepo, events)
	cancelService := services.NewCancelPlanService(log, gdb, planRepo, orderRepo, events)
	catalogueService := services.NewCatalogueService(log, gdb, catalogueRepo, events)

	// HTTP
	authMW, err := httpMW.NewAuthMiddleware(log)
	if err != nil {
		log.Error("Could not init auth middleware", "error", err)
		os.Exit(1)
	}
	server := httpServer.NewServer(httpServer.RouterConfig{
		Log:              log,
		AuthMiddleware:   authMW,
		PlanHandler:      httpH.NewPlanHandler(planService, dispatchService, cancelService, reviseService),
		JobHandler:       httpH.NewJobHandler(forwardService, completeService),
		ProductHandler:   httpH.NewProductHandler(catalogueRepo),
		CatalogueHandler: httpH.NewCatalogueHandler(catalogueService),
		HealthHandler:    httpH.NewHealthHandler(gdb, events),
	})

	addr := envutil.Str("HTTP_ADDR", ":8080")
	log.Info("starting HTTP server", "addr", addr)
	if err := server.Run(addr); err != nil {
		log.Error("HTTP server exited", "error", err)
		os.Exit(1)
	}
}
