package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"crm-automation/internal/actions"
	"crm-automation/internal/api"
	"crm-automation/internal/config"
	"crm-automation/internal/database"
	"crm-automation/internal/engine"
	"crm-automation/internal/logger"
	"crm-automation/internal/messaging"
	"crm-automation/internal/retry"
	"crm-automation/internal/rules"
	"crm-automation/internal/scheduler"
	"crm-automation/internal/webhook"
	"crm-automation/internal/ws"

	"github.com/gin-gonic/gin"
)

func main() {
	cfg := config.LoadConfig()

	zlog, err := logger.New()
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer zlog.Sync()

	db, err := database.Open(cfg)
	if err != nil {
		zlog.Sugar().Fatalf("Failed to connect to database: %v", err)
	}
	if err := database.Migrate(db); err != nil {
		zlog.Sugar().Fatalf("Failed to run migrations: %v", err)
	}

	tz, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		zlog.Sugar().Fatalf("Invalid TIMEZONE %q: %v", cfg.Timezone, err)
	}

	ruleStore := rules.NewStore(db, cfg.RuleCacheTTL)
	execStore := engine.NewStore(db, tz)

	registry := engine.NewRegistry()
	actions.RegisterAll(registry, actions.Deps{
		DB:         db,
		Messaging:  messaging.NewClient(cfg),
		CRMBaseURL: cfg.CRMBaseURL,
		HTTP:       &http.Client{Timeout: 15 * time.Second},
		Log:        zlog,
	})

	policy := retry.Exponential(cfg.DispatchMaxAttempts, cfg.DispatchBackoff, 30*time.Second)
	dispatcher := engine.NewDispatcher(registry, policy, cfg.HandlerTimeout, zlog)

	eng := engine.New(db, ruleStore, execStore, dispatcher, zlog, engine.Options{
		ClaimTTL:         cfg.ClaimTTL,
		MaxParallelRules: 8,
		Timezone:         tz,
	})

	hub := ws.NewHub(zlog)
	go hub.Run()
	eng.SetNotifier(hub.NotifyExecution)

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	eng.StartClaimPruner(rootCtx, time.Minute)

	sched := scheduler.New(ruleStore, eng, zlog)
	sched.Start(rootCtx)

	webhookHandler := webhook.NewHandler(cfg, eng, zlog)
	ruleHandler := api.NewRuleHandler(db, ruleStore)
	execHandler := api.NewExecutionHandler(db, tz)
	templateHandler := api.NewTemplateHandler(db, ruleStore)
	contactHandler := api.NewContactHandler(db)

	r := gin.Default()

	// CORS Middleware
	r.Use(func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, X-CSRF-Token, Authorization, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, DELETE")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	})

	// Webhook Routes
	r.GET("/webhook", webhookHandler.VerifyWebhook)
	r.POST("/webhook/:instanceId", webhookHandler.HandleEvent)

	apiGroup := r.Group("/api")
	{
		apiGroup.GET("/rules", ruleHandler.GetRules)
		apiGroup.POST("/rules", ruleHandler.CreateRule)
		apiGroup.PUT("/rules/:id", ruleHandler.UpdateRule)
		apiGroup.DELETE("/rules/:id", ruleHandler.DeleteRule)
		apiGroup.POST("/rules/:id/toggle", ruleHandler.ToggleRule)

		apiGroup.GET("/executions", execHandler.GetExecutions)
		apiGroup.GET("/analytics", execHandler.GetAnalytics)

		apiGroup.GET("/templates", templateHandler.GetTemplates)
		apiGroup.POST("/templates/:id/rules", templateHandler.InstantiateTemplate)

		apiGroup.GET("/contacts", contactHandler.GetContacts)
		apiGroup.POST("/contacts", contactHandler.UpsertContact)
		apiGroup.DELETE("/contacts/:jid", contactHandler.DeleteContact)
	}

	r.GET("/ws", func(c *gin.Context) {
		hub.ServeWs(c.Writer, c.Request)
	})

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: r,
	}

	go func() {
		zlog.Sugar().Infof("Server starting on port %s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zlog.Sugar().Fatalf("Failed to run server: %v", err)
		}
	}()

	<-rootCtx.Done()
	zlog.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		zlog.Sugar().Errorf("HTTP shutdown: %v", err)
	}
	sched.Stop(shutdownCtx)
	if err := eng.Shutdown(shutdownCtx); err != nil {
		zlog.Sugar().Errorf("Engine drain: %v", err)
	}
}
