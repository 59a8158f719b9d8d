package main // Entry point package

import (
	"context"
	"log"
	"time"

	"github.com/joho/godotenv"
	"github.com/labstack/echo/v4"

	"github.com/imignatov/reservation-disputes/internal/config"
	"github.com/imignatov/reservation-disputes/internal/database"
	"github.com/imignatov/reservation-disputes/internal/handler"
	"github.com/imignatov/reservation-disputes/internal/queue"
	"github.com/imignatov/reservation-disputes/internal/repository"
	"github.com/imignatov/reservation-disputes/internal/router"
	"github.com/imignatov/reservation-disputes/internal/scheduler"
	"github.com/imignatov/reservation-disputes/internal/service"
)

func main() {
	// Load .env if present; real deployments set variables directly.
	_ = godotenv.Load()
	cfg := config.Load()

	db, err := database.Open(cfg.DBUser, cfg.DBPass, cfg.DBHost, cfg.DBPort, cfg.DBName)
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}
	defer db.Close()

	prohibitionRepo := repository.NewProhibitionRepo(db)
	incidentRepo := repository.NewIncidentRepo(db)

	sched := scheduler.NewTimerScheduler(nil)
	defer sched.Close()

	publisher := queue.NewPublisher()

	svc := service.NewProhibitionService(prohibitionRepo, incidentRepo, sched, publisher, nil)

	// Re-derive expiry jobs for prohibitions that survived a restart;
	// any whose termination already passed fire immediately.
	{
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := svc.RestorePending(ctx); err != nil {
			cancel()
			log.Fatalf("failed to restore pending expiries: %v", err)
		}
		cancel()
	}

	// The consumer appends lifecycle events to logs/prohibition.log and
	// reconnects on broker failure; it never stops the server.
	go func() {
		if err := queue.StartProhibitionConsumer(); err != nil {
			log.Printf("prohibition consumer stopped: %v", err)
		}
	}()

	// Redis backs rate limiting and response caching; a nil client
	// degrades both to pass-throughs.
	rdb := config.NewRedisClient()
	if rdb == nil {
		log.Println("redis unavailable: rate limiting and response cache disabled")
	}

	e := echo.New()
	router.RegisterRoutes(e)
	router.RegisterProhibitions(e, handler.NewProhibitionHandler(svc), cfg.JWTSecret, rdb)

	addr := ":" + cfg.Port
	log.Printf("listening on %s (env=%s)", addr, cfg.Env)
	if err := e.Start(addr); err != nil {
		log.Fatal(err)
	}
}
