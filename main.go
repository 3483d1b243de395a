// Command dbsemaphore runs a long-lived process that holds a semaphore
// permit and exposes its Prometheus metrics while it does, for demo and
// smoke-test purposes: acquire one permit, hold it, heartbeat in the
// background, release and exit cleanly on SIGINT/SIGTERM.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/amirphl/dbsemaphore/config"
	"github.com/amirphl/dbsemaphore/repository"
	"github.com/amirphl/dbsemaphore/semaphore"
	"github.com/amirphl/dbsemaphore/utils"
)

// Application wires together the database connection, the held semaphore
// and the metrics server for this process's lifetime.
type Application struct {
	cfg       *config.Config
	sem       *semaphore.Semaphore
	log       *logrus.Logger
	metrics   *http.Server
	stopFuncs []func()
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.StandardLogger().Fatalf("failed to load configuration: %v", err)
	}

	log := config.NewLogger(cfg.Logging)
	log.Info("starting dbsemaphore")

	app, err := initializeApplication(cfg, log)
	if err != nil {
		log.Fatalf("failed to initialize application: %v", err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	<-sigChan
	log.Info("shutting down gracefully")

	for _, fn := range app.stopFuncs {
		fn()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if app.metrics != nil {
		if err := app.metrics.Shutdown(shutdownCtx); err != nil {
			log.Errorf("error shutting down metrics server: %v", err)
		}
	}
	if err := app.sem.Release(1); err != nil {
		log.Errorf("error releasing permit: %v", err)
	}
	if err := app.sem.Close(shutdownCtx); err != nil {
		log.Errorf("error closing semaphore: %v", err)
	}

	log.Info("stopped")
}

func initializeApplication(cfg *config.Config, log *logrus.Logger) (*Application, error) {
	db, err := initializeDatabase(cfg.Database, log)
	if err != nil {
		return nil, err
	}

	owner := utils.ProcessID()
	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Semaphore.QueryTimeoutSeconds)*time.Second)
	defer cancel()

	sem, err := semaphore.New(ctx, db,
		repository.DefaultSemaphoreTableDescriptor(), repository.DefaultHeartbeatTableDescriptor(),
		"dbsemaphore-demo", owner, semaphore.Options{
			TotalPermits:               cfg.Semaphore.TotalPermits,
			Strict:                     cfg.Semaphore.Strict,
			QueryTimeout:               time.Duration(cfg.Semaphore.QueryTimeoutSeconds) * time.Second,
			AcquirePollInterval:        time.Duration(cfg.Semaphore.AcquirePollMillis) * time.Millisecond,
			HeartbeatInterval:          time.Duration(cfg.Semaphore.HeartbeatIntervalMS) * time.Millisecond,
			HeartbeatTimeoutMultiplier: cfg.Semaphore.HeartbeatTimeoutMultiplier,
			DeadOwnerAwaitTimeout:      cfg.Semaphore.DeadOwnerAwaitTimeout,
			Log:                        log,
		})
	if err != nil {
		return nil, fmt.Errorf("construct semaphore: %w", err)
	}

	acquireCtx, acquireCancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer acquireCancel()
	if err := sem.Acquire(acquireCtx, 1); err != nil {
		return nil, fmt.Errorf("acquire permit: %w", err)
	}
	log.Infof("owner %s acquired 1 permit on %q", owner, sem.Name())

	app := &Application{cfg: cfg, sem: sem, log: log}

	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		srv := &http.Server{Addr: ":9090", Handler: mux}
		app.metrics = srv
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Errorf("metrics server error: %v", err)
			}
		}()
	}

	return app, nil
}

// initializeDatabase opens the Postgres connection pool backing the
// semaphore tables.
func initializeDatabase(cfg config.DatabaseConfig, log *logrus.Logger) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(cfg.DSN()), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}

	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	if err := sqlDB.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	log.Infof("database connection established with %d max open connections, %d max idle connections",
		cfg.MaxOpenConns, cfg.MaxIdleConns)

	return db, nil
}
