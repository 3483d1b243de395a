// Command dbsemctl is an administrative CLI for dbsemaphore: inspection and
// maintenance operations exposed as ordinary subcommands rather than a
// management console.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/urfave/cli"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/amirphl/dbsemaphore/config"
	"github.com/amirphl/dbsemaphore/diagnostics"
	"github.com/amirphl/dbsemaphore/heartbeat"
	"github.com/amirphl/dbsemaphore/repository"
	"github.com/amirphl/dbsemaphore/semaphore"
	"github.com/amirphl/dbsemaphore/utils"
)

func main() {
	app := cli.NewApp()
	app.Name = "dbsemctl"
	app.Usage = "inspect and administer database-backed counting semaphores"
	app.Version = "0.1.0"

	nameFlag := cli.StringFlag{Name: "name", Usage: "semaphore name", Required: true}

	app.Commands = []cli.Command{
		{
			Name:  "init",
			Usage: "create a semaphore if absent and print its state",
			Flags: []cli.Flag{
				nameFlag,
				cli.IntFlag{Name: "permits", Usage: "total permits to create with", Value: 1},
				cli.BoolFlag{Name: "strict", Usage: "fail if the persisted total_permits differs"},
			},
			Action: runInit,
		},
		{
			Name:   "status",
			Usage:  "print a semaphore's current diagnostic state as JSON",
			Flags:  []cli.Flag{nameFlag},
			Action: runStatus,
		},
		{
			Name:  "reclaim",
			Usage: "run one dead-owner permit reclamation pass",
			Flags: []cli.Flag{
				nameFlag,
				cli.IntFlag{Name: "wish", Usage: "permits to try to recover", Value: 1},
			},
			Action: runReclaim,
		},
		{
			Name:   "reap",
			Usage:  "delete expired heartbeat rows across the configured table",
			Action: runReap,
		},
	}

	if err := app.Run(os.Args); err != nil {
		color.Red("dbsemctl: %v", err)
		os.Exit(1)
	}
}

func openDB(cfg *config.Config) (*gorm.DB, error) {
	return gorm.Open(postgres.Open(cfg.Database.DSN()), &gorm.Config{})
}

func runInit(c *cli.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log := config.NewLogger(cfg.Logging)
	db, err := openDB(cfg)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Semaphore.QueryTimeoutSeconds)*time.Second)
	defer cancel()

	sem, err := semaphore.New(ctx, db, repository.DefaultSemaphoreTableDescriptor(), repository.DefaultHeartbeatTableDescriptor(),
		c.String("name"), utils.ProcessID(), semaphore.Options{
			TotalPermits: c.Int("permits"),
			Strict:       c.Bool("strict"),
			Log:          log,
		})
	if err != nil {
		return err
	}

	printState(diagnostics.Snapshot(ctx, sem, time.Duration(cfg.Semaphore.QueryTimeoutSeconds)*time.Second))
	return nil
}

func runStatus(c *cli.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log := config.NewLogger(cfg.Logging)
	db, err := openDB(cfg)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Semaphore.QueryTimeoutSeconds)*time.Second)
	defer cancel()

	sem, err := semaphore.New(ctx, db, repository.DefaultSemaphoreTableDescriptor(), repository.DefaultHeartbeatTableDescriptor(),
		c.String("name"), utils.ProcessID(), semaphore.Options{Log: log})
	if err != nil {
		return err
	}

	printState(diagnostics.Snapshot(ctx, sem, time.Duration(cfg.Semaphore.QueryTimeoutSeconds)*time.Second))
	return nil
}

func runReclaim(c *cli.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log := config.NewLogger(cfg.Logging)
	db, err := openDB(cfg)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Semaphore.QueryTimeoutSeconds)*time.Second)
	defer cancel()

	sem, err := semaphore.New(ctx, db, repository.DefaultSemaphoreTableDescriptor(), repository.DefaultHeartbeatTableDescriptor(),
		c.String("name"), utils.ProcessID(), semaphore.Options{Log: log})
	if err != nil {
		return err
	}

	recovered, err := sem.ReclaimDeadOwnerPermits(c.Int("wish"))
	if err != nil {
		return err
	}
	color.Green("recovered %d permit(s) from dead owners", recovered)
	return nil
}

func runReap(c *cli.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log := config.NewLogger(cfg.Logging)
	db, err := openDB(cfg)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}

	runner := repository.NewTxRunner(db)
	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Semaphore.QueryTimeoutSeconds)*time.Second)
	defer cancel()

	removed, err := heartbeat.ReapExpired(ctx, runner, repository.DefaultHeartbeatTableDescriptor(),
		time.Duration(cfg.Semaphore.QueryTimeoutSeconds)*time.Second, cfg.Semaphore.HeartbeatTimeoutMultiplier)
	if err != nil {
		return err
	}

	log.Infof("reaped %d expired heartbeat row(s)", removed)
	color.Green("reaped %d expired heartbeat row(s)", removed)
	return nil
}

func printState(s diagnostics.State) {
	b, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		color.Red("failed to render state: %v", err)
		return
	}
	if s.IsHealthy {
		color.Green("%s", string(b))
	} else {
		color.Red("%s", string(b))
	}
}
