package main

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	"keeper/app/catalog"
	"keeper/app/config"
	"keeper/app/db"
	"keeper/app/engine"
	"keeper/app/notifications"
	"keeper/pkg/contextx"
	"keeper/pkg/log"
	"keeper/web"
)

func main() {
	configFile := "/etc/keeper/config.ini"
	if len(os.Args) > 1 {
		configFile = os.Args[1]
	}
	cfg, err := config.Load(configFile)
	if err != nil {
		panic(err)
	}

	logger, err := log.New(log.Config{
		Format:          cfg.LOG.Format,
		TimestampFormat: cfg.LOG.TimestampFormat,
		DirPath:         cfg.LOG.DirPath,
		FileName:        "keeper.log",
		Level:           cfg.LOG.Level,
	})
	if err != nil {
		panic(err)
	}
	mainLog := log.ForComponent(logger, "main")

	conn, err := db.Init(&db.Config{
		Connection:  cfg.Database.Connection,
		Debug:       cfg.Database.Debug,
		PoolSize:    cfg.Database.PoolSize,
		IdleTimeout: cfg.Database.IdleTimeout,
	})
	if err != nil {
		panic(err)
	}
	if err := db.Migrate(conn); err != nil {
		panic(err)
	}

	cat, err := catalog.Load(cfg.Catalog.Path)
	if err != nil {
		mainLog.Warnf("Connector catalog %s not loaded (%s), ui titles fall back", cfg.Catalog.Path, err.Error())
		cat = catalog.Empty()
	}

	var notifier notifications.Notifier = notifications.NopNotifier{}
	if cfg.Messaging.Enabled {
		amqpNotifier, err := notifications.Dial(cfg.Messaging, logger)
		if err != nil {
			mainLog.Warnf("AMQP not reachable (%s), notifications disabled", err.Error())
		} else {
			notifier = amqpNotifier
		}
	}

	core := engine.NewCore(conn, cat, notifier, logger)

	// recovery sweep on the scheduler cadence
	sweepStop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(time.Duration(cfg.Scheduler.Delay) * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-sweepStop:
				return
			case <-ticker.C:
				if _, err := core.ReleaseAbandonedReservations(contextx.NewContext()); err != nil {
					mainLog.Errorf("Reservation sweep failed, error: %s", err.Error())
				}
			}
		}
	}()

	server := web.NewServer(cfg.API, core, logger)
	go func() {
		if err := server.Start(); err != nil {
			mainLog.Errorf("API server stopped, error: %s", err.Error())
		}
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	<-sigs

	close(sweepStop)
	server.Stop()
	notifier.Close()
	conn.Close()
}
