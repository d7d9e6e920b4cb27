package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/Tompark0927/bus-assigning/internal/config"
	"github.com/Tompark0927/bus-assigning/pkg/clients/fcmclient"
	"github.com/Tompark0927/bus-assigning/pkg/core/dispatch"
	"github.com/Tompark0927/bus-assigning/pkg/events"
	"github.com/Tompark0927/bus-assigning/pkg/metrics"
	"github.com/Tompark0927/bus-assigning/pkg/postgres"
)

// AppContext holds the application dependencies shared across all commands.
// Database, Engine and the event sinks are opened on first use so commands
// that do not need them (token) run without a database.
type AppContext struct {
	Cfg    *config.Config
	Logger *zap.Logger
	Ctx    context.Context

	Database *postgres.DB
	Engine   *dispatch.Engine
	Hub      *events.Hub
	Registry *prometheus.Registry
	Metrics  metrics.Collector

	closers []func()
}

// OpenDatabase connects to PostgreSQL once and reuses the pool afterwards
func (a *AppContext) OpenDatabase() (*postgres.DB, error) {
	if a.Database != nil {
		return a.Database, nil
	}

	a.Logger.Info("Connecting to database")
	database, err := postgres.NewDB(a.Ctx, a.Cfg.Database.URL, postgres.Options{
		MaxConns:    a.Cfg.Database.MaxConns,
		LockTimeout: a.Cfg.Database.LockTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	a.Database = database
	a.closers = append(a.closers, database.Close)
	a.Logger.Debug("Database connected")
	return database, nil
}

// OpenEngine wires the store, event sinks, notifier and metrics into an engine
func (a *AppContext) OpenEngine() (*dispatch.Engine, error) {
	if a.Engine != nil {
		return a.Engine, nil
	}

	database, err := a.OpenDatabase()
	if err != nil {
		return nil, err
	}

	loc, err := a.Cfg.Location()
	if err != nil {
		return nil, err
	}

	a.Registry = prometheus.NewRegistry()
	a.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.Metrics = metrics.NewPrometheus(a.Registry, "")

	publisher, err := a.openSinks()
	if err != nil {
		return nil, err
	}

	notifier, err := a.openNotifier()
	if err != nil {
		return nil, err
	}

	a.Engine = dispatch.New(database, engineConfig(a.Cfg, loc), a.Logger,
		dispatch.WithPublisher(publisher),
		dispatch.WithNotifier(notifier),
		dispatch.WithMetrics(a.Metrics),
	)
	// drain notifications before the sinks and pool close
	a.closers = append(a.closers, a.Engine.Wait)
	return a.Engine, nil
}

func engineConfig(cfg *config.Config, loc *time.Location) dispatch.Config {
	return dispatch.Config{
		DefaultExpiry:  cfg.Dispatch.DefaultExpiry,
		UrgentExpiry:   cfg.Dispatch.UrgentExpiry,
		UrgentLeadTime: cfg.Dispatch.UrgentLeadTime,
		MaxCandidates:  cfg.Dispatch.MaxCandidates,
		LookbackDays:   cfg.Dispatch.LookbackDays,
		OffBonus:       cfg.Dispatch.OffBonus,
		BaseURL:        cfg.Server.BaseURL,
		Location:       loc,
	}
}

// openSinks builds the broadcast fan-out: the log and WebSocket hub always,
// NATS and RabbitMQ when configured
func (a *AppContext) openSinks() (*events.Multi, error) {
	a.Hub = events.NewHub(a.Logger.Named("hub"))
	a.closers = append(a.closers, a.Hub.Close)

	multi := events.NewMulti(a.Logger, a.Metrics,
		events.Sink{Name: "log", Publisher: events.NewLogPublisher(a.Logger.Named("events"))},
		events.Sink{Name: "websocket", Publisher: a.Hub},
	)

	if url := a.Cfg.NATS.URL; url != "" {
		a.Logger.Info("Connecting to NATS", zap.String("url", url))
		conn, err := events.ConnectNATS(url, "bus-assigning")
		if err != nil {
			return nil, fmt.Errorf("failed to connect to nats: %w", err)
		}
		a.closers = append(a.closers, func() {
			if err := conn.Drain(); err != nil {
				a.Logger.Warn("Failed to drain NATS connection", zap.Error(err))
			}
		})
		multi.Add("nats", events.NewNATSPublisher(conn, a.Cfg.NATS.SubjectPrefix))
	}

	if url := a.Cfg.RabbitMQ.URL; url != "" {
		a.Logger.Info("Connecting to RabbitMQ", zap.String("exchange", a.Cfg.RabbitMQ.Exchange))
		conn, ch, err := events.DialRabbitMQ(url)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to rabbitmq: %w", err)
		}
		a.closers = append(a.closers, func() {
			ch.Close()
			conn.Close()
		})
		pub, err := events.NewRabbitMQPublisher(ch, a.Cfg.RabbitMQ.Exchange)
		if err != nil {
			return nil, err
		}
		multi.Add("rabbitmq", pub)
	}

	a.Logger.Debug("Event sinks ready", zap.Int("sinks", multi.Len()))
	return multi, nil
}

func (a *AppContext) openNotifier() (dispatch.Notifier, error) {
	if a.Cfg.FCM.ProjectID == "" {
		a.Logger.Warn("FCM not configured, notifications will only be logged")
		return fcmclient.NewLogDispatcher(a.Logger.Named("notify")), nil
	}

	client, err := fcmclient.NewClient(a.Ctx, a.Cfg.FCM.ProjectID, a.Cfg.FCM.CredentialsFile)
	if err != nil {
		return nil, fmt.Errorf("failed to create fcm client: %w", err)
	}
	return client, nil
}

// Close releases everything opened, most recent first
func (a *AppContext) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
