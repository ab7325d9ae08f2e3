package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/auralis/telemetry-core/internal/bands"
	"github.com/auralis/telemetry-core/internal/catalog"
	"github.com/auralis/telemetry-core/internal/catalogconsumer"
	"github.com/auralis/telemetry-core/internal/config"
	"github.com/auralis/telemetry-core/internal/database"
	"github.com/auralis/telemetry-core/internal/health"
	"github.com/auralis/telemetry-core/internal/incident"
	"github.com/auralis/telemetry-core/internal/ingest"
	"github.com/auralis/telemetry-core/internal/logging"
	"github.com/auralis/telemetry-core/internal/producer"
	"github.com/auralis/telemetry-core/internal/queue"
	"github.com/auralis/telemetry-core/internal/writer"
	"github.com/auralis/telemetry-core/pkg/metrics"
	"github.com/auralis/telemetry-core/pkg/shared"
)

const serviceName = "telemetry-core"

func main() {
	if err := config.LoadDotEnv(".env"); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		os.Exit(2)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, "Invalid configuration:", err)
		os.Exit(1)
	}

	level, _ := cfg.SlogLevel()
	logger, logCloser := logging.New(logging.Options{Level: level, Format: cfg.LogFormat, File: cfg.LogFile})
	defer logCloser.Close()
	slog.SetDefault(logger)

	loc, _ := cfg.Location()
	slog.Info("Starting telemetry core",
		"postgres_dsn", shared.MaskDSN(cfg.PostgresDSN),
		"redis_addr", cfg.RedisAddr,
		"mqtt_broker", cfg.MQTTBroker,
		"mqtt_qos", cfg.MQTTQoS,
		"catalog_refresh_interval", cfg.CatalogRefreshInterval,
		"rules_refresh_interval", cfg.RulesRefreshInterval,
		"write_batch_size", cfg.WriteBatchSize,
		"write_flush_interval", cfg.WriteFlushInterval,
		"timezone", loc.String(),
		"kafka_enabled", cfg.KafkaEnabled(),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// Database
	slog.Info("Connecting to PostgreSQL")
	db, err := database.NewDB(cfg.PostgresDSN)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()
	db.SetPoolLimits(cfg.DBMaxConns, cfg.DBMaxConns)

	// Redis
	slog.Info("Connecting to Redis", "addr", cfg.RedisAddr)
	redisClient, err := shared.ConnectRedis(ctx, shared.RedisOptions{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err != nil {
		slog.Error("Failed to connect to Redis", "error", err)
		os.Exit(1)
	}
	defer redisClient.Close()
	slog.Info("Successfully connected to Redis")

	collector := metrics.NewCollector(serviceName, redisClient)
	collector.SetReportInterval(cfg.MetricsReportInterval)
	collector.Start(ctx)
	defer collector.Stop()

	// Catalog
	catalogSession := db.Session("catalog")
	defer catalogSession.Close()
	store := catalog.NewStore()
	refresher := catalog.NewRefresher(catalogSession, store, cfg.CatalogRefreshInterval, cfg.RulesRefreshInterval)

	// Incidents
	var publisher *producer.Producer
	managerOpts := []incident.Option{incident.WithMetrics(collector)}
	if cfg.KafkaEnabled() {
		enc, _ := producer.ParseEncoding(cfg.EventEncoding)
		publisher, err = producer.NewProducer(cfg.KafkaBrokers, cfg.IncidentTopic, enc)
		if err != nil {
			slog.Error("Failed to create incident Kafka producer", "error", err)
			os.Exit(1)
		}
		defer publisher.Close()
		managerOpts = append(managerOpts, incident.WithPublisher(publisher))
		slog.Info("Successfully created incident Kafka producer", "topic", cfg.IncidentTopic)
	}
	incidentSession := db.Session("incidents")
	defer incidentSession.Close()
	manager := incident.NewManager(incident.NewRedisMarkerStore(redisClient), incidentSession, managerOpts...)

	// Queues
	measurements := queue.New[database.Measurement](cfg.MeasurementQueueSize)
	events := queue.New[incident.Event](cfg.EventQueueSize, queue.WithDropHook(func(ev incident.Event) {
		slog.Warn("Event queue full, discarding oldest event",
			"rule_key", ev.RuleKey,
			"sensor_id", ev.SensorID,
			"band", ev.Band,
		)
	}))

	// Ingestion
	tracker := bands.NewTracker(
		bands.WithPersistenceDefault(cfg.PersistenceDefault),
		bands.WithHysteresis(cfg.UseHysteresis),
	)
	ingestor := ingest.New(store, ingest.NewDecoder(loc), tracker, measurements, events,
		ingest.WithMetrics(collector),
		ingest.WithQoS(byte(cfg.MQTTQoS)),
	)
	refresher.OnUpdate(ingestor.OnSnapshot)

	slog.Info("Loading initial catalog")
	if err := refresher.ReloadNow(ctx); err != nil {
		slog.Error("Failed to load initial catalog", "error", err)
		os.Exit(1)
	}
	snap := store.Load()
	slog.Info("Initial catalog loaded",
		"sensors", len(snap.Sensors),
		"policies", len(snap.PoliciesByID),
		"rules", len(snap.Rules),
	)

	// Writers run on their own context so they outlive the broker connection and
	// drain what it delivered.
	writerCtx, stopWriters := context.WithCancel(context.Background())
	defer stopWriters()
	writerCfg := writer.Config{
		BatchSize:     cfg.WriteBatchSize,
		FlushInterval: cfg.WriteFlushInterval,
		DrainTimeout:  cfg.ShutdownTimeout / 2,
	}
	measurementSession := db.Session("measurements")
	defer measurementSession.Close()
	var writers sync.WaitGroup
	writers.Add(2)
	go func() {
		defer writers.Done()
		writer.NewMeasurementWriter(measurements, measurementSession, writerCfg, collector).Run(writerCtx)
	}()
	go func() {
		defer writers.Done()
		writer.NewEventWriter(events, manager, writerCfg, collector).Run(writerCtx)
	}()

	// Broker
	mqttClient := ingest.NewMQTTClient(ingest.MQTTConfig{
		Broker:    cfg.MQTTBroker,
		ClientID:  cfg.MQTTClientID,
		Username:  cfg.MQTTUsername,
		Password:  cfg.MQTTPassword,
		TLS:       cfg.MQTTTLS,
		QoS:       byte(cfg.MQTTQoS),
		KeepAlive: cfg.MQTTKeepAlive,
	}, ingestor.HandleMessage, ingestor.Resubscribe)
	ingestor.SetClient(mqttClient)
	if err := mqttClient.Connect(ctx); err != nil {
		slog.Error("Failed to connect to MQTT broker", "error", err)
		os.Exit(1)
	}

	refresher.Start(ctx)

	if cfg.KafkaEnabled() && cfg.CatalogChangedTopic != "" {
		slog.Info("Connecting to catalog.changed consumer", "topic", cfg.CatalogChangedTopic)
		consumer, err := catalogconsumer.NewConsumer(cfg.KafkaBrokers, cfg.CatalogChangedTopic, cfg.ConsumerGroupID, refresher)
		if err != nil {
			slog.Error("Failed to create catalog.changed consumer", "error", err)
			os.Exit(1)
		}
		defer consumer.Close()
		go consumer.Run(ctx)
	}

	var srv *http.Server
	if cfg.HTTPAddr != "" {
		srv = health.NewServer(cfg.HTTPAddr, newHealth(db, redisClient, mqttClient, ingestor, store, collector, measurements, events).Handler())
		go func() {
			slog.Info("Starting health server", "addr", cfg.HTTPAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("Health server failed", "error", err)
			}
		}()
	}

	slog.Info("Telemetry core running")
	<-sigChan
	slog.Info("Received shutdown signal, shutting down gracefully...")

	deadline := time.Now().Add(cfg.ShutdownTimeout)
	cancel()
	mqttClient.Disconnect(250 * time.Millisecond)
	stopWriters()

	done := make(chan struct{})
	go func() {
		writers.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Until(deadline)):
		slog.Error("Writers did not stop before the shutdown timeout",
			"measurements_pending", measurements.Len(),
			"events_pending", events.Len(),
		)
	}

	if srv != nil {
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), time.Second)
		defer cancelShutdown()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Warn("Health server shutdown failed", "error", err)
		}
	}

	slog.Info("Telemetry core stopped")
}

// newHealth registers the dependency checks and exported metrics.
func newHealth(
	db *database.DB,
	redisClient *redis.Client,
	mqttClient *ingest.MQTTClient,
	ingestor *ingest.Ingestor,
	store *catalog.Store,
	collector *metrics.Collector,
	measurements *queue.Queue[database.Measurement],
	events *queue.Queue[incident.Event],
) *health.Health {
	h := health.New()
	h.AddCheck("database", db.Ping)
	h.AddCheck("redis", func(ctx context.Context) error { return redisClient.Ping(ctx).Err() })
	h.AddCheck("mqtt", func(context.Context) error {
		if !mqttClient.IsConnected() {
			return errors.New("not connected")
		}
		return nil
	})

	h.RegisterQueue("measurements", measurements.Len, measurements.Cap(), measurements.Dropped)
	h.RegisterQueue("events", events.Len, events.Cap(), events.Dropped)
	h.RegisterGauge("mqtt_subscriptions", "Topics currently subscribed on the broker.", func() float64 {
		return float64(ingestor.Subscribed())
	})
	h.RegisterGauge("catalog_sensors", "Active sensors in the current catalog snapshot.", func() float64 {
		return float64(len(store.Load().Sensors))
	})
	for _, name := range []string{"payloads_dropped", "unknown_topic", "measurements_discarded", "events_discarded", "incident_publish_errors"} {
		h.RegisterCounter(name+"_total", "Count of "+name+" since start.", func() float64 {
			return float64(collector.Custom(name))
		})
	}
	return h
}
