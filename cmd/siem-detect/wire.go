package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"sentinel-siem/internal/alerting"
	"sentinel-siem/internal/anomaly"
	"sentinel-siem/internal/config"
	"sentinel-siem/internal/consumer"
	"sentinel-siem/internal/correlation"
	"sentinel-siem/internal/encryption"
	"sentinel-siem/internal/features"
	"sentinel-siem/internal/geoip"
	"sentinel-siem/internal/incident"
	"sentinel-siem/internal/ingest"
	"sentinel-siem/internal/kafka"
	"sentinel-siem/internal/pipeline"
	"sentinel-siem/internal/queue"
	"sentinel-siem/internal/schema"
	"sentinel-siem/internal/search"
	"sentinel-siem/internal/state"
	"sentinel-siem/internal/storage"
	"sentinel-siem/internal/storage/s3"
	"sentinel-siem/internal/supervisor"
	"sentinel-siem/internal/supervisor/services"
	"sentinel-siem/internal/threatintel"
	"sentinel-siem/internal/ueba"
)

const (
	snapshotKey        = "isolation-forest.json"
	retentionInterval  = 24 * time.Hour
	memoryQuarantineSz = 1000
)

// detector holds every long-lived component of the service.
type detector struct {
	cfg    *config.Config
	logger *slog.Logger

	chClient   *storage.ClickHouseClient
	events     storage.Store
	quarantine storage.Quarantiner
	retention  *storage.RetentionManager
	profiles   state.Store
	geo        *geoip.Service

	queue    *queue.RingBuffer[*schema.Event]
	intake   *ingest.Intake
	pipeline *pipeline.Pipeline

	correlation *correlation.Engine
	ueba        *ueba.Engine
	trainer     *anomaly.Trainer
	incidents   *incident.Service
	emitter     *alerting.Emitter
	hub         *alerting.Hub
	producer    *kafka.AlertProducer

	closers []func() error
}

func build(ctx context.Context, cfg *config.Config, logger *slog.Logger) (d *detector, err error) {
	d = &detector{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			d.close()
		}
	}()

	if err := d.openStorage(ctx); err != nil {
		return nil, err
	}
	if err := d.openState(ctx); err != nil {
		return nil, err
	}

	det := cfg.Detection
	d.correlation = correlation.NewEngine(correlation.EngineConfig{
		Window:              det.Correlation.Window,
		BruteForceThreshold: det.Correlation.BruteForceThreshold,
		SweepInterval:       det.Correlation.SweepInterval,
	}, correlation.BuiltinRules(det.Correlation.BruteForceThreshold), logger)

	d.ueba = ueba.NewEngine(d.events, d.events, d.profiles, uebaConfig(det.UEBA), logger)

	aggregator := incident.NewAggregator(d.profiles, incidentConfig(det.Incident), logger)

	extractor := features.NewExtractor(d.events)
	scorer, err := d.newScorer(ctx)
	if err != nil {
		return nil, err
	}
	d.trainer = anomaly.NewTrainer(scorer, d.events, extractor, anomaly.TrainerConfig{
		Interval:     cfg.Anomaly.TrainInterval,
		LookbackDays: cfg.Anomaly.LookbackDays,
		SampleLimit:  cfg.Anomaly.SampleLimit,
		Workers:      cfg.Anomaly.TrainWorkers,
	}, logger)

	if err := d.openGeoIP(); err != nil {
		return nil, err
	}
	intel := threatintel.NewClient(threatintel.Config{
		APIKey:            cfg.Integrations.ThreatIntel.APIKey,
		BaseURL:           cfg.Integrations.ThreatIntel.BaseURL,
		MaxAgeDays:        cfg.Integrations.ThreatIntel.MaxAgeDays,
		Timeout:           cfg.Integrations.ThreatIntel.Timeout,
		CacheTTL:          cfg.Integrations.ThreatIntel.CacheTTL,
		RequestsPerMinute: cfg.Integrations.ThreatIntel.RequestsPerMinute,
		BreakerFailures:   cfg.Integrations.ThreatIntel.BreakerFailures,
		BreakerTimeout:    cfg.Integrations.ThreatIntel.BreakerTimeout,
	}, logger)
	var geo incident.GeoLookup
	if d.geo != nil {
		geo = d.geo
	}
	d.incidents = incident.NewService(aggregator, d.profiles, d.events, intel, geo, logger)

	if err := d.buildEmitter(); err != nil {
		return nil, err
	}

	opts := []pipeline.Option{
		pipeline.WithCorrelation(d.correlation),
		pipeline.WithUEBA(d.ueba),
	}
	if cfg.Anomaly.Enabled {
		opts = append(opts, pipeline.WithAnomaly(extractor, scorer))
	}
	d.pipeline = pipeline.New(d.events, aggregator, d.emitter,
		pipeline.Config{DetectorTimeout: det.QueryTimeout}, logger, opts...)

	validator := schema.NewValidatorWithConfig(schema.ValidatorConfig{
		MaxAge:    cfg.Validation.MaxEventAge,
		MaxFuture: cfg.Validation.MaxFuture,
	})
	d.queue = queue.NewRingBuffer[*schema.Event](cfg.Queue.Size)
	d.intake = ingest.NewIntake(validator, d.queue, logger).WithQuarantine(d.quarantine)

	return d, nil
}

func (d *detector) openStorage(ctx context.Context) error {
	cfg := d.cfg.Storage
	if cfg.Backend != "clickhouse" {
		d.logger.Info("using in-memory event store", "retention", cfg.Retention.MemoryEvents)
		d.events = storage.NewMemoryStore(cfg.Retention.MemoryEvents)
		d.quarantine = storage.NewMemoryQuarantine(memoryQuarantineSz)
		return nil
	}

	d.logger.Info("initializing ClickHouse storage",
		"hosts", cfg.ClickHouse.Hosts,
		"database", cfg.ClickHouse.Database,
	)

	client, err := storage.NewClickHouseClient(ctx, storage.ClickHouseConfig{
		Hosts:           cfg.ClickHouse.Hosts,
		Database:        cfg.ClickHouse.Database,
		Username:        cfg.ClickHouse.Username,
		Password:        cfg.ClickHouse.Password,
		MaxOpenConns:    cfg.ClickHouse.MaxOpenConns,
		MaxIdleConns:    cfg.ClickHouse.MaxIdleConns,
		ConnMaxLifetime: cfg.ClickHouse.ConnMaxLifetime,
		TLSEnabled:      cfg.ClickHouse.TLSEnabled,
		DialTimeout:     cfg.ClickHouse.DialTimeout,
	})
	if err != nil {
		return fmt.Errorf("connect to clickhouse: %w", err)
	}
	d.chClient = client

	if err := client.EnsureDatabase(ctx); err != nil {
		return fmt.Errorf("ensure database: %w", err)
	}
	if err := storage.NewMigrator(client, d.logger).Run(ctx); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	d.retention = storage.NewRetentionManager(client, storage.RetentionConfig{
		EventsTTL:     cfg.Retention.Events,
		AlertsTTL:     cfg.Retention.Alerts,
		SessionsTTL:   cfg.Retention.Sessions,
		QuarantineTTL: cfg.Retention.Quarantine,
	}, d.logger)

	bw := storage.BatchWriterConfig{
		BatchSize:     cfg.BatchWriter.BatchSize,
		FlushInterval: cfg.BatchWriter.FlushInterval,
		MaxRetries:    cfg.BatchWriter.MaxRetries,
		RetryDelay:    cfg.BatchWriter.RetryDelay,
	}
	store := storage.NewClickHouseStore(client, bw, d.logger)
	d.events = store
	d.closers = append(d.closers, store.Close)

	qw := storage.NewQuarantineWriter(client, bw, d.logger)
	d.quarantine = qw
	d.closers = append(d.closers, qw.Close)

	d.logger.Info("storage initialized")
	return nil
}

func (d *detector) openState(ctx context.Context) error {
	cfg := d.cfg.State
	if cfg.Backend != "redis" {
		d.profiles = state.NewMemoryStore()
		return nil
	}

	store, err := state.NewRedisStore(ctx, state.RedisConfig{
		Addr:         cfg.Redis.Addr,
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		KeyPrefix:    cfg.Redis.KeyPrefix,
		PoolSize:     cfg.Redis.PoolSize,
		DialTimeout:  cfg.Redis.DialTimeout,
		MaxTxRetries: cfg.Redis.MaxTxRetries,
	}, d.logger)
	if err != nil {
		return fmt.Errorf("connect to redis: %w", err)
	}
	d.profiles = store
	d.closers = append(d.closers, store.Close)
	return nil
}

// newScorer builds the anomaly scorer and restores the last snapshot, if
// any. A failed restore leaves the scorer untrained.
func (d *detector) newScorer(ctx context.Context) (*anomaly.Scorer, error) {
	cfg := d.cfg.Anomaly
	forest := anomaly.ForestConfig{
		Trees:         cfg.Trees,
		SampleSize:    cfg.SampleSize,
		Contamination: cfg.Contamination,
		Seed:          cfg.Seed,
	}

	var snapshots anomaly.SnapshotStore
	switch cfg.Snapshot.Backend {
	case "file":
		snapshots = anomaly.NewFileSnapshots(cfg.Snapshot.Path)
	case "s3":
		s3cfg := s3.DefaultConfig()
		in := d.cfg.Integrations.S3
		s3cfg.Bucket = in.Bucket
		s3cfg.Endpoint = in.Endpoint
		s3cfg.UsePathStyle = in.UsePathStyle
		s3cfg.AccessKeyID = in.AccessKeyID
		s3cfg.SecretAccessKey = in.SecretAccessKey
		if in.Region != "" {
			s3cfg.Region = in.Region
		}
		if in.Prefix != "" {
			s3cfg.Prefix = in.Prefix
		}
		if in.Timeout > 0 {
			s3cfg.Timeout = in.Timeout
		}
		client, err := s3.NewClient(ctx, s3cfg, d.logger)
		if err != nil {
			return nil, fmt.Errorf("create s3 client: %w", err)
		}
		snapshots = anomaly.NewS3Snapshots(client, snapshotKey)
	}

	if snapshots != nil && cfg.Snapshot.EncryptionKey != "" {
		key, err := encryption.ParseKey(cfg.Snapshot.EncryptionKey)
		if err != nil {
			return nil, fmt.Errorf("snapshot encryption key: %w", err)
		}
		engine, err := encryption.NewEngine(encryption.Config{
			MasterKey:  key,
			KeyVersion: cfg.Snapshot.KeyVersion,
			Logger:     d.logger,
		})
		if err != nil {
			return nil, fmt.Errorf("snapshot encryption: %w", err)
		}
		snapshots = anomaly.NewSealedSnapshots(snapshots, engine)
	}

	scorer := anomaly.NewScorer(forest, snapshots, d.logger)
	if snapshots != nil {
		if err := scorer.Restore(ctx); err != nil {
			d.logger.Warn("model snapshot not restored", "error", err)
		}
	}
	return scorer, nil
}

func (d *detector) openGeoIP() error {
	in := d.cfg.Integrations.GeoIP
	if in.CityDBPath == "" && in.ASNDBPath == "" {
		return nil
	}
	svc, err := geoip.NewService(in.CityDBPath, in.ASNDBPath)
	if err != nil {
		return fmt.Errorf("open geoip: %w", err)
	}
	d.geo = svc
	d.closers = append(d.closers, func() error {
		svc.Close()
		return nil
	})
	return nil
}

func (d *detector) buildEmitter() error {
	cfg := d.cfg.Alerting
	emitCfg := alerting.DefaultEmitterConfig()
	if cfg.PublishTimeout > 0 {
		emitCfg.PublishTimeout = cfg.PublishTimeout
	}
	if cfg.PublishQueueSize > 0 {
		emitCfg.QueueSize = cfg.PublishQueueSize
	}
	d.emitter = alerting.NewEmitter(emitCfg, d.events, d.logger)
	d.emitter.AddPublisher(alerting.NewLogPublisher(d.logger))

	if cfg.WebSocketEnabled {
		d.hub = alerting.NewHub(alerting.DefaultHubConfig(), d.logger)
		d.emitter.AddPublisher(d.hub)
	}

	for _, wh := range cfg.Webhooks {
		name := wh.Name
		if name == "" {
			name = "webhook"
		}
		d.emitter.AddPublisher(alerting.NewRetryPublisher(
			alerting.NewWebhookPublisher(name, wh.URL, wh.Headers),
			alerting.DefaultDeliveryConfig(), d.logger))
	}

	if cfg.KafkaEnabled {
		producer, err := kafka.NewAlertProducer(d.kafkaConfig(d.cfg.Integrations.Kafka.AlertsTopic), d.logger)
		if err != nil {
			return fmt.Errorf("create alert producer: %w", err)
		}
		d.producer = producer
		d.closers = append(d.closers, producer.Close)
		d.emitter.AddPublisher(producer)
	}
	return nil
}

func (d *detector) kafkaConfig(topic string) *kafka.Config {
	in := d.cfg.Integrations.Kafka
	kc := kafka.DefaultConfig().WithTopic(topic)
	kc.Brokers = in.Brokers
	if in.ConsumerGroup != "" {
		kc.ConsumerGroup = in.ConsumerGroup
	}
	if in.SecurityProtocol != "" {
		kc.SecurityProtocol = in.SecurityProtocol
	}
	kc.SASLMechanism = in.SASLMechanism
	kc.SASLUsername = in.SASLUsername
	kc.SASLPassword = in.SASLPassword
	kc.TLSCAFile = in.TLSCAFile
	return kc
}

func (d *detector) registerRoutes(mux *http.ServeMux) {
	h := ingest.NewHandler(d.intake).
		WithMaxPayload(d.cfg.Ingest.MaxPayloadSize).
		WithMaxBatch(d.cfg.Ingest.MaxBatchSize)
	if d.cfg.Ingest.SyncDetection {
		h = h.WithProcessor(d.pipeline)
	}
	h.RegisterRoutes(mux)

	incident.NewHandler(d.incidents).RegisterRoutes(mux)
	alerting.NewHandler(d.emitter, d.hub).RegisterRoutes(mux)
	anomaly.NewHandler(d.trainer).RegisterRoutes(mux)
	ueba.NewHandler(d.ueba).RegisterRoutes(mux)
	correlation.NewRuleHandler(d.correlation, d.ueba).RegisterRoutes(mux)
	search.NewHandler(search.NewExecutor(d.events)).RegisterRoutes(mux)
}

// addServices places every long-running component on its supervisor layer.
func (d *detector) addServices(ctx context.Context, tree *supervisor.Tree) error {
	if d.retention != nil {
		tree.AddDataService(services.NewPeriodicService("retention", retentionInterval,
			d.retention.ApplyTTLs, d.logger))
	}

	tree.AddDetectionService(consumer.New(d.queue, d.pipeline, consumer.Config{
		Workers:      d.cfg.Consumer.Workers,
		PollInterval: d.cfg.Consumer.PollInterval,
		ShutdownWait: d.cfg.Consumer.ShutdownWait,
	}, d.logger))
	tree.AddDetectionService(d.correlation)
	if d.cfg.Anomaly.Enabled && d.cfg.Anomaly.TrainInterval > 0 {
		tree.AddDetectionService(d.trainer)
	}

	tree.AddDetectionService(d.emitter)
	if d.hub != nil {
		tree.AddAPIService(d.hub)
	}
	if d.cfg.Ingest.TCP.Enabled {
		tree.AddAPIService(ingest.NewTCPServer(ingest.TCPServerConfigFrom(d.cfg.Ingest.TCP), d.intake, d.logger))
	}
	if d.cfg.Ingest.DTLS.Enabled {
		srv, err := ingest.NewDTLSServer(ingest.DTLSServerConfigFrom(d.cfg.Ingest.DTLS), d.intake, d.logger)
		if err != nil {
			return fmt.Errorf("create dtls server: %w", err)
		}
		tree.AddAPIService(srv)
	}

	in := d.cfg.Integrations.Kafka
	if d.cfg.Alerting.KafkaEnabled || in.ConsumeLines {
		d.ensureTopics(ctx)
	}
	if in.ConsumeLines {
		c, err := kafka.NewConsumer(d.kafkaConfig(in.LinesTopic), ingest.KafkaLineHandler(d.intake), d.logger)
		if err != nil {
			return fmt.Errorf("create line consumer: %w", err)
		}
		tree.AddAPIService(c)
	}
	return nil
}

// ensureTopics creates the line and alert topics. Brokers that forbid topic
// creation are tolerated.
func (d *detector) ensureTopics(ctx context.Context) {
	in := d.cfg.Integrations.Kafka
	admin, err := kafka.NewAdmin(d.kafkaConfig(in.AlertsTopic), d.logger)
	if err != nil {
		d.logger.Warn("kafka admin unavailable", "error", err)
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	if err := admin.EnsureTopics(ctx, kafka.DefaultTopics(in.LinesTopic, in.AlertsTopic)...); err != nil {
		d.logger.Warn("failed to ensure kafka topics", "error", err)
	}
}

// close releases stores and clients in reverse order of creation.
func (d *detector) close() {
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i](); err != nil {
			d.logger.Error("close failed", "error", err)
		}
	}
	d.closers = nil
	if d.chClient != nil {
		if err := d.chClient.Close(); err != nil {
			d.logger.Error("failed to close clickhouse client", "error", err)
		}
		d.chClient = nil
	}
}

func incidentConfig(c config.IncidentConfig) incident.Config {
	return incident.Config{
		Cooldown:       c.Cooldown,
		DecayPerMinute: c.DecayPerMinute,
		RiskFloor:      c.RiskFloor,
	}
}

func uebaConfig(c config.UEBAConfig) ueba.Config {
	return ueba.Config{
		Window:               c.Window,
		Cooldown:             c.Cooldown,
		SessionGap:           c.SessionGap,
		FailedThreshold:      c.FailedThreshold,
		InvalidThreshold:     c.InvalidThreshold,
		EnumFailedThreshold:  c.EnumFailedThreshold,
		BurstThreshold:       c.BurstThreshold,
		BurstMultiplier:      c.BurstMultiplier,
		MultiSourceThreshold: c.MultiSourceThreshold,
		EMAAlpha:             c.EMAAlpha,
		RiskFloor:            c.RiskFloor,
		RareEntityRisk:       c.RareEntityRisk,
	}
}
