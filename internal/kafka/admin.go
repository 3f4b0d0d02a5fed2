package kafka

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"
)

// Admin creates the detector's topics and checks broker health.
type Admin struct {
	config *Config
	logger *slog.Logger
}

// NewAdmin creates a new Kafka admin client.
func NewAdmin(config *Config, logger *slog.Logger) (*Admin, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &Admin{config: config, logger: logger.With("component", "kafka-admin")}, nil
}

// TopicConfig defines configuration for topic creation.
type TopicConfig struct {
	Name              string
	Partitions        int
	ReplicationFactor int
	Retention         time.Duration
}

// DefaultTopics returns the intake and alert topics.
func DefaultTopics(linesTopic, alertsTopic string) []TopicConfig {
	return []TopicConfig{
		{Name: linesTopic, Partitions: 6, ReplicationFactor: 1, Retention: 24 * time.Hour},
		{Name: alertsTopic, Partitions: 3, ReplicationFactor: 1, Retention: 7 * 24 * time.Hour},
	}
}

func (a *Admin) dial(ctx context.Context) (*kafka.Conn, error) {
	dialer, err := a.config.Dialer()
	if err != nil {
		return nil, err
	}
	conn, err := dialer.DialContext(ctx, "tcp", a.config.Brokers[0])
	if err != nil {
		return nil, fmt.Errorf("kafka: failed to connect to broker: %w", err)
	}
	return conn, nil
}

// EnsureTopics creates every topic in topics that does not exist yet.
func (a *Admin) EnsureTopics(ctx context.Context, topics ...TopicConfig) error {
	conn, err := a.dial(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	partitions, err := conn.ReadPartitions()
	if err != nil {
		return fmt.Errorf("kafka: failed to read partitions: %w", err)
	}
	existing := make(map[string]bool, len(partitions))
	for _, p := range partitions {
		existing[p.Topic] = true
	}

	var missing []kafka.TopicConfig
	for _, t := range topics {
		if existing[t.Name] {
			a.logger.Debug("topic already exists", "topic", t.Name)
			continue
		}
		missing = append(missing, kafka.TopicConfig{
			Topic:             t.Name,
			NumPartitions:     t.Partitions,
			ReplicationFactor: t.ReplicationFactor,
			ConfigEntries: []kafka.ConfigEntry{
				{ConfigName: "retention.ms", ConfigValue: strconv.FormatInt(t.Retention.Milliseconds(), 10)},
			},
		})
	}
	if len(missing) == 0 {
		return nil
	}

	controller, err := conn.Controller()
	if err != nil {
		return fmt.Errorf("kafka: failed to get controller: %w", err)
	}
	dialer, err := a.config.Dialer()
	if err != nil {
		return err
	}
	cc, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(controller.Host, strconv.Itoa(controller.Port)))
	if err != nil {
		return fmt.Errorf("kafka: failed to connect to controller: %w", err)
	}
	defer cc.Close()

	if err := cc.CreateTopics(missing...); err != nil {
		return fmt.Errorf("kafka: failed to create topics: %w", err)
	}
	for _, t := range missing {
		a.logger.Info("kafka topic created", "topic", t.Topic, "partitions", t.NumPartitions)
	}
	return nil
}

// HealthCheck reports whether the cluster answers a metadata request.
func (a *Admin) HealthCheck(ctx context.Context) HealthStatus {
	status := HealthStatus{LastCheck: time.Now()}
	start := time.Now()

	conn, err := a.dial(ctx)
	if err != nil {
		status.Error = err.Error()
		return status
	}
	defer conn.Close()

	brokers, err := conn.Brokers()
	if err != nil {
		status.Error = fmt.Sprintf("failed to get brokers: %v", err)
		return status
	}

	status.Latency = time.Since(start)
	status.Healthy = len(brokers) > 0
	status.BrokerCount = len(brokers)
	return status
}
