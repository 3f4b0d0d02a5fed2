package kafka

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"

	"sentinel-siem/internal/schema"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{"valid config", func(c *Config) {}, false},
		{"empty brokers", func(c *Config) { c.Brokers = nil }, true},
		{"empty topic", func(c *Config) { c.Topic = "" }, true},
		{"invalid protocol", func(c *Config) { c.SecurityProtocol = "CARRIER_PIGEON" }, true},
		{
			name: "sasl without mechanism",
			modify: func(c *Config) {
				c.SecurityProtocol = "SASL_PLAINTEXT"
				c.SASLUsername, c.SASLPassword = "u", "p"
			},
			wantErr: true,
		},
		{
			name: "sasl without credentials",
			modify: func(c *Config) {
				c.SecurityProtocol = "SASL_SSL"
				c.SASLMechanism = "PLAIN"
			},
			wantErr: true,
		},
		{
			name: "valid sasl scram",
			modify: func(c *Config) {
				c.SecurityProtocol = "SASL_SSL"
				c.SASLMechanism = "SCRAM-SHA-512"
				c.SASLUsername, c.SASLPassword = "u", "p"
			},
			wantErr: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			if err := cfg.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestCompression(t *testing.T) {
	tests := []struct {
		compression string
		wantNonZero bool
	}{
		{"gzip", true},
		{"snappy", true},
		{"lz4", true},
		{"zstd", true},
		{"none", false},
		{"", false},
	}

	for _, tt := range tests {
		t.Run(tt.compression, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.CompressionType = tt.compression
			if got := cfg.Compression(); (got != 0) != tt.wantNonZero {
				t.Errorf("Compression() = %v for %q", got, tt.compression)
			}
		})
	}
}

func TestDialer(t *testing.T) {
	cfg := DefaultConfig()
	dialer, err := cfg.Dialer()
	if err != nil {
		t.Fatalf("Dialer() error = %v", err)
	}
	if dialer.Timeout != cfg.DialTimeout {
		t.Errorf("Timeout = %v, want %v", dialer.Timeout, cfg.DialTimeout)
	}
	if dialer.TLS != nil || dialer.SASLMechanism != nil {
		t.Error("plaintext dialer has TLS or SASL set")
	}

	cfg.SecurityProtocol = "SASL_SSL"
	cfg.SASLMechanism = "PLAIN"
	cfg.SASLUsername, cfg.SASLPassword = "u", "p"
	dialer, err = cfg.Dialer()
	if err != nil {
		t.Fatalf("Dialer() error = %v", err)
	}
	if dialer.TLS == nil || dialer.SASLMechanism == nil {
		t.Error("SASL_SSL dialer missing TLS or SASL")
	}
}

func TestWithTopic(t *testing.T) {
	base := DefaultConfig()
	lines := base.WithTopic(DefaultLinesTopic)
	lines.Brokers[0] = "other:9092"

	if base.Topic != DefaultAlertsTopic || lines.Topic != DefaultLinesTopic {
		t.Errorf("topics = %q, %q", base.Topic, lines.Topic)
	}
	if base.Brokers[0] != "localhost:9092" {
		t.Error("WithTopic shares the broker slice")
	}
}

type fakeWriter struct {
	mu       sync.Mutex
	failures []error
	messages []kafka.Message
	closed   bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.failures) > 0 {
		err := w.failures[0]
		w.failures = w.failures[1:]
		return err
	}
	w.messages = append(w.messages, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return nil
}

func testProducer(w *fakeWriter) *AlertProducer {
	cfg := DefaultConfig()
	cfg.RetryBackoff = time.Millisecond
	return newAlertProducer(w, cfg, testLogger())
}

func TestAlertProducer_Publish(t *testing.T) {
	w := &fakeWriter{}
	p := testProducer(w)

	alert := &schema.Alert{
		ID:          uuid.New(),
		Type:        schema.AlertCorrelated,
		Severity:    schema.SeverityHigh,
		SourceIP:    "203.0.113.5",
		IncidentKey: "Brute Force Attack:203.0.113.5",
		Timestamp:   time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC),
	}
	if err := p.Publish(context.Background(), alert); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	if len(w.messages) != 1 {
		t.Fatalf("messages = %d, want 1", len(w.messages))
	}
	msg := w.messages[0]
	if string(msg.Key) != alert.IncidentKey {
		t.Errorf("key = %q, want incident key", msg.Key)
	}
	var got schema.Alert
	if err := json.Unmarshal(msg.Value, &got); err != nil {
		t.Fatal(err)
	}
	if got.ID != alert.ID || got.Type != alert.Type {
		t.Errorf("value = %+v", got)
	}
	if len(msg.Headers) != 2 || string(msg.Headers[0].Value) != string(schema.AlertCorrelated) {
		t.Errorf("headers = %+v", msg.Headers)
	}
	if p.Produced() != 1 {
		t.Errorf("Produced() = %d", p.Produced())
	}
}

func TestAlertKey(t *testing.T) {
	id := uuid.New()
	tests := []struct {
		name  string
		alert schema.Alert
		want  string
	}{
		{"incident key", schema.Alert{ID: id, IncidentKey: "k", SourceIP: "203.0.113.5"}, "k"},
		{"source ip", schema.Alert{ID: id, SourceIP: "203.0.113.5"}, "203.0.113.5"},
		{"id", schema.Alert{ID: id}, id.String()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := alertKey(&tt.alert); got != tt.want {
				t.Errorf("alertKey() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestAlertProducer_Retries(t *testing.T) {
	tests := []struct {
		name      string
		failures  []error
		wantErr   bool
		wantWrote int
	}{
		{"recovers", []error{errors.New("leader not available")}, false, 1},
		{"gives up", []error{errors.New("a"), errors.New("b"), errors.New("c"), errors.New("d")}, true, 0},
		{"non-retryable", []error{kafka.MessageSizeTooLarge}, true, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := &fakeWriter{failures: tt.failures}
			p := testProducer(w)

			err := p.Publish(context.Background(), &schema.Alert{ID: uuid.New()})
			if (err != nil) != tt.wantErr {
				t.Errorf("Publish() error = %v, wantErr %v", err, tt.wantErr)
			}
			if len(w.messages) != tt.wantWrote {
				t.Errorf("messages = %d, want %d", len(w.messages), tt.wantWrote)
			}
		})
	}
}

func TestAlertProducer_Closed(t *testing.T) {
	w := &fakeWriter{}
	p := testProducer(w)

	if err := p.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if !w.closed {
		t.Error("writer not closed")
	}
	if err := p.Publish(context.Background(), &schema.Alert{}); !errors.Is(err, ErrProducerClosed) {
		t.Errorf("Publish() error = %v, want ErrProducerClosed", err)
	}
	if err := p.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
}

// fakeReader serves queued messages, then blocks until ctx is done.
type fakeReader struct {
	mu        sync.Mutex
	queue     []kafka.Message
	fetchErrs []error
	committed []int64
	closed    bool
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	if len(r.fetchErrs) > 0 {
		err := r.fetchErrs[0]
		r.fetchErrs = r.fetchErrs[1:]
		r.mu.Unlock()
		return kafka.Message{}, err
	}
	if len(r.queue) > 0 {
		m := r.queue[0]
		r.queue = r.queue[1:]
		r.mu.Unlock()
		return m, nil
	}
	r.mu.Unlock()
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *fakeReader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

func (r *fakeReader) commits() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.committed...)
}

func TestConsumer_Serve(t *testing.T) {
	reader := &fakeReader{
		fetchErrs: []error{errors.New("broker restarting")},
		queue: []kafka.Message{
			{Offset: 1, Value: []byte("Failed password for root from 203.0.113.5")},
			{Offset: 2, Value: []byte("poison")},
			{Offset: 3, Value: []byte("Accepted password for alice from 203.0.113.6")},
		},
	}

	var (
		mu   sync.Mutex
		seen []string
	)
	handler := func(_ context.Context, m Message) error {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, string(m.Value))
		if string(m.Value) == "poison" {
			return errors.New("unparseable")
		}
		return nil
	}

	cfg := DefaultConfig().WithTopic(DefaultLinesTopic)
	c := newConsumer(reader, cfg, handler, testLogger())
	c.errorWait = time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Serve(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for c.Consumed() < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("Consumed() = %d, want 2", c.Consumed())
		}
		time.Sleep(time.Millisecond)
	}
	cancel()

	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("Serve() error = %v, want context.Canceled", err)
	}
	if got := reader.commits(); len(got) != 2 || got[0] != 1 || got[1] != 3 {
		t.Errorf("committed = %v, want [1 3]", got)
	}
	if len(seen) != 3 {
		t.Errorf("handled %d messages, want 3", len(seen))
	}
	if !reader.closed {
		t.Error("reader not closed")
	}
	if !strings.Contains(c.String(), DefaultLinesTopic) {
		t.Errorf("String() = %q", c.String())
	}
}

func TestNewConsumer_RequiresHandler(t *testing.T) {
	if _, err := NewConsumer(DefaultConfig(), nil, testLogger()); !errors.Is(err, ErrNoHandler) {
		t.Errorf("NewConsumer() error = %v, want ErrNoHandler", err)
	}
}

func TestProducerIntegration(t *testing.T) {
	brokers := os.Getenv("KAFKA_BROKERS")
	if brokers == "" {
		t.Skip("KAFKA_BROKERS not set, skipping integration test")
	}

	cfg := DefaultConfig()
	cfg.Brokers = strings.Split(brokers, ",")
	cfg.Topic = "siem-test-alerts"

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	admin, err := NewAdmin(cfg, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	if err := admin.EnsureTopics(ctx, TopicConfig{Name: cfg.Topic, Partitions: 1, ReplicationFactor: 1, Retention: time.Hour}); err != nil {
		t.Fatalf("EnsureTopics() error = %v", err)
	}

	p, err := NewAlertProducer(cfg, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close()

	if err := p.Publish(ctx, &schema.Alert{ID: uuid.New(), Type: schema.AlertAnomaly}); err != nil {
		t.Errorf("Publish() error = %v", err)
	}
}
