package relay

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/sentrix-io/sentrix/internal/logging"
	"github.com/sentrix-io/sentrix/internal/metrics"
)

// KafkaConfig configures the Kafka transport.
type KafkaConfig struct {
	Brokers []string
	Topic   string
	// Group is the owner's consumer group.
	Group string
	// ProducerID keys records so that one producer's updates land on one
	// partition. Empty means a random id.
	ProducerID string
}

// KafkaSink publishes updates to a Kafka topic. Records carry the producer
// id as key; the key-hash partitioner maps a producer to a single partition,
// which preserves its send order.
type KafkaSink struct {
	client *kgo.Client
	key    []byte
}

// NewKafkaSink creates a producing client.
func NewKafkaSink(cfg KafkaConfig, opts ...kgo.Opt) (*KafkaSink, error) {
	if len(cfg.Brokers) == 0 || cfg.Topic == "" {
		return nil, errors.New("relay: kafka sink needs brokers and a topic")
	}
	id := cfg.ProducerID
	if id == "" {
		id = uuid.NewString()
	}
	base := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.DefaultProduceTopic(cfg.Topic),
		kgo.RecordPartitioner(kgo.StickyKeyPartitioner(nil)),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.ClientID("sentrix-" + id),
	}
	client, err := kgo.NewClient(append(base, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("relay: create kafka producer: %w", err)
	}
	return &KafkaSink{client: client, key: []byte(id)}, nil
}

// Send implements metrics.Sink. It blocks until the broker acknowledges
// the record.
func (s *KafkaSink) Send(u metrics.Update) error {
	payload, err := u.MarshalBinary()
	if err != nil {
		return err
	}
	res := s.client.ProduceSync(context.Background(), &kgo.Record{Key: s.key, Value: payload})
	if err := res.FirstErr(); err != nil {
		if errors.Is(err, kgo.ErrClientClosed) {
			return metrics.ErrSinkClosed
		}
		return fmt.Errorf("relay: produce update: %w", err)
	}
	return nil
}

// Close flushes and closes the client.
func (s *KafkaSink) Close() error {
	s.client.Close()
	return nil
}

// KafkaSource consumes updates from Kafka and puts them on a Channel.
type KafkaSource struct {
	client  *kgo.Client
	ch      *metrics.Channel
	metrics *metrics.RelayMetrics
	logger  *logging.Logger
}

// NewKafkaSource creates a consuming client in cfg.Group.
func NewKafkaSource(cfg KafkaConfig, ch *metrics.Channel, m *metrics.RelayMetrics, logger *logging.Logger, opts ...kgo.Opt) (*KafkaSource, error) {
	if len(cfg.Brokers) == 0 || cfg.Topic == "" {
		return nil, errors.New("relay: kafka source needs brokers and a topic")
	}
	if logger == nil {
		logger = logging.DefaultLogger()
	}
	if m == nil {
		m = metrics.NewRelayMetrics(nil, "kafka", logger)
	}
	base := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumeTopics(cfg.Topic),
		kgo.ConsumeResetOffset(startOffset(cfg.Group, time.Now())),
	}
	if cfg.Group != "" {
		base = append(base, kgo.ConsumerGroup(cfg.Group))
	}
	client, err := kgo.NewClient(append(base, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("relay: create kafka consumer: %w", err)
	}
	return &KafkaSource{client: client, ch: ch, metrics: m, logger: logger}, nil
}

// startOffset is where a source begins when it has no committed offset.
// A group's first start reads from the beginning, so updates produced
// before its partitions were assigned are kept; later starts resume from
// the group's commits. Without a group nothing is committed, and reading
// records produced from now on avoids replaying old history at every start.
func startOffset(group string, now time.Time) kgo.Offset {
	if group != "" {
		return kgo.NewOffset().AtStart()
	}
	return kgo.NewOffset().AfterMilli(now.UnixMilli())
}

// Run polls until ctx is done or the client is closed. Records of a
// partition are put on the channel in offset order.
func (s *KafkaSource) Run(ctx context.Context) error {
	for {
		fetches := s.client.PollFetches(ctx)
		if fetches.IsClientClosed() {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		fetches.EachError(func(topic string, partition int32, err error) {
			s.logger.Warnf("kafka fetch error", map[string]any{
				"topic":     topic,
				"partition": partition,
				"error":     err,
			})
		})

		var putErr error
		fetches.EachRecord(func(r *kgo.Record) {
			if putErr != nil {
				return
			}
			var u metrics.Update
			if err := u.UnmarshalBinary(r.Value); err != nil {
				s.metrics.RecordDecodeError()
				s.logger.Warnf("undecodable update record", map[string]any{
					"partition": r.Partition,
					"offset":    r.Offset,
					"error":     err,
				})
				return
			}
			s.metrics.RecordFrame()
			putErr = s.ch.Put(ctx, u)
		})
		if putErr != nil {
			return putErr
		}
	}
}

// Close leaves the group and closes the client.
func (s *KafkaSource) Close() {
	s.client.Close()
}

var _ metrics.Sink = (*KafkaSink)(nil)
