package broker

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"strconv"
	"sync"
	"time"

	"ordersaga/internal/saga"

	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes events keyed by order id, so one order's events stay
// on one partition.
type KafkaPublisher struct {
	writer messageWriter
}

func NewKafkaPublisher(brokers []string) *KafkaPublisher {
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Balancer:               &kafka.Hash{},
			RequiredAcks:           kafka.RequireAll,
			AllowAutoTopicCreation: true,
		},
	}
}

func (p *KafkaPublisher) Publish(ctx context.Context, topic saga.Topic, event saga.Event) error {
	data, err := Encode(event)
	if err != nil {
		return err
	}
	return p.writer.WriteMessages(ctx, kafka.Message{
		Topic: string(topic),
		Key:   []byte(event.OrderID),
		Value: data,
	})
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// Handler failures are retried until they succeed or the subscription ends.
const (
	handlerRetryBase = 100 * time.Millisecond
	handlerRetryMax  = 10 * time.Second
)

// KafkaSubscriber consumes topics as one consumer group. A message is
// committed only after its handler succeeds and every earlier message on its
// partition has been committed.
type KafkaSubscriber struct {
	brokers     []string
	groupID     string
	concurrency int
	log         logrus.FieldLogger
	retry       RetryPolicy
	newReader   func(topic saga.Topic) messageReader
}

func NewKafkaSubscriber(brokers []string, groupID string, concurrency int, log logrus.FieldLogger) *KafkaSubscriber {
	if concurrency < 1 {
		concurrency = 1
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	s := &KafkaSubscriber{
		brokers:     brokers,
		groupID:     groupID,
		concurrency: concurrency,
		log:         log,
		retry: RetryPolicy{
			MaxAttempts: math.MaxInt,
			BaseDelay:   handlerRetryBase,
			MaxDelay:    handlerRetryMax,
			ShouldRetry: func(err error) bool {
				return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
			},
		},
	}
	s.newReader = func(topic saga.Topic) messageReader {
		return kafka.NewReader(kafka.ReaderConfig{
			Brokers:  s.brokers,
			GroupID:  s.groupID,
			Topic:    string(topic),
			MinBytes: 1,
			MaxBytes: 10e6,
		})
	}
	return s
}

// Subscribe blocks until ctx ends or the reader fails. In-flight handlers
// are drained before it returns.
func (s *KafkaSubscriber) Subscribe(ctx context.Context, topic saga.Topic, handle Handler) error {
	reader := s.newReader(topic)
	defer reader.Close()

	log := s.log.WithField("topic", topic)
	offsets := newOffsetTracker()
	sem := make(chan struct{}, s.concurrency)
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		msg, err := reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("fetch %s: %w", topic, err)
		}

		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			return nil
		}
		tracked := offsets.track(msg)
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()

			if !s.process(ctx, tracked.msg, handle, log) {
				return
			}
			offsets.complete(tracked, func(msgs []kafka.Message) {
				if err := reader.CommitMessages(ctx, msgs...); err != nil && !errors.Is(err, context.Canceled) {
					log.WithError(err).WithField("offset", msgs[len(msgs)-1].Offset).Warn("commit failed")
				}
			})
		}()
	}
}

// process reports whether msg may be committed. Handler failures are retried
// with backoff, so false means ctx ended first.
func (s *KafkaSubscriber) process(ctx context.Context, msg kafka.Message, handle Handler, log logrus.FieldLogger) bool {
	event, err := Decode(msg.Value)
	if err != nil {
		// Undecodable messages can never succeed; commit past them.
		log.WithError(err).WithField("offset", msg.Offset).Error("discarding malformed event")
		return true
	}

	attempt := 0
	err = s.retry.Do(ctx, func() error {
		attempt++
		err := handle(ctx, event)
		if err != nil {
			log.WithError(err).WithFields(logrus.Fields{
				"event_id": event.ID,
				"offset":   msg.Offset,
				"attempt":  attempt,
			}).Error("handle event failed, retrying")
		}
		return err
	})
	if err != nil {
		log.WithError(err).WithField("event_id", event.ID).Warn("subscription ended before event was handled, leaving uncommitted")
		return false
	}
	return true
}

type trackedMessage struct {
	msg  kafka.Message
	done bool
}

// offsetTracker releases a partition's messages for commit in fetch order.
// A handled message waits behind any earlier one still in flight.
type offsetTracker struct {
	mu      sync.Mutex
	pending map[int][]*trackedMessage
}

func newOffsetTracker() *offsetTracker {
	return &offsetTracker{pending: make(map[int][]*trackedMessage)}
}

func (t *offsetTracker) track(msg kafka.Message) *trackedMessage {
	t.mu.Lock()
	defer t.mu.Unlock()
	m := &trackedMessage{msg: msg}
	t.pending[msg.Partition] = append(t.pending[msg.Partition], m)
	return m
}

// complete marks m handled and passes the handled prefix of its partition to
// commit. commit runs under the tracker lock so offsets never go backwards.
func (t *offsetTracker) complete(m *trackedMessage, commit func([]kafka.Message)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	m.done = true

	queue := t.pending[m.msg.Partition]
	n := 0
	for n < len(queue) && queue[n].done {
		n++
	}
	if n == 0 {
		return
	}
	ready := make([]kafka.Message, n)
	for i := range ready {
		ready[i] = queue[i].msg
	}
	t.pending[m.msg.Partition] = queue[n:]
	commit(ready)
}

// EnsureTopics creates any missing saga topics through the cluster controller.
func EnsureTopics(ctx context.Context, brokers []string, partitions, replication int, topics ...saga.Topic) error {
	if len(brokers) == 0 {
		return errors.New("KAFKA_BROKERS is not set")
	}
	conn, err := kafka.DialContext(ctx, "tcp", brokers[0])
	if err != nil {
		return err
	}
	defer conn.Close()

	controller, err := conn.Controller()
	if err != nil {
		return err
	}
	controllerConn, err := kafka.DialContext(ctx, "tcp", net.JoinHostPort(controller.Host, strconv.Itoa(controller.Port)))
	if err != nil {
		return err
	}
	defer controllerConn.Close()

	configs := make([]kafka.TopicConfig, 0, len(topics))
	for _, topic := range topics {
		configs = append(configs, kafka.TopicConfig{
			Topic:             string(topic),
			NumPartitions:     partitions,
			ReplicationFactor: replication,
		})
	}
	return controllerConn.CreateTopics(configs...)
}
