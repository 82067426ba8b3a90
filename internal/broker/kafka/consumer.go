package kafka

import (
	"context"
	"net"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/segmentio/kafka-go"
)

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// offsetResolver returns the log end offset of every partition of a topic.
type offsetResolver interface {
	LastOffsets(ctx context.Context, topic string) (map[int]int64, error)
}

type Consumer struct {
	r messageReader
	// без группы офсеты не коммитятся: каждый экземпляр читает хвост топика сам
	commit bool

	// fan-out: по reader'у на партицию, старт с офсетов, снятых в Pin
	topic     string
	offsets   offsetResolver
	newReader func(partition int, offset int64) (messageReader, error)

	mu      sync.Mutex
	readers []messageReader
	closed  bool
}

// NewConsumer with an empty groupID reads the topic from its tail, so every
// process instance sees every message (fan-out for live views). The tail is
// fixed by Pin, or by the first Consume if Pin was not called.
func NewConsumer(brokers []string, topic, groupID string) *Consumer {
	if groupID != "" {
		return &Consumer{
			r: kafka.NewReader(kafka.ReaderConfig{
				Brokers:           brokers,
				GroupID:           groupID,
				GroupTopics:       []string{topic},
				HeartbeatInterval: 3 * time.Second,
				SessionTimeout:    30 * time.Second,
			}),
			commit: true,
		}
	}
	return &Consumer{
		topic:   topic,
		offsets: brokerOffsets{brokers: brokers},
		newReader: func(partition int, offset int64) (messageReader, error) {
			r := kafka.NewReader(kafka.ReaderConfig{
				Brokers:   brokers,
				Topic:     topic,
				Partition: partition,
			})
			if err := r.SetOffset(offset); err != nil {
				_ = r.Close()
				return nil, errors.Wrapf(err, "set offset %d on partition %d", offset, partition)
			}
			return r, nil
		},
	}
}

func newConsumerWithReader(r messageReader) *Consumer {
	return &Consumer{r: r, commit: true}
}

func (c *Consumer) fanOut() bool {
	return c.offsets != nil
}

// Pin fixes the current end of every partition: whatever is produced after
// Pin returns will be delivered by Consume. Repeated calls are no-ops. Group
// consumers resume from committed offsets and ignore Pin.
func (c *Consumer) Pin(ctx context.Context) error {
	if !c.fanOut() {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("consumer closed")
	}
	if c.readers != nil {
		return nil
	}

	last, err := c.offsets.LastOffsets(ctx, c.topic)
	if err != nil {
		return errors.Wrapf(err, "resolve offsets of %s", c.topic)
	}
	if len(last) == 0 {
		return errors.Errorf("topic %s has no partitions", c.topic)
	}
	parts := make([]int, 0, len(last))
	for p := range last {
		parts = append(parts, p)
	}
	sort.Ints(parts)

	readers := make([]messageReader, 0, len(parts))
	for _, p := range parts {
		r, err := c.newReader(p, last[p])
		if err != nil {
			for _, open := range readers {
				_ = open.Close()
			}
			return err
		}
		readers = append(readers, r)
	}
	c.readers = readers
	return nil
}

func (c *Consumer) Close() error {
	if !c.fanOut() {
		return c.r.Close()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	var first error
	for _, r := range c.readers {
		if err := r.Close(); err != nil && first == nil {
			first = err
		}
	}
	c.readers = nil
	return first
}

func (c *Consumer) Consume(ctx context.Context, handler func(key, value []byte) error) error {
	if !c.fanOut() {
		return consumeReader(ctx, c.r, c.commit, handler)
	}
	if err := c.Pin(ctx); err != nil {
		return err
	}
	c.mu.Lock()
	readers := c.readers
	c.mu.Unlock()
	if len(readers) == 1 {
		return consumeReader(ctx, readers[0], false, handler)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// обработчик вызывается по одному, как и с одним reader'ом
	var hmu sync.Mutex
	serial := func(key, value []byte) error {
		hmu.Lock()
		defer hmu.Unlock()
		return handler(key, value)
	}

	errs := make(chan error, len(readers))
	for _, r := range readers {
		go func() {
			errs <- consumeReader(ctx, r, false, serial)
		}()
	}
	err := <-errs
	cancel()
	for i := 1; i < len(readers); i++ {
		<-errs
	}
	return err
}

func consumeReader(ctx context.Context, r messageReader, commit bool, handler func(key, value []byte) error) error {
	for {
		msg, err := r.FetchMessage(ctx)
		if err != nil {
			return errors.Wrap(err, "fetch message")
		}
		if err := handler(msg.Key, msg.Value); err != nil {
			// commit только при успехе, иначе потеряем сообщение
			return err
		}
		if !commit {
			continue
		}
		if err := r.CommitMessages(ctx, msg); err != nil {
			return errors.Wrap(err, "commit message")
		}
	}
}

type brokerOffsets struct {
	brokers []string
}

func (b brokerOffsets) LastOffsets(ctx context.Context, topic string) (map[int]int64, error) {
	var lastErr error
	for _, addr := range b.brokers {
		out, err := lastOffsetsVia(ctx, addr, topic)
		if err == nil {
			return out, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = errors.New("no brokers configured")
	}
	return nil, lastErr
}

func lastOffsetsVia(ctx context.Context, addr, topic string) (map[int]int64, error) {
	conn, err := kafka.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", addr)
	}
	defer conn.Close()

	parts, err := conn.ReadPartitions(topic)
	if errors.Is(err, kafka.UnknownTopicOrPartition) {
		// топика ещё нет, его создаст первый Publish: читаем с начала
		return map[int]int64{0: kafka.FirstOffset}, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "read partitions of %s", topic)
	}

	out := make(map[int]int64, len(parts))
	for _, p := range parts {
		leader := net.JoinHostPort(p.Leader.Host, strconv.Itoa(p.Leader.Port))
		pc, err := kafka.DialLeader(ctx, "tcp", leader, topic, p.ID)
		if err != nil {
			return nil, errors.Wrapf(err, "dial leader of partition %d", p.ID)
		}
		last, err := pc.ReadLastOffset()
		_ = pc.Close()
		if err != nil {
			return nil, errors.Wrapf(err, "last offset of partition %d", p.ID)
		}
		out[p.ID] = last
	}
	return out, nil
}
