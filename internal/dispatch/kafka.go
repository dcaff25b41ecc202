package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/roomscan/internal/codec"
	"github.com/kiranshivaraju/roomscan/internal/config"
	"github.com/segmentio/kafka-go"
	"golang.org/x/sync/errgroup"
)

// Task is the queued message asking a worker to convert one export.
type Task struct {
	ExportID   uuid.UUID `cbor:"export_id"`
	EnqueuedAt time.Time `cbor:"enqueued_at"`
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Kafka publishes CBOR-encoded tasks keyed by export id, so every task for
// one export lands on the same partition.
type Kafka struct {
	writer messageWriter
	now    func() time.Time
}

func NewKafka(cfg config.KafkaConfig) *Kafka {
	return newKafka(&kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		MaxAttempts:            3,
		BatchTimeout:           10 * time.Millisecond,
		AllowAutoTopicCreation: true,
	})
}

func newKafka(w messageWriter) *Kafka {
	return &Kafka{writer: w, now: time.Now}
}

func (k *Kafka) Enqueue(ctx context.Context, exportID uuid.UUID) error {
	value, err := codec.Marshal(Task{ExportID: exportID, EnqueuedAt: k.now().UTC()})
	if err != nil {
		return fmt.Errorf("encoding task: %w", err)
	}
	key := exportID[:]
	if err := k.writer.WriteMessages(ctx, kafka.Message{Key: key, Value: value}); err != nil {
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	return nil
}

func (k *Kafka) Close() error {
	return k.writer.Close()
}

// Consumer reads tasks from the topic and runs them with bounded
// concurrency. Offsets are committed after the task returns, whatever its
// outcome, since the export record carries the result. Commits advance in
// offset order per partition, so delivery is at-least-once.
type Consumer struct {
	reader  messageReader
	backoff time.Duration
	offsets *offsetTracker
	// commitMu keeps commits for one partition from overtaking each other.
	commitMu sync.Mutex
}

func NewConsumer(cfg config.KafkaConfig) *Consumer {
	return newConsumer(kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Brokers,
		Topic:    cfg.Topic,
		GroupID:  cfg.GroupID,
		MinBytes: 1,
		MaxBytes: 10e6, // 10MB
		MaxWait:  time.Second,
	}))
}

func newConsumer(r messageReader) *Consumer {
	return &Consumer{reader: r, backoff: time.Second, offsets: newOffsetTracker()}
}

// Run consumes until ctx is cancelled, then waits for running tasks.
func (c *Consumer) Run(ctx context.Context, process ProcessFunc, concurrency int) error {
	if concurrency < 1 {
		concurrency = 1
	}
	var g errgroup.Group
	g.SetLimit(concurrency)
	defer g.Wait()

	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, io.EOF) {
				return ErrClosed
			}
			slog.Warn("kafka fetch failed", "error", err)
			select {
			case <-time.After(c.backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}

		c.offsets.started(msg)
		g.Go(func() error {
			c.handle(context.WithoutCancel(ctx), msg, process)
			return nil
		})
	}
}

func (c *Consumer) handle(ctx context.Context, msg kafka.Message, process ProcessFunc) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("panic in kafka task", "error", fmt.Sprint(r), "offset", msg.Offset)
		}
		c.commit(ctx, msg)
	}()

	var task Task
	if err := codec.Unmarshal(msg.Value, &task); err != nil || task.ExportID == uuid.Nil {
		slog.Warn("dropping malformed conversion task", "offset", msg.Offset, "error", err)
		return
	}
	slog.Info("conversion task received", "export_id", task.ExportID,
		"queued_for", time.Since(task.EnqueuedAt).Round(time.Millisecond).String())
	if err := process(ctx, task.ExportID); err != nil {
		slog.Warn("conversion task failed", "export_id", task.ExportID, "error", err)
	}
}

func (c *Consumer) commit(ctx context.Context, msg kafka.Message) {
	c.commitMu.Lock()
	defer c.commitMu.Unlock()
	upTo, ok := c.offsets.finished(msg)
	if !ok {
		return
	}
	if err := c.reader.CommitMessages(ctx, upTo); err != nil {
		slog.Warn("kafka commit failed", "partition", upTo.Partition, "offset", upTo.Offset, "error", err)
	}
}

func (c *Consumer) Close() error {
	return c.reader.Close()
}

var _ Dispatcher = (*Kafka)(nil)
