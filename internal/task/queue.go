package task

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/yourorg/fswap/internal/config"
	"github.com/yourorg/fswap/internal/vision"
)

// SwapTasksStreamName is the JetStream stream cmd/taskworker consumes
// from, carrying whole task submissions instead of per-frame work.
const SwapTasksStreamName = "SWAPTASKS"

// Request is the task protocol's wire shape:
// {id, subject, target|identity_name|bindings, key_frame_ms?, use_accelerator?}.
// It has no top-level regions list; a region travels only inside a
// binding (BindingRequest.Region).
type Request struct {
	ID             string              `json:"id"`
	SubjectPath    string              `json:"subject"`
	TargetIdentity string              `json:"target,omitempty"`
	IdentityName   string              `json:"identity_name,omitempty"`
	Bindings       []BindingRequest    `json:"bindings,omitempty"`
	KeyFrameMs     int                 `json:"key_frame_ms,omitempty"`
	UseAccelerator bool                `json:"use_accelerator,omitempty"`
}

// BindingRequest is one wire-shaped multi-source binding: an identity
// reference (by stored name or inline reference photo) plus an optional
// region.
type BindingRequest struct {
	FaceSourceID   string      `json:"face_source_id"`
	IdentityName   string      `json:"identity_name,omitempty"`
	ReferenceKey   string      `json:"reference_key,omitempty"`
	Region         *[4]float32 `json:"region,omitempty"`
}

// Response is the JSON shape of a task protocol response:
// {status, progress, eta_seconds, stage, error_code?, output_path?}.
type Response struct {
	Status      Status  `json:"status"`
	Progress    float64 `json:"progress"`
	ETASeconds  float64 `json:"eta_seconds,omitempty"`
	Stage       string  `json:"stage"`
	ErrorCode   string  `json:"error_code,omitempty"`
	OutputPath  string  `json:"output_path,omitempty"`
}

// Queue wraps a NATS JetStream connection around a single SWAPTASKS
// stream of whole task submissions.
type Queue struct {
	nc *nats.Conn
	js jetstream.JetStream
	cfg config.NATSConfig
}

// NewQueue connects to NATS and ensures the SWAPTASKS stream exists,
// retrying on startup with a bounded number of attempts.
func NewQueue(cfg config.NATSConfig) (*Queue, error) {
	nc, err := nats.Connect(cfg.URL,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create jetstream context: %w", err)
	}

	q := &Queue{nc: nc, js: js, cfg: cfg}
	if err := q.ensureStream(context.Background()); err != nil {
		nc.Close()
		return nil, err
	}
	return q, nil
}

func (q *Queue) ensureStream(ctx context.Context) error {
	const maxAttempts = 30
	streamCfg := jetstream.StreamConfig{
		Name:        q.cfg.StreamName,
		Subjects:    []string{q.cfg.StreamName + ".>"},
		Retention:   jetstream.WorkQueuePolicy,
		MaxAge:      24 * time.Hour,
		Storage:     jetstream.FileStorage,
		Description: "Swap task submissions for cmd/taskworker",
	}

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		opCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		_, err := q.js.CreateOrUpdateStream(opCtx, streamCfg)
		cancel()
		if err == nil {
			slog.Info("ensured NATS stream", "name", streamCfg.Name)
			return nil
		}
		if attempt == maxAttempts {
			return fmt.Errorf("create stream %s: %w (after %d attempts)", streamCfg.Name, err, maxAttempts)
		}
		slog.Warn("ensure NATS stream (retrying...)", "name", streamCfg.Name, "attempt", attempt, "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
		}
	}
	return nil
}

// Submit publishes a task request onto the SWAPTASKS stream.
func (q *Queue) Submit(ctx context.Context, req Request) error {
	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal task request: %w", err)
	}
	subject := fmt.Sprintf("%s.%s", q.cfg.StreamName, req.ID)
	if _, err := q.js.Publish(ctx, subject, payload); err != nil {
		return fmt.Errorf("publish task request: %w", err)
	}
	return nil
}

// Handler processes one decoded task request and reports its terminal
// response.
type Handler func(ctx context.Context, req Request) Response

// Consume runs handler over every task request delivered to the
// configured durable consumer, acking on success and nak'ing on error so
// JetStream redelivers, using a fetch-loop-plus-worker-pool shape.
func (q *Queue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	stream, err := q.js.Stream(ctx, q.cfg.StreamName)
	if err != nil {
		return fmt.Errorf("get stream %s: %w", q.cfg.StreamName, err)
	}

	cons, err := stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Name:       q.cfg.ConsumerName,
		Durable:    q.cfg.ConsumerName,
		AckPolicy:  jetstream.AckExplicitPolicy,
		AckWait:    30 * time.Minute, // video swap tasks can run long
		MaxDeliver: 3,
	})
	if err != nil {
		return fmt.Errorf("create consumer %s: %w", q.cfg.ConsumerName, err)
	}

	msgCh := make(chan jetstream.Msg, workerCount*2)

	go func() {
		for {
			select {
			case <-ctx.Done():
				close(msgCh)
				return
			default:
			}

			batch, err := cons.Fetch(workerCount, jetstream.FetchMaxWait(5*time.Second))
			if err != nil {
				if ctx.Err() != nil {
					close(msgCh)
					return
				}
				slog.Warn("fetch swap tasks error", "error", err)
				time.Sleep(time.Second)
				continue
			}
			for msg := range batch.Messages() {
				select {
				case msgCh <- msg:
				case <-ctx.Done():
					close(msgCh)
					return
				}
			}
		}
	}()

	for i := 0; i < workerCount; i++ {
		go func(workerID int) {
			for msg := range msgCh {
				var req Request
				if err := json.Unmarshal(msg.Data(), &req); err != nil {
					slog.Error("decode task request", "worker", workerID, "error", err)
					_ = msg.Term()
					continue
				}
				resp := handler(ctx, req)
				if resp.Status == StatusFailed {
					slog.Error("task failed", "task_id", req.ID, "error_code", resp.ErrorCode)
					_ = msg.Nak()
					continue
				}
				_ = msg.Ack()
			}
		}(i)
	}

	slog.Info("swap task consumer started", "consumer", q.cfg.ConsumerName, "workers", workerCount)
	return nil
}

func (q *Queue) Close() {
	q.nc.Close()
}

// ErrorCode maps a façade error to the task protocol's error_code field.
func ErrorCode(err error) string {
	return vision.Code(err)
}
