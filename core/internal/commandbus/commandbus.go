// Package commandbus applies fault-injection commands that arrive on Kafka
// the same way the HTTP admin endpoints do.
package commandbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"train-tracking-sim/core/internal/engine"
	"train-tracking-sim/shared/events"
	"train-tracking-sim/shared/logx"
	"train-tracking-sim/shared/metricsx"
)

const (
	KindCancelDelay = "CANCEL_DELAY"
	KindReset       = "RESET"
)

// Reader is satisfied by *kafka.Reader.
type Reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Stats() kafka.ReaderStats
}

// Commands is the part of engine.Scheduler the bus drives.
type Commands interface {
	Inject(ctx context.Context, cmd engine.InjectCommand) (engine.Result, error)
	CancelDelay(ctx context.Context, trainID string) (engine.Result, error)
	Reset(ctx context.Context) (engine.Result, error)
}

type Consumer struct {
	Reader  Reader
	Sim     Commands
	Topic   string
	GroupID string
	Logger  logx.Logger

	// Backoff after a failed fetch.
	Backoff time.Duration
}

// Run consumes until ctx is cancelled. Messages the simulation rejects are
// committed and logged; they would fail the same way on redelivery. Only a
// stopped simulation leaves a message uncommitted.
func (c Consumer) Run(ctx context.Context) error {
	backoff := c.Backoff
	if backoff <= 0 {
		backoff = 500 * time.Millisecond
	}
	c.Logger.Info(ctx, "consumer_start", "command consumer started",
		slog.String("topic", c.Topic),
		slog.String("group", c.GroupID),
	)
	for {
		msg, err := c.Reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				break
			}
			c.Logger.Error(ctx, "kafka_fetch_failed", "failed to fetch message",
				slog.String("error_code", "INTERNAL_ERROR"),
				slog.String("error", err.Error()),
			)
			select {
			case <-ctx.Done():
			case <-time.After(backoff):
			}
			continue
		}

		spanCtx, span := otel.Tracer("mqx").Start(ctx, "kafka.consume")
		span.SetAttributes(
			attribute.String("messaging.system", "kafka"),
			attribute.String("messaging.destination", c.Topic),
		)
		res, err := c.handle(spanCtx, msg.Value)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()

		switch {
		case errors.Is(err, engine.ErrStopped), errors.Is(err, context.Canceled):
			c.Logger.Warn(ctx, "command_deferred", "simulation unavailable, message left uncommitted",
				slog.Int64("offset", msg.Offset),
			)
			return err
		case err != nil:
			c.Logger.Warn(ctx, "command_rejected", "command rejected",
				slog.String("error_code", "INVALID_ARGUMENT"),
				slog.String("error", err.Error()),
				slog.Int64("offset", msg.Offset),
			)
		default:
			c.Logger.Info(ctx, "command_consumed", res.Message,
				slog.Bool("success", res.Success),
				slog.Int64("offset", msg.Offset),
			)
		}

		if err := c.Reader.CommitMessages(ctx, msg); err != nil {
			c.Logger.Error(ctx, "kafka_commit_failed", "failed to commit message",
				slog.String("error_code", "INTERNAL_ERROR"),
				slog.String("error", err.Error()),
			)
		}
		stats := c.Reader.Stats()
		metricsx.SetKafkaLag(stats.Topic, c.GroupID, stats.Lag)
	}
	c.Logger.Info(context.Background(), "consumer_stop", "command consumer stopped")
	return nil
}

func (c Consumer) handle(ctx context.Context, payload []byte) (engine.Result, error) {
	cmd, err := Decode(payload)
	if err != nil {
		return engine.Result{}, err
	}
	switch strings.ToUpper(strings.TrimSpace(cmd.Kind)) {
	case KindCancelDelay:
		return c.Sim.CancelDelay(ctx, strings.TrimSpace(cmd.TargetID))
	case KindReset:
		return c.Sim.Reset(ctx)
	default:
		return c.Sim.Inject(ctx, engine.InjectCommand{
			Kind:     cmd.Kind,
			TargetID: strings.TrimSpace(cmd.TargetID),
			Value:    cmd.Value,
			Message:  strings.TrimSpace(cmd.Message),
		})
	}
}

// Decode accepts a bare command or one wrapped in an event envelope.
func Decode(payload []byte) (events.Command, error) {
	var probe struct {
		EventType string          `json:"event_type"`
		Payload   json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(payload, &probe); err != nil {
		return events.Command{}, fmt.Errorf("%w: malformed command: %v", engine.ErrInvalidCommand, err)
	}
	if len(probe.Payload) > 0 {
		payload = probe.Payload
	}
	var cmd events.Command
	if err := json.Unmarshal(payload, &cmd); err != nil {
		return events.Command{}, fmt.Errorf("%w: malformed command: %v", engine.ErrInvalidCommand, err)
	}
	if strings.TrimSpace(cmd.Kind) == "" {
		return events.Command{}, fmt.Errorf("%w: kind is required", engine.ErrInvalidCommand)
	}
	return cmd, nil
}
