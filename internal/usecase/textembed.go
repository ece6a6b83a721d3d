package usecase

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/fairyhunter13/soundsidecar/internal/domain"
)

// TextEmbedResponderDeps are the collaborators the text-embed responder needs.
type TextEmbedResponderDeps struct {
	Streams         domain.StreamQueue
	Model           domain.ModelHandle
	Stream          string
	Group           string
	ConsumerPrefix  string
	ClaimIdle       time.Duration
	ClaimBatch      int64
	AutoClaimPeriod time.Duration
	ResponseTTL     time.Duration
	ResponsePrefix  string
}

// TextEmbedResponder answers text-embedding requests delivered over a Redis
// Streams consumer group, publishing each response to a per-request list
// key before acking the entry.
type TextEmbedResponder struct {
	d        TextEmbedResponderDeps
	consumer string
}

// NewTextEmbedResponder constructs a TextEmbedResponder with a process-unique
// consumer name (`prefix-pid-uuid`).
func NewTextEmbedResponder(d TextEmbedResponderDeps) *TextEmbedResponder {
	if d.ClaimBatch <= 0 {
		d.ClaimBatch = 16
	}
	if d.AutoClaimPeriod <= 0 {
		d.AutoClaimPeriod = 5 * time.Second
	}
	return &TextEmbedResponder{d: d, consumer: consumerName(d.ConsumerPrefix)}
}

func consumerName(prefix string) string {
	return fmt.Sprintf("%s-%d-%s", prefix, os.Getpid(), uuid.NewString())
}

// Run loops until ctx is canceled: ensures the consumer group exists, then
// alternates auto-claiming stale entries and reading new ones.
func (r *TextEmbedResponder) Run(ctx context.Context) {
	if err := r.d.Streams.EnsureGroup(ctx, r.d.Stream, r.d.Group); err != nil {
		slog.Error("text embed responder failed to create consumer group", slog.Any("error", err))
	}
	slog.Info("text embed responder ready",
		slog.String("stream", r.d.Stream), slog.String("group", r.d.Group), slog.String("consumer", r.consumer))

	lastClaim := time.Time{}
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if time.Since(lastClaim) >= r.d.AutoClaimPeriod {
			r.claimStale(ctx)
			lastClaim = time.Now()
		}

		entry, ok, err := r.d.Streams.ReadOne(ctx, r.d.Stream, r.d.Group, r.consumer, time.Second)
		if err != nil {
			slog.Error("text embed responder read error", slog.Any("error", err))
			sleep(ctx, time.Second)
			continue
		}
		if !ok {
			continue
		}
		r.handle(ctx, entry)
	}
}

func (r *TextEmbedResponder) claimStale(ctx context.Context) {
	entries, err := r.d.Streams.AutoClaim(ctx, r.d.Stream, r.d.Group, r.consumer, r.d.ClaimIdle, r.d.ClaimBatch)
	if err != nil {
		slog.Error("text embed responder auto-claim failed", slog.Any("error", err))
		return
	}
	if len(entries) > 0 {
		slog.Info("claimed stale text embed requests", slog.Int("count", len(entries)))
	}
	for _, e := range entries {
		r.handle(ctx, e)
	}
}

func (r *TextEmbedResponder) handle(ctx context.Context, entry domain.StreamEntry) {
	req := domain.TextEmbedRequest{
		RequestID:   entry.Values["requestId"],
		Text:        entry.Values["text"],
		ResponseKey: entry.Values["responseKey"],
	}
	if err := getValidator().Struct(req); err != nil {
		slog.Warn("text embed request failed validation, dropping", slog.String("entry_id", entry.ID), slog.Any("error", err))
		if err := r.d.Streams.Ack(ctx, r.d.Stream, r.d.Group, entry.ID); err != nil {
			slog.Error("text embed responder failed to ack malformed entry", slog.Any("error", err))
		}
		return
	}

	responseKey := req.ResponseKey
	if responseKey == "" {
		responseKey = r.d.ResponsePrefix + req.RequestID
	}

	resp := r.encode(ctx, req.RequestID, req.Text)
	r.publish(ctx, entry.ID, responseKey, resp)
}

var (
	vldOnce sync.Once
	vld     *validator.Validate
)

func getValidator() *validator.Validate {
	vldOnce.Do(func() { vld = validator.New() })
	return vld
}

func (r *TextEmbedResponder) encode(ctx context.Context, requestID, text string) domain.TextEmbedResponse {
	modelVersion := r.d.Model.ModelVersion()
	vec, err := r.d.Model.EncodeText(ctx, text)
	if err != nil {
		slog.Error("text embed responder failed to encode text", slog.String("request_id", requestID), slog.Any("error", err))
		return domain.TextEmbedResponse{
			RequestID:    requestID,
			Success:      false,
			ModelVersion: modelVersion,
			Error:        err.Error(),
		}
	}
	return domain.TextEmbedResponse{
		RequestID:    requestID,
		Success:      true,
		Embedding:    vec[:],
		ModelVersion: modelVersion,
	}
}

func (r *TextEmbedResponder) publish(ctx context.Context, entryID, responseKey string, resp domain.TextEmbedResponse) {
	payload, err := json.Marshal(resp)
	if err != nil {
		slog.Error("text embed responder failed to marshal response", slog.String("request_id", resp.RequestID), slog.Any("error", err))
		return
	}
	if err := r.d.Streams.AckWithResponse(ctx, r.d.Stream, r.d.Group, entryID, responseKey, payload, r.d.ResponseTTL); err != nil {
		slog.Error("text embed responder failed to publish response", slog.String("request_id", resp.RequestID), slog.Any("error", err))
		return
	}
	slog.Info("text embed response sent", slog.String("request_id", resp.RequestID))
}
