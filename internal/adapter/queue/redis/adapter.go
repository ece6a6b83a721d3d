// Package redis provides the Redis-backed queue client adapter: a blocking
// list queue, a streams consumer group, and a pub/sub control channel, all
// over a single client.
package redis

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	goredis "github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/soundsidecar/internal/domain"
)

// Adapter implements domain.JobQueue, domain.StreamQueue, domain.ControlBus,
// and domain.HeartbeatWriter over a single go-redis client.
type Adapter struct {
	client *goredis.Client
}

var (
	vldOnce sync.Once
	vld     *validator.Validate
)

func getValidator() *validator.Validate {
	vldOnce.Do(func() { vld = validator.New() })
	return vld
}

// New constructs an Adapter from a redis:// connection string.
func New(redisURL string) (*Adapter, error) {
	opt, err := goredis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("op=redis.New: parse url: %w", err)
	}
	return &Adapter{client: goredis.NewClient(opt)}, nil
}

// NewFromClient wraps an existing client (used by tests against miniredis).
func NewFromClient(client *goredis.Client) *Adapter {
	return &Adapter{client: client}
}

// Close releases the underlying connection pool.
func (a *Adapter) Close() error {
	return a.client.Close()
}

// Push fire-and-forgets a job payload onto the named list queue.
func (a *Adapter) Push(ctx domain.Context, queue string, j domain.Job) error {
	b, err := json.Marshal(j)
	if err != nil {
		return fmt.Errorf("op=redis.Push: marshal: %w", err)
	}
	if err := a.client.LPush(ctx, queue, b).Err(); err != nil {
		return fmt.Errorf("op=redis.Push: lpush %s: %w", queue, err)
	}
	return nil
}

// BlockingPop blocks up to timeout for one job. ok is false on timeout.
func (a *Adapter) BlockingPop(ctx domain.Context, queue string, timeout time.Duration) (domain.Job, bool, error) {
	res, err := a.client.BRPop(ctx, timeout, queue).Result()
	if errors.Is(err, goredis.Nil) {
		return domain.Job{}, false, nil
	}
	if err != nil {
		return domain.Job{}, false, fmt.Errorf("op=redis.BlockingPop: brpop %s: %w", queue, err)
	}
	// res is [queueName, payload].
	if len(res) != 2 {
		return domain.Job{}, false, fmt.Errorf("op=redis.BlockingPop: unexpected brpop reply shape")
	}
	var j domain.Job
	if err := json.Unmarshal([]byte(res[1]), &j); err != nil {
		slog.Warn("dropping malformed job payload", slog.String("queue", queue), slog.String("payload", res[1]), slog.Any("error", err))
		return domain.Job{}, false, nil
	}
	if err := getValidator().Struct(j); err != nil {
		slog.Warn("dropping invalid job payload", slog.String("queue", queue), slog.String("payload", res[1]), slog.Any("error", err))
		return domain.Job{}, false, nil
	}
	return j, true, nil
}

// DrainNonBlocking pops up to max additional jobs without waiting, used to
// assemble a batch after the first blocking hit. Malformed entries are
// dropped and logged, not returned as an error.
func (a *Adapter) DrainNonBlocking(ctx domain.Context, queue string, max int) ([]domain.Job, error) {
	jobs := make([]domain.Job, 0, max)
	for i := 0; i < max; i++ {
		raw, err := a.client.RPop(ctx, queue).Result()
		if errors.Is(err, goredis.Nil) {
			break
		}
		if err != nil {
			return jobs, fmt.Errorf("op=redis.DrainNonBlocking: rpop %s: %w", queue, err)
		}
		var j domain.Job
		if err := json.Unmarshal([]byte(raw), &j); err != nil {
			slog.Warn("dropping malformed job payload", slog.String("queue", queue), slog.Any("error", err))
			continue
		}
		if err := getValidator().Struct(j); err != nil {
			slog.Warn("dropping invalid job payload", slog.String("queue", queue), slog.Any("error", err))
			continue
		}
		jobs = append(jobs, j)
	}
	return jobs, nil
}

// Heartbeat writes the current timestamp (unix millis) to key, following
// the "<prefix>:worker:heartbeat" convention.
func (a *Adapter) Heartbeat(ctx domain.Context, key string, at time.Time) error {
	if err := a.client.Set(ctx, key, at.UnixMilli(), 0).Err(); err != nil {
		return fmt.Errorf("op=redis.Heartbeat: set %s: %w", key, err)
	}
	return nil
}

// EnsureGroup creates the consumer group with MKSTREAM semantics, tolerating
// a "BUSYGROUP" (already exists) error.
func (a *Adapter) EnsureGroup(ctx domain.Context, stream, group string) error {
	err := a.client.XGroupCreateMkStream(ctx, stream, group, "$").Err()
	if err != nil && !isBusyGroup(err) {
		return fmt.Errorf("op=redis.EnsureGroup: xgroup create %s/%s: %w", stream, group, err)
	}
	return nil
}

func isBusyGroup(err error) bool {
	return strings.Contains(strings.ToUpper(err.Error()), "BUSYGROUP")
}

func isNoGroup(err error) bool {
	msg := strings.ToUpper(err.Error())
	return strings.Contains(msg, "NOGROUP")
}

// ReadOne reads a single new entry for consumer with a block timeout.
func (a *Adapter) ReadOne(ctx domain.Context, stream, group, consumer string, block time.Duration) (domain.StreamEntry, bool, error) {
	res, err := a.client.XReadGroup(ctx, &goredis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{stream, ">"},
		Count:    1,
		Block:    block,
	}).Result()
	if errors.Is(err, goredis.Nil) {
		return domain.StreamEntry{}, false, nil
	}
	if err != nil {
		if isNoGroup(err) {
			if gerr := a.EnsureGroup(ctx, stream, group); gerr != nil {
				return domain.StreamEntry{}, false, fmt.Errorf("op=redis.ReadOne: recreate group: %w", gerr)
			}
			return domain.StreamEntry{}, false, nil
		}
		return domain.StreamEntry{}, false, fmt.Errorf("op=redis.ReadOne: xreadgroup %s/%s: %w", stream, group, err)
	}
	for _, s := range res {
		for _, msg := range s.Messages {
			return toStreamEntry(msg), true, nil
		}
	}
	return domain.StreamEntry{}, false, nil
}

// AutoClaim reclaims up to count entries idle for at least minIdle,
// recovering work left behind by a crashed consumer.
func (a *Adapter) AutoClaim(ctx domain.Context, stream, group, consumer string, minIdle time.Duration, count int64) ([]domain.StreamEntry, error) {
	msgs, _, err := a.client.XAutoClaim(ctx, &goredis.XAutoClaimArgs{
		Stream:   stream,
		Group:    group,
		Consumer: consumer,
		MinIdle:  minIdle,
		Start:    "0-0",
		Count:    count,
	}).Result()
	if err != nil {
		if isNoGroup(err) {
			if gerr := a.EnsureGroup(ctx, stream, group); gerr != nil {
				return nil, fmt.Errorf("op=redis.AutoClaim: recreate group: %w", gerr)
			}
			return nil, nil
		}
		return nil, fmt.Errorf("op=redis.AutoClaim: xautoclaim %s/%s: %w", stream, group, err)
	}
	entries := make([]domain.StreamEntry, 0, len(msgs))
	for _, m := range msgs {
		entries = append(entries, toStreamEntry(m))
	}
	return entries, nil
}

// AckWithResponse pipelines a response list push + TTL expire + stream ack as
// a single round trip. If the group has vanished server-side (the consumer
// group was reset), the response is still written (unblocking the original
// caller) and the entry is left unacked.
func (a *Adapter) AckWithResponse(ctx domain.Context, stream, group, entryID, responseKey string, payload []byte, ttl time.Duration) error {
	pipe := a.client.TxPipeline()
	pipe.LPush(ctx, responseKey, payload)
	pipe.Expire(ctx, responseKey, ttl)
	pipe.XAck(ctx, stream, group, entryID)
	_, err := pipe.Exec(ctx)
	if err == nil {
		return nil
	}
	if !isNoGroup(err) {
		return fmt.Errorf("op=redis.AckWithResponse: pipeline %s/%s: %w", stream, group, err)
	}

	slog.Warn("consumer group missing on ack, recreating and publishing response without ack",
		slog.String("stream", stream), slog.String("group", group), slog.String("entry", entryID))
	if gerr := a.EnsureGroup(ctx, stream, group); gerr != nil {
		return fmt.Errorf("op=redis.AckWithResponse: recreate group: %w", gerr)
	}
	respPipe := a.client.TxPipeline()
	respPipe.LPush(ctx, responseKey, payload)
	respPipe.Expire(ctx, responseKey, ttl)
	if _, perr := respPipe.Exec(ctx); perr != nil {
		return fmt.Errorf("op=redis.AckWithResponse: publish response after group reset: %w", perr)
	}
	return nil
}

// Ack acknowledges entries with no corresponding response (malformed entries).
func (a *Adapter) Ack(ctx domain.Context, stream, group string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := a.client.XAck(ctx, stream, group, ids...).Err(); err != nil {
		if isNoGroup(err) {
			return nil
		}
		return fmt.Errorf("op=redis.Ack: xack %s/%s: %w", stream, group, err)
	}
	return nil
}

// Subscribe opens a pub/sub subscription and returns a channel of raw
// message payloads plus a closer. The channel closes when ctx is done or the
// subscription is closed.
func (a *Adapter) Subscribe(ctx domain.Context, channel string) (<-chan string, func() error, error) {
	sub := a.client.Subscribe(ctx, channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, nil, fmt.Errorf("op=redis.Subscribe: subscribe %s: %w", channel, err)
	}
	out := make(chan string)
	raw := sub.Channel()
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-raw:
				if !ok {
					return
				}
				select {
				case out <- msg.Payload:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, sub.Close, nil
}

// Publish sends a plain-string or JSON control message. Exposed for test
// harnesses and admin tooling that needs to drive the control plane directly.
func (a *Adapter) Publish(ctx domain.Context, channel, message string) error {
	if err := a.client.Publish(ctx, channel, message).Err(); err != nil {
		return fmt.Errorf("op=redis.Publish: publish %s: %w", channel, err)
	}
	return nil
}

func toStreamEntry(msg goredis.XMessage) domain.StreamEntry {
	values := make(map[string]string, len(msg.Values))
	for k, v := range msg.Values {
		if s, ok := v.(string); ok {
			values[k] = s
		} else {
			values[k] = fmt.Sprintf("%v", v)
		}
	}
	return domain.StreamEntry{ID: msg.ID, Values: values}
}
