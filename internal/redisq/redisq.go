// Package redisq wraps the Redis surfaces the system uses: TTL'd JSON
// caches for conversations and summaries, the list-backed summary work
// queue with its poison sibling, and the two pub/sub notification
// channels.
package redisq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/strandlabs/lifestrand/internal/fault"
)

// Key namespaces and channels.
const (
	conversationKeyPrefix = "conversation:"
	summaryKeyPrefix      = "summary:"
	summaryErrorKeyPrefix = "summary_error:"

	SummaryQueueKey   = "summary_queue"
	PoisonMessagesKey = "poison_messages"

	SummaryChannel      = "summary_notifications"
	ModelServiceChannel = "model_service_notifications"
)

// Retention windows.
const (
	ConversationTTL = 24 * time.Hour
	SummaryTTL      = 7 * 24 * time.Hour
	SummaryErrorTTL = 3 * 24 * time.Hour
)

// Client is the shared Redis handle.
type Client struct {
	rdb redis.UniversalClient
}

// Dial parses a redis:// URL, connects, and verifies the connection.
func Dial(ctx context.Context, url string) (*Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redisq: parse url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redisq: ping: %w", err)
	}
	return &Client{rdb: rdb}, nil
}

// NewWith wraps an existing client, mainly for tests.
func NewWith(rdb redis.UniversalClient) *Client {
	return &Client{rdb: rdb}
}

func (c *Client) Close() error { return c.rdb.Close() }

// Ping reports connection health.
func (c *Client) Ping(ctx context.Context) error {
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return fault.Wrap(fault.ServiceUnavailable, err, "redisq: ping")
	}
	return nil
}

// ──────────────────────────────────────────────────────────────────────────
// JSON caches
// ──────────────────────────────────────────────────────────────────────────

// setJSON marshals v and writes it under key with the given TTL.
func (c *Client) setJSON(ctx context.Context, key string, v any, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("redisq: marshal %s: %w", key, err)
	}
	if err := c.rdb.Set(ctx, key, data, ttl).Err(); err != nil {
		return fault.Wrap(fault.ServiceUnavailable, err, "redisq: set %s", key)
	}
	return nil
}

// getJSON reads key into out. fault.NotFound when the key is absent or
// expired.
func (c *Client) getJSON(ctx context.Context, key string, out any) error {
	data, err := c.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return fault.New(fault.NotFound, "redisq: %s not found", key)
	}
	if err != nil {
		return fault.Wrap(fault.ServiceUnavailable, err, "redisq: get %s", key)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("redisq: unmarshal %s: %w", key, err)
	}
	return nil
}

// SetConversation caches a conversation snapshot for 24 hours.
func (c *Client) SetConversation(ctx context.Context, id string, v any) error {
	return c.setJSON(ctx, conversationKeyPrefix+id, v, ConversationTTL)
}

// GetConversation loads a cached conversation snapshot.
func (c *Client) GetConversation(ctx context.Context, id string, out any) error {
	return c.getJSON(ctx, conversationKeyPrefix+id, out)
}

// DeleteConversation drops a cached conversation snapshot.
func (c *Client) DeleteConversation(ctx context.Context, id string) error {
	if err := c.rdb.Del(ctx, conversationKeyPrefix+id).Err(); err != nil {
		return fault.Wrap(fault.ServiceUnavailable, err, "redisq: del conversation")
	}
	return nil
}

// SetSummary stores a finished summary for 7 days.
func (c *Client) SetSummary(ctx context.Context, id string, v any) error {
	return c.setJSON(ctx, summaryKeyPrefix+id, v, SummaryTTL)
}

// GetSummary loads a stored summary.
func (c *Client) GetSummary(ctx context.Context, id string, out any) error {
	return c.getJSON(ctx, summaryKeyPrefix+id, out)
}

// SetSummaryError records a terminal summarisation failure for 3 days.
func (c *Client) SetSummaryError(ctx context.Context, id string, v any) error {
	return c.setJSON(ctx, summaryErrorKeyPrefix+id, v, SummaryErrorTTL)
}

// GetSummaryError loads a recorded summarisation failure.
func (c *Client) GetSummaryError(ctx context.Context, id string, out any) error {
	return c.getJSON(ctx, summaryErrorKeyPrefix+id, out)
}

// ──────────────────────────────────────────────────────────────────────────
// Work queue
// ──────────────────────────────────────────────────────────────────────────

// EnqueueSummaryJob pushes a JSON job onto the summary queue.
func (c *Client) EnqueueSummaryJob(ctx context.Context, job any) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("redisq: marshal job: %w", err)
	}
	if err := c.rdb.LPush(ctx, SummaryQueueKey, data).Err(); err != nil {
		return fault.Wrap(fault.ServiceUnavailable, err, "redisq: enqueue job")
	}
	return nil
}

// DequeueSummaryRaw blocks up to timeout for the next job and returns its
// raw payload. fault.NotFound signals an empty queue after the timeout.
// Decoding stays with the caller so undecodable payloads can be quarantined
// verbatim.
func (c *Client) DequeueSummaryRaw(ctx context.Context, timeout time.Duration) ([]byte, error) {
	res, err := c.rdb.BRPop(ctx, timeout, SummaryQueueKey).Result()
	if errors.Is(err, redis.Nil) {
		return nil, fault.New(fault.NotFound, "redisq: queue empty")
	}
	if err != nil {
		return nil, fault.Wrap(fault.ServiceUnavailable, err, "redisq: dequeue job")
	}
	// BRPop returns [key, value].
	if len(res) != 2 {
		return nil, fault.New(fault.Internal, "redisq: unexpected brpop reply of %d elements", len(res))
	}
	return []byte(res[1]), nil
}

// DequeueSummaryJob is DequeueSummaryRaw plus JSON decoding into out.
func (c *Client) DequeueSummaryJob(ctx context.Context, timeout time.Duration, out any) error {
	raw, err := c.DequeueSummaryRaw(ctx, timeout)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("redisq: unmarshal job: %w", err)
	}
	return nil
}

// QueueDepth reports the number of pending summary jobs.
func (c *Client) QueueDepth(ctx context.Context) (int64, error) {
	n, err := c.rdb.LLen(ctx, SummaryQueueKey).Result()
	if err != nil {
		return 0, fault.Wrap(fault.ServiceUnavailable, err, "redisq: queue depth")
	}
	return n, nil
}

// Poison moves a raw job payload onto the poison list verbatim so a broken
// message is never lost or re-attempted.
func (c *Client) Poison(ctx context.Context, raw []byte) error {
	if err := c.rdb.LPush(ctx, PoisonMessagesKey, raw).Err(); err != nil {
		return fault.Wrap(fault.ServiceUnavailable, err, "redisq: poison")
	}
	return nil
}

// ──────────────────────────────────────────────────────────────────────────
// Pub/sub
// ──────────────────────────────────────────────────────────────────────────

// Publish sends a JSON event on the named channel.
func (c *Client) Publish(ctx context.Context, channel string, event any) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("redisq: marshal event: %w", err)
	}
	if err := c.rdb.Publish(ctx, channel, data).Err(); err != nil {
		return fault.Wrap(fault.ServiceUnavailable, err, "redisq: publish %s", channel)
	}
	return nil
}

// Subscribe opens a subscription on the named channels. Callers receive raw
// payloads and own the returned PubSub's lifetime.
func (c *Client) Subscribe(ctx context.Context, channels ...string) *redis.PubSub {
	return c.rdb.Subscribe(ctx, channels...)
}
