// Package queue provides a push-based notification layer for the task
// scheduler. The web API inserts scheduled tasks from other processes; the
// per-guild cursor would otherwise only notice them on its next poll.
// Producers call Notify after an insert and subscribed supervisors wake the
// guild's handler immediately, cutting delivery latency for near-future
// tasks to near-zero.
//
// Implementations:
//   - NoopNotifier: never signals; cursors rely purely on polling
//   - ChannelNotifier: in-process, for single-instance deployments and tests
//   - RedisNotifier: PUBLISH/SUBSCRIBE, for multi-process deployments
package queue

import (
	"context"
	"strconv"
	"sync"

	"github.com/go-redis/redis/v8"

	"github.com/oriys/quasar/internal/domain"
)

// Notifier signals that a guild's timer store contents changed.
type Notifier interface {
	// Notify signals that a task was created for the guild.
	Notify(ctx context.Context, guildID domain.GuildID) error

	// Subscribe returns a channel receiving the guild id of every
	// notification. The channel closes when ctx is cancelled or the
	// notifier is closed.
	Subscribe(ctx context.Context) <-chan domain.GuildID

	Close() error
}

// NoopNotifier never signals; cursors fall back to pure polling.
type NoopNotifier struct{}

func NewNoopNotifier() *NoopNotifier { return &NoopNotifier{} }

func (n *NoopNotifier) Notify(context.Context, domain.GuildID) error { return nil }

func (n *NoopNotifier) Subscribe(ctx context.Context) <-chan domain.GuildID {
	ch := make(chan domain.GuildID)
	go func() {
		<-ctx.Done()
		close(ch)
	}()
	return ch
}

func (n *NoopNotifier) Close() error { return nil }

// ChannelNotifier is an in-process notifier suitable for single-instance
// deployments; no external infrastructure required.
type ChannelNotifier struct {
	mu          sync.Mutex
	subscribers []chan domain.GuildID
	closed      bool
}

func NewChannelNotifier() *ChannelNotifier {
	return &ChannelNotifier{}
}

func (n *ChannelNotifier) Notify(_ context.Context, guildID domain.GuildID) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, ch := range n.subscribers {
		select {
		case ch <- guildID:
		default:
			// subscriber is backlogged; it will poll anyway
		}
	}
	return nil
}

func (n *ChannelNotifier) Subscribe(ctx context.Context) <-chan domain.GuildID {
	ch := make(chan domain.GuildID, 16)

	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		close(ch)
		return ch
	}
	n.subscribers = append(n.subscribers, ch)
	n.mu.Unlock()

	go func() {
		<-ctx.Done()
		n.remove(ch)
	}()

	return ch
}

func (n *ChannelNotifier) remove(target chan domain.GuildID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for i, ch := range n.subscribers {
		if ch == target {
			n.subscribers = append(n.subscribers[:i], n.subscribers[i+1:]...)
			close(ch)
			return
		}
	}
}

func (n *ChannelNotifier) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return nil
	}
	n.closed = true
	for _, ch := range n.subscribers {
		close(ch)
	}
	n.subscribers = nil
	return nil
}

const redisChannel = "quasar:tasks:created"

// RedisNotifier broadcasts task-created signals over Redis pub/sub so every
// scheduler instance learns about inserts made by any other process.
type RedisNotifier struct {
	client *redis.Client

	mu     sync.Mutex
	closed bool
	subs   []context.CancelFunc
}

func NewRedisNotifier(client *redis.Client) *RedisNotifier {
	return &RedisNotifier{client: client}
}

func (n *RedisNotifier) Notify(ctx context.Context, guildID domain.GuildID) error {
	return n.client.Publish(ctx, redisChannel, strconv.FormatUint(uint64(guildID), 10)).Err()
}

func (n *RedisNotifier) Subscribe(ctx context.Context) <-chan domain.GuildID {
	ch := make(chan domain.GuildID, 16)

	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		close(ch)
		return ch
	}
	subCtx, cancel := context.WithCancel(ctx)
	n.subs = append(n.subs, cancel)
	n.mu.Unlock()

	pubsub := n.client.Subscribe(subCtx, redisChannel)

	go func() {
		defer close(ch)
		defer pubsub.Close()
		msgCh := pubsub.Channel()
		for {
			select {
			case <-subCtx.Done():
				return
			case msg, ok := <-msgCh:
				if !ok {
					return
				}
				id, err := strconv.ParseUint(msg.Payload, 10, 64)
				if err != nil {
					continue
				}
				select {
				case ch <- domain.GuildID(id):
				default:
					// subscriber already has pending notifications
				}
			}
		}
	}()

	return ch
}

func (n *RedisNotifier) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return nil
	}
	n.closed = true
	for _, cancel := range n.subs {
		cancel()
	}
	n.subs = nil
	return nil
}
