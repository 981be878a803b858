package group

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Presence/internal/core"
	"github.com/dkeye/Presence/internal/domain"
)

// DefaultGroupExpiry bounds how long a group entry outlives the node that
// added it. Live members are re-added on every join, and a crashed node's
// entries age out.
const DefaultGroupExpiry = 24 * time.Hour

// Redis is a GroupTransport shared by every node connected to the same
// server. Groups are sorted sets scored by add time; each member has a
// pub/sub channel that its node subscribes while the connection is open.
type Redis struct {
	client *redis.Client
	expiry time.Duration
	now    func() time.Time
}

// NewRedis connects to redisURL and verifies the connection.
func NewRedis(ctx context.Context, redisURL string, expiry time.Duration) (*Redis, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	if expiry <= 0 {
		expiry = DefaultGroupExpiry
	}
	return &Redis{client: client, expiry: expiry, now: time.Now}, nil
}

func groupKey(group domain.RoomName) string {
	return "presence:group:" + string(group)
}

func memberChannel(member domain.MemberAddr) string {
	return "presence:member:" + string(member)
}

func (r *Redis) GroupAdd(ctx context.Context, group domain.RoomName, member domain.MemberAddr) error {
	key := groupKey(group)
	_, err := r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZAdd(ctx, key, redis.Z{Score: float64(r.now().Unix()), Member: string(member)})
		p.Expire(ctx, key, r.expiry)
		return nil
	})
	return err
}

func (r *Redis) GroupDiscard(ctx context.Context, group domain.RoomName, member domain.MemberAddr) error {
	return r.client.ZRem(ctx, groupKey(group), string(member)).Err()
}

// GroupSend drops expired entries and publishes payload to every remaining
// member's channel.
func (r *Redis) GroupSend(ctx context.Context, group domain.RoomName, payload core.Frame) error {
	key := groupKey(group)
	cutoff := r.now().Add(-r.expiry).Unix()
	if err := r.client.ZRemRangeByScore(ctx, key, "-inf", "("+strconv.FormatInt(cutoff, 10)).Err(); err != nil {
		return err
	}
	members, err := r.client.ZRange(ctx, key, 0, -1).Result()
	if err != nil {
		return err
	}
	if len(members) == 0 {
		return nil
	}
	_, err = r.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		for _, m := range members {
			p.Publish(ctx, memberChannel(domain.MemberAddr(m)), []byte(payload))
		}
		return nil
	})
	return err
}

// Attach subscribes member's channel and forwards every message to sink
// until detach is called. A full sink drops the frame.
func (r *Redis) Attach(ctx context.Context, member domain.MemberAddr, sink core.SignalConnection) (func(), error) {
	sub := r.client.Subscribe(ctx, memberChannel(member))
	// Wait for the subscription confirmation so nothing sent after Attach
	// returns is missed.
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", member, err)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for msg := range sub.Channel() {
			if err := sink.TrySend(core.Frame(msg.Payload)); err != nil {
				log.Warn().Err(err).Str("module", "group.redis").Str("member", string(member)).Msg("dropped frame")
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			_ = sub.Close()
			wg.Wait()
		})
	}, nil
}

func (r *Redis) Ping(ctx context.Context) error { return r.client.Ping(ctx).Err() }

func (r *Redis) Close() error { return r.client.Close() }
