package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Publisher is the part of a redis client the notifier uses.
type Publisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// Redis publishes events on a pub/sub channel.
type Redis struct {
	Client  Publisher
	Channel string
}

// DialRedis connects and pings the server before returning.
func DialRedis(ctx context.Context, addr, password string, db int, channel string) (*Redis, *redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:        addr,
		Password:    password,
		DB:          db,
		DialTimeout: 5 * time.Second,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Redis{Client: rdb, Channel: channel}, rdb, nil
}

func (r *Redis) Notify(ctx context.Context, evt Event) error {
	raw, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	if err := r.Client.Publish(ctx, r.Channel, raw).Err(); err != nil {
		return fmt.Errorf("redis publish %s: %w", r.Channel, err)
	}
	return nil
}
