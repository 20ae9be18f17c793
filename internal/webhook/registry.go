package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const subsPrefix = "taskpilot:webhooks:"

var ErrSubscriptionNotFound = errors.New("webhook subscription not found")

// Subscription is one user-registered HTTP callback. There is no update
// operation: delete and re-register instead.
type Subscription struct {
	ID        string    `json:"id"`
	URL       string    `json:"url"`
	EventType string    `json:"event_type"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

// Registry persists each user's subscriptions as a JSON array under a
// per-user key. Mutations run in a WATCH transaction, so concurrent
// writers for the same user cannot clobber each other while different
// users never contend.
type Registry struct {
	client *redis.Client
}

func NewRegistry(addr, password string, db int) (*Registry, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	return &Registry{client: client}, nil
}

func (r *Registry) Close() error {
	return r.client.Close()
}

func subsKey(userID string) string { return subsPrefix + userID }

func (r *Registry) Register(ctx context.Context, userID, url, eventType string) (*Subscription, error) {
	sub := &Subscription{
		ID:        uuid.New().String(),
		URL:       url,
		EventType: eventType,
		Active:    true,
		CreatedAt: time.Now().UTC(),
	}

	err := r.mutate(ctx, userID, func(subs []Subscription) ([]Subscription, error) {
		return append(subs, *sub), nil
	})
	if err != nil {
		return nil, err
	}
	return sub, nil
}

func (r *Registry) List(ctx context.Context, userID string) ([]Subscription, error) {
	data, err := r.client.Get(ctx, subsKey(userID)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return []Subscription{}, nil
		}
		return nil, fmt.Errorf("list webhooks: %w", err)
	}

	var subs []Subscription
	if err := json.Unmarshal(data, &subs); err != nil {
		return nil, fmt.Errorf("unmarshal webhooks: %w", err)
	}
	return subs, nil
}

// Get returns one subscription by id, or ErrSubscriptionNotFound.
func (r *Registry) Get(ctx context.Context, userID, id string) (*Subscription, error) {
	subs, err := r.List(ctx, userID)
	if err != nil {
		return nil, err
	}
	for i := range subs {
		if subs[i].ID == id {
			return &subs[i], nil
		}
	}
	return nil, ErrSubscriptionNotFound
}

func (r *Registry) Delete(ctx context.Context, userID, id string) error {
	return r.mutate(ctx, userID, func(subs []Subscription) ([]Subscription, error) {
		for i := range subs {
			if subs[i].ID == id {
				return append(subs[:i], subs[i+1:]...), nil
			}
		}
		return nil, ErrSubscriptionNotFound
	})
}

func (r *Registry) mutate(ctx context.Context, userID string, fn func([]Subscription) ([]Subscription, error)) error {
	key := subsKey(userID)

	for i := 0; i < 3; i++ {
		err := r.client.Watch(ctx, func(tx *redis.Tx) error {
			var subs []Subscription
			data, err := tx.Get(ctx, key).Bytes()
			if err != nil && err != redis.Nil {
				return fmt.Errorf("get webhooks: %w", err)
			}
			if err == nil {
				if err := json.Unmarshal(data, &subs); err != nil {
					return fmt.Errorf("unmarshal webhooks: %w", err)
				}
			}

			updated, err := fn(subs)
			if err != nil {
				return err
			}

			out, err := json.Marshal(updated)
			if err != nil {
				return fmt.Errorf("marshal webhooks: %w", err)
			}

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, out, 0)
				return nil
			})
			return err
		}, key)

		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return redis.TxFailedErr
}
