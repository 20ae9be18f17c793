package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/podushkina/taskpilot/internal/logger"
	"github.com/podushkina/taskpilot/internal/task"
)

const settingsPrefix = "taskpilot:notify:"

// Settings are one user's notification toggles. Defaults are everything
// on except the daily summary.
type Settings struct {
	EmailNotifications bool   `json:"email_notifications"`
	TaskCompleted      bool   `json:"task_completed"`
	TaskFailed         bool   `json:"task_failed"`
	DailySummary       bool   `json:"daily_summary"`
	Email              string `json:"email"`
}

func DefaultSettings(email string) Settings {
	return Settings{
		EmailNotifications: true,
		TaskCompleted:      true,
		TaskFailed:         true,
		DailySummary:       false,
		Email:              email,
	}
}

// Store persists per-user settings. A user without materialized settings
// reads as nil, which the policy treats as "never notify".
type Store struct {
	client *redis.Client
}

func NewStore(addr, password string, db int) (*Store, error) {
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

	return &Store{client: client}, nil
}

func (s *Store) Close() error {
	return s.client.Close()
}

func settingsKey(userID string) string { return settingsPrefix + userID }

// Get returns the user's settings, or nil when none were materialized.
func (s *Store) Get(ctx context.Context, userID string) (*Settings, error) {
	data, err := s.client.Get(ctx, settingsKey(userID)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("get settings: %w", err)
	}

	var st Settings
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("unmarshal settings: %w", err)
	}
	return &st, nil
}

// Materialize writes defaults on first access and returns the current
// settings afterwards.
func (s *Store) Materialize(ctx context.Context, userID, email string) (*Settings, error) {
	st, err := s.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	if st != nil {
		return st, nil
	}

	defaults := DefaultSettings(email)
	if err := s.Put(ctx, userID, defaults); err != nil {
		return nil, err
	}
	return &defaults, nil
}

// Put replaces the user's settings as a whole; the single SET keeps the
// update atomic per user.
func (s *Store) Put(ctx context.Context, userID string, st Settings) error {
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}
	if err := s.client.Set(ctx, settingsKey(userID), data, 0).Err(); err != nil {
		return fmt.Errorf("put settings: %w", err)
	}
	return nil
}

// EmailSender is the email-transport collaborator. The pipeline only
// decides whether to call it, never how delivery happens.
type EmailSender interface {
	Send(recipient, subject, body string) error
}

// logSender is the reference transport: a log line instead of SMTP.
type logSender struct{}

func (logSender) Send(recipient, subject, body string) error {
	logger.Info("notification sent",
		zap.String("recipient", recipient),
		zap.String("subject", subject),
		zap.String("body", body))
	return nil
}

// Notifier applies the per-user notification policy before handing a
// message to the email transport.
type Notifier struct {
	settings *Store
	sender   EmailSender
}

// NewNotifier builds a Notifier; a nil sender falls back to the log-line
// transport.
func NewNotifier(settings *Store, sender EmailSender) *Notifier {
	if sender == nil {
		sender = logSender{}
	}
	return &Notifier{settings: settings, sender: sender}
}

// ShouldNotify reports whether the event should produce a notification:
// false without materialized settings, with the master flag off, or with
// the specific event flag off.
func (n *Notifier) ShouldNotify(ctx context.Context, userID, eventType string) bool {
	st, err := n.settings.Get(ctx, userID)
	if err != nil {
		logger.Warn("settings lookup failed", zap.String("user_id", userID), zap.Error(err))
		return false
	}
	if st == nil || !st.EmailNotifications {
		return false
	}

	switch eventType {
	case task.NotifyTaskCompleted:
		return st.TaskCompleted
	case task.NotifyTaskFailed:
		return st.TaskFailed
	case task.NotifyDailySummary:
		return st.DailySummary
	default:
		return false
	}
}

// Send emits a notification, gated by policy when eventType is given.
// Transport failures are logged and reported as "not sent", never
// propagated.
func (n *Notifier) Send(ctx context.Context, userID, subject, message, eventType string) bool {
	if eventType != "" && !n.ShouldNotify(ctx, userID, eventType) {
		return false
	}

	var recipient string
	if st, err := n.settings.Get(ctx, userID); err == nil && st != nil {
		recipient = st.Email
	}

	if err := n.sender.Send(recipient, subject, message); err != nil {
		logger.Warn("notification delivery failed",
			zap.String("user_id", userID), zap.Error(err))
		return false
	}
	return true
}
