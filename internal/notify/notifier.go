// Package notify enqueues push notifications and delivers them from a background worker.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/citycrew/backend/internal/metrics"
	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

// TaskTypePush is the asynq task type carrying a Push.
const TaskTypePush = "notification:push"

const (
	ChannelMessages     = "messages"
	ChannelCrewRequests = "crew-requests"
	ChannelActivities   = "activities"

	queueName      = "notifications"
	maxRetry       = 5
	taskRetention  = time.Hour
	enqueueTimeout = 2 * time.Second
)

// Push is one notification addressed to a single user.
type Push struct {
	UserID    string            `json:"user_id"`
	Title     string            `json:"title"`
	Body      string            `json:"body"`
	ChannelID string            `json:"channel_id"`
	Data      map[string]string `json:"data,omitempty"`
}

// Notifier hands pushes to the delivery pipeline.
type Notifier interface {
	Notify(ctx context.Context, push Push) error
}

// NopNotifier discards every push.
type NopNotifier struct{}

func (NopNotifier) Notify(context.Context, Push) error {
	return nil
}

type enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// QueueNotifier enqueues pushes on asynq.
type QueueNotifier struct {
	client  enqueuer
	logger  *zap.Logger
	metrics *metrics.Recorder
}

// NewQueueNotifier builds a notifier over an asynq client connected to redisURL.
func NewQueueNotifier(redisURL string, logger *zap.Logger, recorder *metrics.Recorder) (*QueueNotifier, *asynq.Client, error) {
	opt, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return nil, nil, fmt.Errorf("notify: parse redis url: %w", err)
	}
	client := asynq.NewClient(opt)
	return newQueueNotifier(client, logger, recorder), client, nil
}

func newQueueNotifier(client enqueuer, logger *zap.Logger, recorder *metrics.Recorder) *QueueNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &QueueNotifier{client: client, logger: logger, metrics: recorder}
}

// NewPushTask encodes the push as an asynq task.
func NewPushTask(push Push) (*asynq.Task, error) {
	payload, err := json.Marshal(push)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTypePush, payload), nil
}

// Notify enqueues the push. Callers treat failures as non-fatal.
func (n *QueueNotifier) Notify(ctx context.Context, push Push) error {
	if push.UserID == "" {
		return nil
	}
	task, err := NewPushTask(push)
	if err != nil {
		n.metrics.NotificationQueued("encode_failed")
		return err
	}
	enqueueCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), enqueueTimeout)
	defer cancel()
	info, err := n.client.EnqueueContext(enqueueCtx, task,
		asynq.Queue(queueName),
		asynq.MaxRetry(maxRetry),
		asynq.Retention(taskRetention),
	)
	if err != nil {
		n.metrics.NotificationQueued("enqueue_failed")
		n.logger.Warn("push enqueue failed",
			zap.String("user_id", push.UserID),
			zap.String("channel_id", push.ChannelID),
			zap.Error(err))
		return err
	}
	n.metrics.NotificationQueued("enqueued")
	n.logger.Debug("push enqueued", zap.String("task_id", info.ID), zap.String("user_id", push.UserID))
	return nil
}
