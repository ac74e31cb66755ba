package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

const defaultPushTimeout = 10 * time.Second

// TokenSource lists the device tokens registered for a user.
type TokenSource interface {
	TokensFor(ctx context.Context, userID string) ([]string, error)
}

// WorkerConfig wires a Worker.
type WorkerConfig struct {
	Tokens     TokenSource
	ExpoURL    string
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// Worker delivers queued pushes to the Expo push API.
type Worker struct {
	tokens  TokenSource
	expoURL string
	client  *http.Client
	logger  *zap.Logger
}

type expoMessage struct {
	To        string            `json:"to"`
	Sound     string            `json:"sound"`
	Title     string            `json:"title"`
	Body      string            `json:"body"`
	Data      map[string]string `json:"data"`
	ChannelID string            `json:"channelId"`
	Priority  string            `json:"priority"`
}

// NewWorker constructs a Worker.
func NewWorker(cfg WorkerConfig) (*Worker, error) {
	if cfg.Tokens == nil {
		return nil, fmt.Errorf("notify: token source required")
	}
	if cfg.ExpoURL == "" {
		return nil, fmt.Errorf("notify: expo push url required")
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: defaultPushTimeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{tokens: cfg.Tokens, expoURL: cfg.ExpoURL, client: client, logger: logger}, nil
}

// HandlePushTask is the asynq handler for TaskTypePush.
func (w *Worker) HandlePushTask(ctx context.Context, task *asynq.Task) error {
	var push Push
	if err := json.Unmarshal(task.Payload(), &push); err != nil {
		return fmt.Errorf("notify: decode push: %v: %w", err, asynq.SkipRetry)
	}
	tokens, err := w.tokens.TokensFor(ctx, push.UserID)
	if err != nil {
		return err
	}
	if len(tokens) == 0 {
		w.logger.Debug("no push tokens for user", zap.String("user_id", push.UserID))
		return nil
	}

	channelID := push.ChannelID
	if channelID == "" {
		channelID = "default"
	}
	data := push.Data
	if data == nil {
		data = map[string]string{}
	}
	messages := make([]expoMessage, 0, len(tokens))
	for _, token := range tokens {
		messages = append(messages, expoMessage{
			To:        token,
			Sound:     "default",
			Title:     push.Title,
			Body:      push.Body,
			Data:      data,
			ChannelID: channelID,
			Priority:  "high",
		})
	}
	body, err := json.Marshal(messages)
	if err != nil {
		return fmt.Errorf("notify: encode expo messages: %v: %w", err, asynq.SkipRetry)
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodPost, w.expoURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("Accept", "application/json")

	response, err := w.client.Do(request)
	if err != nil {
		return fmt.Errorf("notify: expo request: %w", err)
	}
	defer response.Body.Close()
	_, _ = io.Copy(io.Discard, response.Body)

	switch {
	case response.StatusCode >= http.StatusInternalServerError || response.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("notify: expo responded %d", response.StatusCode)
	case response.StatusCode >= http.StatusBadRequest:
		return fmt.Errorf("notify: expo rejected push with %d: %w", response.StatusCode, asynq.SkipRetry)
	}
	w.logger.Info("push delivered",
		zap.String("user_id", push.UserID),
		zap.String("channel_id", channelID),
		zap.Int("tokens", len(tokens)))
	return nil
}

// NewServer builds the asynq server that runs the worker's handlers.
func NewServer(redisURL string, concurrency int, worker *Worker, logger *zap.Logger) (*asynq.Server, *asynq.ServeMux, error) {
	opt, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return nil, nil, fmt.Errorf("notify: parse redis url: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	server := asynq.NewServer(opt, asynq.Config{
		Concurrency: concurrency,
		Queues:      map[string]int{queueName: 1},
		ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
			logger.Error("push task failed", zap.String("task_type", task.Type()), zap.Error(err))
		}),
	})
	mux := asynq.NewServeMux()
	mux.HandleFunc(TaskTypePush, worker.HandlePushTask)
	return server, mux, nil
}
