package queue

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dreamware/clusters/internal/cluster"
)

// HTTPQueue forwards jobs to a remote clusters API as
// POST {base}/clusters/{target}/{jobType}. Enqueue waits for the call;
// Notify returns at once and posts in the background.
type HTTPQueue struct {
	base   string
	client *http.Client
	logger *zap.Logger
	wg     sync.WaitGroup
}

// NewHTTPQueue creates a queue posting to base.
func NewHTTPQueue(base string, client *http.Client, logger *zap.Logger) *HTTPQueue {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPQueue{base: strings.TrimRight(base, "/"), client: client, logger: logger}
}

func (q *HTTPQueue) endpoint(jobType, target string) (string, error) {
	if target == "" {
		return "", cluster.Invalidf("@target (string) is required - %s", jobType)
	}
	return fmt.Sprintf("%s/clusters/%s/%s", q.base, url.PathEscape(target), url.PathEscape(jobType)), nil
}

// Enqueue posts the job and waits for the remote API to accept it.
func (q *HTTPQueue) Enqueue(ctx context.Context, jobType string, payload any, target string) (string, error) {
	endpoint, err := q.endpoint(jobType, target)
	if err != nil {
		return "", err
	}
	if err := cluster.DoJSON(ctx, q.client, http.MethodPost, endpoint, payload, nil); err != nil {
		return "", fmt.Errorf("enqueue %s[%s]: %w", jobType, target, err)
	}
	return uuid.NewString(), nil
}

// Notify posts the job in the background.
func (q *HTTPQueue) Notify(ctx context.Context, jobType string, payload any, target string) (string, error) {
	endpoint, err := q.endpoint(jobType, target)
	if err != nil {
		return "", err
	}
	id := uuid.NewString()
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		if err := cluster.DoJSON(context.WithoutCancel(ctx), q.client, http.MethodPost, endpoint, payload, nil); err != nil {
			q.logger.Warn("notify failed", zap.String("id", id), zap.String("type", jobType), zap.String("target", target), zap.Error(err))
		}
	}()
	return id, nil
}

// Wait blocks until background posts have finished.
func (q *HTTPQueue) Wait() {
	q.wg.Wait()
}
