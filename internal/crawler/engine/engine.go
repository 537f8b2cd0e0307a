// Package engine drives the crawler's main loop: pop a task, wait for a
// rate-limit token and the adaptive delay, fan out to the two sale-status
// branches concurrently, and push the combined result back to the queue.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kozakura/marketcrawl/internal/crawler/apiclient"
	"github.com/kozakura/marketcrawl/internal/crawler/auth"
	"github.com/kozakura/marketcrawl/internal/crawler/config"
	"github.com/kozakura/marketcrawl/internal/crawler/health"
	"github.com/kozakura/marketcrawl/internal/crawler/metrics"
	"github.com/kozakura/marketcrawl/internal/crawler/models"
	"github.com/kozakura/marketcrawl/internal/crawler/queue"
	"github.com/kozakura/marketcrawl/internal/crawler/ratelimit"
)

// rateLimitWaitTimeout bounds how long a task waits for a shared-bucket
// token before it is abandoned as an error result.
const rateLimitWaitTimeout = 30 * time.Second

// drainTimeout bounds how long Run waits for in-flight tasks to finish once
// its context is cancelled.
const drainTimeout = 30 * time.Second

// metricsRefreshInterval is how often the background loop snapshots gauges
// that have no natural trigger of their own (queue depth, token age, ...).
const metricsRefreshInterval = 10 * time.Second

// Engine owns the bounded-concurrency task loop.
type Engine struct {
	cfg           config.Config
	queue         *queue.Queue
	limiter       *ratelimit.GlobalRateLimiter
	delayer       *ratelimit.AdaptiveDelayer
	client        *apiclient.Client
	authenticator *auth.Authenticator
	metrics       *metrics.Registry

	sem         chan struct{}
	wg          sync.WaitGroup
	activeTasks int32
	running     int32
}

// New builds an Engine from its collaborators. Each collaborator is
// constructed and wired by the caller (typically main), not by the engine.
func New(
	cfg config.Config,
	q *queue.Queue,
	limiter *ratelimit.GlobalRateLimiter,
	delayer *ratelimit.AdaptiveDelayer,
	client *apiclient.Client,
	authenticator *auth.Authenticator,
	reg *metrics.Registry,
) *Engine {
	return &Engine{
		cfg:           cfg,
		queue:         q,
		limiter:       limiter,
		delayer:       delayer,
		client:        client,
		authenticator: authenticator,
		metrics:       reg,
		sem:           make(chan struct{}, cfg.Crawler.MaxConcurrentTasks),
	}
}

// Run blocks, processing tasks until ctx is cancelled, then waits up to
// drainTimeout for in-flight tasks to finish before returning.
func (e *Engine) Run(ctx context.Context) error {
	atomic.StoreInt32(&e.running, 1)
	defer atomic.StoreInt32(&e.running, 0)

	go e.metricsRefreshLoop(ctx)

	for {
		select {
		case <-ctx.Done():
			e.drain()
			return nil
		case e.sem <- struct{}{}:
		}

		task, err := e.queue.PopTask(ctx, e.cfg.Crawler.PopTimeout)
		if err != nil {
			<-e.sem
			if ctx.Err() != nil {
				e.drain()
				return nil
			}
			slog.Error("engine: pop task failed", "err", err)
			continue
		}
		if task == nil {
			<-e.sem
			continue
		}

		e.wg.Add(1)
		atomic.AddInt32(&e.activeTasks, 1)
		go func(t models.CrawlRequest) {
			defer e.wg.Done()
			defer atomic.AddInt32(&e.activeTasks, -1)
			defer func() { <-e.sem }()
			e.processTask(ctx, t)
		}(*task)
	}
}

func (e *Engine) drain() {
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(drainTimeout):
		slog.Warn("engine: drain timeout exceeded, exiting with tasks still in flight")
	}
}

func (e *Engine) processTask(ctx context.Context, task models.CrawlRequest) {
	start := time.Now()
	e.metrics.TasksInProgress.Inc()
	defer e.metrics.TasksInProgress.Dec()

	if err := e.limiter.WaitForToken(ctx, rateLimitWaitTimeout); err != nil {
		e.metrics.RateLimitWaitsTotal.Inc()
		e.finishTask(ctx, task, nil, err, start)
		return
	}
	if err := e.delayer.WaitAdaptive(ctx); err != nil {
		e.finishTask(ctx, task, nil, err, start)
		return
	}

	var wg sync.WaitGroup
	var onSaleItems, soldItems []models.Item
	var onSaleErr, soldErr error
	var onSalePages, soldPages int

	wg.Add(2)
	go func() {
		defer wg.Done()
		onSaleItems, onSalePages, onSaleErr = e.runBranch(ctx, task.Keyword, apiclient.StatusOnSale, int(task.PagesOnSale), models.StatusOnSale)
	}()
	go func() {
		defer wg.Done()
		soldItems, soldPages, soldErr = e.runBranch(ctx, task.Keyword, apiclient.StatusSoldOut, int(task.PagesSold), models.StatusSold)
	}()
	wg.Wait()

	items := make([]models.Item, 0, len(onSaleItems)+len(soldItems))
	items = append(items, onSaleItems...)
	items = append(items, soldItems...)

	var combinedErr error
	if onSaleErr != nil || soldErr != nil {
		var parts []string
		if onSaleErr != nil {
			parts = append(parts, fmt.Sprintf("on_sale: %v", onSaleErr))
		}
		if soldErr != nil {
			parts = append(parts, fmt.Sprintf("sold: %v", soldErr))
		}
		combinedErr = fmt.Errorf("%s", strings.Join(parts, "; "))
	}

	response := models.CrawlResponse{
		IPID:         task.IPID,
		TaskID:       task.TaskID,
		CrawledAt:    time.Now().Unix(),
		Items:        items,
		TotalFound:   uint32(len(items)),
		PagesCrawled: uint32(onSalePages + soldPages),
		RetryCount:   task.RetryCount,
	}
	if combinedErr != nil {
		response.ErrorMessage = combinedErr.Error()
	}

	e.finishTask(ctx, task, &response, nil, start)
}

// finishTask pushes whatever response was produced (building a bare error
// response if resp is nil) and acks the task so it leaves the processing
// list either way — a task that repeatedly fails to crawl is still
// acknowledged; retry policy lives with the producer, not this worker.
func (e *Engine) finishTask(ctx context.Context, task models.CrawlRequest, resp *models.CrawlResponse, prepErr error, start time.Time) {
	if resp == nil {
		resp = &models.CrawlResponse{
			IPID:         task.IPID,
			TaskID:       task.TaskID,
			CrawledAt:    time.Now().Unix(),
			ErrorMessage: prepErr.Error(),
			RetryCount:   task.RetryCount,
		}
	}

	status := "success"
	if resp.ErrorMessage != "" {
		status = "error"
	}

	if err := e.queue.PushResult(ctx, *resp); err != nil {
		slog.Error("engine: push result failed", "task_id", task.TaskID, "err", err)
	}
	if err := e.queue.AckTask(ctx, task); err != nil {
		slog.Error("engine: ack task failed", "task_id", task.TaskID, "err", err)
	}

	e.metrics.TasksProcessedTotal.WithLabelValues(status).Inc()
	e.metrics.TaskDurationSeconds.Observe(time.Since(start).Seconds())
	for _, item := range resp.Items {
		e.metrics.ItemsCrawledTotal.WithLabelValues(itemStatusLabel(item.Status)).Inc()
	}
}

// runBranch walks every page for one sale status, tagging the resulting
// items and recording API-level metrics and adaptive-delay feedback.
func (e *Engine) runBranch(ctx context.Context, keyword, apiStatus string, maxPages int, modelStatus models.ItemStatus) ([]models.Item, int, error) {
	if maxPages <= 0 {
		maxPages = models.DefaultPagesOnSale
	}

	reqStart := time.Now()
	items, pages, err := e.client.SearchAllPages(ctx, keyword, apiStatus, maxPages, e.delayer.Delay())
	e.metrics.APIRequestDuration.WithLabelValues("search").Observe(time.Since(reqStart).Seconds())

	outcome := "success"
	switch {
	case errors.As(err, &apiclient.ErrRateLimited{}):
		outcome = "rate_limited"
		e.delayer.OnRateLimit()
	case errors.As(err, &apiclient.ErrForbidden{}):
		outcome = "forbidden"
		e.delayer.OnForbidden()
	case err != nil:
		outcome = "error"
		e.delayer.OnError()
	default:
		e.delayer.OnSuccess()
	}
	e.metrics.APIRequestsTotal.WithLabelValues(outcome, "search").Inc()

	for i := range items {
		items[i].Status = modelStatus
	}
	return items, pages, err
}

func itemStatusLabel(status models.ItemStatus) string {
	if status == models.StatusSold {
		return "sold"
	}
	return "on_sale"
}

// Snapshot implements health.SnapshotProvider, giving the health server a
// point-in-time view of engine state. Each field is read separately, so the
// fields are not guaranteed to be mutually consistent.
func (e *Engine) Snapshot(ctx context.Context) health.Snapshot {
	authState := e.authenticator.Snapshot()
	chromeVersion, _ := e.client.FingerprintInfo()

	redisOK := e.queue.HealthCheck(ctx)
	breakerState := e.client.BreakerState()

	return health.Snapshot{
		Healthy:        redisOK && breakerState != "open",
		RedisOK:        redisOK,
		CircuitBreaker: breakerState,
		AuthMode:       authState.Mode.String(),
		AuthFailures:   authState.ConsecutiveFailures,
		CoolingDown:    e.authenticator.IsCoolingDown(),
		ActiveTasks:    int(atomic.LoadInt32(&e.activeTasks)),
		Running:        atomic.LoadInt32(&e.running) == 1,
		AdaptiveDelay:  e.delayer.Delay().Seconds(),
		ChromeVersion:  chromeVersion,
	}
}

func (e *Engine) metricsRefreshLoop(ctx context.Context) {
	ticker := time.NewTicker(metricsRefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.refreshMetrics(ctx)
		}
	}
}

func (e *Engine) refreshMetrics(ctx context.Context) {
	if taskLen, resultLen, err := e.queue.QueueDepths(ctx); err == nil {
		e.metrics.QueueDepth.WithLabelValues("tasks").Set(float64(taskLen))
		e.metrics.QueueDepth.WithLabelValues("results").Set(float64(resultLen))
	}
	if status, err := e.limiter.GetBucketStatus(ctx); err == nil {
		e.metrics.RateLimitTokens.Set(status.Tokens)
	}

	e.metrics.AdaptiveDelaySeconds.Set(e.delayer.Delay().Seconds())
	e.metrics.DPoPKeyAgeSeconds.Set(e.authenticator.DPoPKeyAgeSeconds())

	state := e.authenticator.Snapshot()
	if state.Mode == auth.ModeBrowser {
		e.metrics.AuthMode.Set(1)
	} else {
		e.metrics.AuthMode.Set(0)
	}
	e.metrics.AuthConsecutiveFails.Set(float64(state.ConsecutiveFailures))

	switch e.client.BreakerState() {
	case "open":
		e.metrics.CircuitBreakerState.Set(2)
	case "half-open":
		e.metrics.CircuitBreakerState.Set(1)
	default:
		e.metrics.CircuitBreakerState.Set(0)
	}
}
