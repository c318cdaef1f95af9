package services

import (
	"context"
	"errors"
	"sync"
	"time"

	"tts-gateway/internal/core/session"
	"tts-gateway/internal/domain/eventbus"
	platformerrors "tts-gateway/internal/platform/errors"
	"tts-gateway/internal/platform/logging"
	"tts-gateway/internal/platform/observability"
)

// ErrShutdown is the cancellation cause used when the worker pool stops.
var ErrShutdown = errors.New("gateway shutting down")

// StreamJob is one queued streaming request. It owns the transport handle;
// whoever consumes the job is responsible for closing it on every exit path.
type StreamJob struct {
	SessionID  string
	Transport  StreamTransport
	EnqueuedAt time.Time
}

// StreamQueue is a process-wide bounded FIFO of streaming jobs.
type StreamQueue struct {
	jobs    chan *StreamJob
	metrics *observability.Metrics
}

func NewStreamQueue(maxsize int, metrics *observability.Metrics) *StreamQueue {
	if maxsize <= 0 {
		maxsize = 100
	}
	q := &StreamQueue{
		jobs:    make(chan *StreamJob, maxsize),
		metrics: metrics,
	}
	if metrics != nil {
		metrics.QueueMaxsize.Set(float64(maxsize))
	}
	return q
}

// Enqueue adds a job without blocking. A full queue rejects immediately with
// the queue_full error kind; the caller reports the rejection to the client.
func (q *StreamQueue) Enqueue(job *StreamJob) error {
	job.EnqueuedAt = time.Now()
	select {
	case q.jobs <- job:
		if q.metrics != nil {
			q.metrics.QueueDepth.Set(float64(len(q.jobs)))
		}
		return nil
	default:
		if q.metrics != nil {
			q.metrics.QueueFull.Inc()
		}
		return platformerrors.New(platformerrors.KindQueueFull, "enqueue",
			"session queue full")
	}
}

// Depth reports how many jobs are waiting.
func (q *StreamQueue) Depth() int {
	return len(q.jobs)
}

// Maxsize reports the queue capacity.
func (q *StreamQueue) Maxsize() int {
	return cap(q.jobs)
}

// WorkerPool drains the stream queue with a fixed number of workers started
// at boot and stopped at shutdown.
type WorkerPool struct {
	queue   *StreamQueue
	service *TTSService
	store   *session.Store
	metrics *observability.Metrics
	logger  *logging.Logger
	count   int

	mu      sync.Mutex
	cancel  context.CancelCauseFunc
	wg      sync.WaitGroup
	started bool
}

func NewWorkerPool(count int, queue *StreamQueue, service *TTSService, store *session.Store, metrics *observability.Metrics, logger *logging.Logger) *WorkerPool {
	if count <= 0 {
		count = 8
	}
	return &WorkerPool{
		queue:   queue,
		service: service,
		store:   store,
		metrics: metrics,
		logger:  logger,
		count:   count,
	}
}

// Start launches the workers.
func (p *WorkerPool) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return
	}
	p.started = true

	poolCtx, cancel := context.WithCancelCause(ctx)
	p.cancel = cancel

	if p.metrics != nil {
		p.metrics.WorkersTotal.Set(float64(p.count))
	}

	for i := 0; i < p.count; i++ {
		p.wg.Add(1)
		go p.run(poolCtx, i+1)
	}
	if p.logger != nil {
		p.logger.InfoTag("Queue", "worker pool started (workers=%d, maxsize=%d)",
			p.count, p.queue.Maxsize())
	}
}

// Stop halts dequeueing, cancels in-flight pipelines and drains queued jobs
// with a shutdown error.
func (p *WorkerPool) Stop() {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return
	}
	p.started = false
	cancel := p.cancel
	p.mu.Unlock()

	cancel(ErrShutdown)
	p.wg.Wait()
	p.drain()

	if p.logger != nil {
		p.logger.InfoTag("Queue", "worker pool stopped")
	}
}

// drain rejects jobs that never reached a worker.
func (p *WorkerPool) drain() {
	for {
		select {
		case job := <-p.queue.jobs:
			_ = job.Transport.SendError(503, "shutting_down")
			_ = job.Transport.CloseWithCode(1013, "shutting_down")
			_ = p.store.UpdateStatus(job.SessionID, session.StatusCancelled, "shutdown")
		default:
			if p.metrics != nil {
				p.metrics.QueueDepth.Set(0)
			}
			return
		}
	}
}

func (p *WorkerPool) run(ctx context.Context, id int) {
	defer p.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case job := <-p.queue.jobs:
			if p.metrics != nil {
				p.metrics.QueueDepth.Set(float64(len(p.queue.jobs)))
			}
			p.handle(ctx, id, job)
		}
	}
}

// handle drives one job to completion and releases the transport.
func (p *WorkerPool) handle(ctx context.Context, workerID int, job *StreamJob) {
	if p.metrics != nil {
		p.metrics.WorkersBusy.Inc()
		p.metrics.ActiveStreams.Inc()
		defer func() {
			p.metrics.WorkersBusy.Dec()
			p.metrics.ActiveStreams.Dec()
		}()
	}
	defer job.Transport.CloseWithCode(1000, "")

	// Liveness check: the client may have gone away while the job queued.
	if !job.Transport.Alive() {
		if err := p.store.UpdateStatus(job.SessionID, session.StatusCancelled, "client_disconnected"); err == nil {
			eventbus.Publish(eventbus.EventSessionCancelled, eventbus.SessionEventData{
				SessionID: job.SessionID,
				Reason:    "client_disconnected",
			})
		}
		if p.logger != nil {
			p.logger.InfoTag("Queue", "worker %d skipped dead session %s", workerID, job.SessionID)
		}
		return
	}

	// Tie the pipeline context to the client connection so a disconnect
	// cancels at the next checkpoint.
	streamCtx, cancel := context.WithCancelCause(ctx)
	stop := make(chan struct{})
	go func() {
		select {
		case <-job.Transport.Done():
			cancel(errClientGone)
		case <-stop:
		}
	}()

	p.service.Stream(streamCtx, job.SessionID, job.Transport)

	close(stop)
	cancel(nil)
}
