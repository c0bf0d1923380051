package reports

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"chemlab/internal/core"
	"chemlab/pkg/domain"
)

// ErrQueueFull is returned by Enqueue when the worker cannot accept more work.
var ErrQueueFull = errors.New("report queue full")

type exportTask struct {
	kind Kind
	id   string
}

// Worker exports results asynchronously as completion events arrive.
type Worker struct {
	exporter *Exporter
	logger   core.Logger

	queue    chan exportTask
	exported atomic.Uint64
	failed   atomic.Uint64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewWorker constructs a worker with a bounded queue. A non-positive size
// selects 32.
func NewWorker(exporter *Exporter, queueSize int) *Worker {
	if queueSize <= 0 {
		queueSize = 32
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		exporter: exporter,
		logger:   exporter.logger,
		queue:    make(chan exportTask, queueSize),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start begins processing export requests.
func (w *Worker) Start() {
	w.wg.Add(1)
	go w.loop()
}

// Stop drains queued tasks, then halts and waits for completion.
func (w *Worker) Stop(ctx context.Context) error {
	w.cancel()
	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Worker) loop() {
	defer w.wg.Done()
	for {
		select {
		case <-w.ctx.Done():
			for {
				select {
				case task := <-w.queue:
					w.process(task)
				default:
					return
				}
			}
		case task := <-w.queue:
			w.process(task)
		}
	}
}

// Enqueue schedules an export without blocking.
func (w *Worker) Enqueue(kind Kind, id string) error {
	select {
	case w.queue <- exportTask{kind: kind, id: id}:
		return nil
	default:
		return ErrQueueFull
	}
}

// Attach subscribes the worker to completion events on bus. The returned
// function detaches it.
func (w *Worker) Attach(bus *core.EventBus) (detach func()) {
	return bus.Subscribe(func(ev domain.Event) {
		kind, ok := kindForEvent(ev.Type)
		if !ok {
			return
		}
		if err := w.Enqueue(kind, ev.InstanceID); err != nil {
			w.failed.Add(1)
			w.logger.Warn("report export dropped", "kind", string(kind), "id", ev.InstanceID, "error", err)
		}
	})
}

// Exported reports how many results were exported successfully.
func (w *Worker) Exported() uint64 { return w.exported.Load() }

// Failed reports how many exports were dropped or failed.
func (w *Worker) Failed() uint64 { return w.failed.Load() }

func (w *Worker) process(task exportTask) {
	// Use a fresh context so queued work still drains after Stop cancels w.ctx.
	if _, err := w.exporter.ExportInstance(context.WithoutCancel(w.ctx), task.kind, task.id); err != nil {
		w.failed.Add(1)
		w.logger.Error("report export failed", "kind", string(task.kind), "id", task.id, "error", err)
		return
	}
	w.exported.Add(1)
}

func kindForEvent(t domain.EventType) (Kind, bool) {
	switch t {
	case domain.EventReactionCompleted:
		return KindReaction, true
	case domain.EventTitrationCompleted:
		return KindTitration, true
	case domain.EventMeasurementCompleted:
		return KindMeasurement, true
	case domain.EventAssessmentCompleted:
		return KindAssessment, true
	default:
		return "", false
	}
}
