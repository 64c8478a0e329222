package metrics

import (
	"context"
	"sync"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/kanaime/updater/internal/updatemanager"
)

// UpdateMetrics turns state change events of the update manager into counters
type UpdateMetrics struct {
	transitions     metric.Int64Counter
	failures        metric.Int64Counter
	downloadedBytes metric.Int64Counter
	jobDuration     metric.Float64Histogram

	mu       sync.Mutex
	received map[string]int64
}

func NewUpdateMetrics(ctx context.Context, meter metric.Meter) (*UpdateMetrics, error) {
	transitions, err := meter.Int64Counter("kanaime.update.transitions",
		metric.WithDescription("Update job state transitions"))
	if err != nil {
		return nil, err
	}

	failures, err := meter.Int64Counter("kanaime.update.failures",
		metric.WithDescription("Failed update attempts by error class"))
	if err != nil {
		return nil, err
	}

	downloadedBytes, err := meter.Int64Counter("kanaime.update.download.bytes",
		metric.WithDescription("Package bytes downloaded"),
		metric.WithUnit("By"))
	if err != nil {
		return nil, err
	}

	jobDuration, err := meter.Float64Histogram("kanaime.update.job.duration",
		metric.WithDescription("Time from the start of an update job to its terminal state"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}

	return &UpdateMetrics{
		transitions:     transitions,
		failures:        failures,
		downloadedBytes: downloadedBytes,
		jobDuration:     jobDuration,
		received:        make(map[string]int64),
	}, nil
}

// Record accounts a single event
func (m *UpdateMetrics) Record(ctx context.Context, ev updatemanager.StateChangedEvent) {
	if ev.To == updatemanager.Downloading {
		m.recordProgress(ctx, ev)
	}

	if ev.Error != nil {
		m.failures.Add(ctx, 1, metric.WithAttributes(
			attribute.String("class", ev.Error.Class),
			attribute.String("state", ev.From.String()),
		))
	}

	if ev.IsProgress() {
		return
	}
	m.transitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("from", ev.From.String()),
		attribute.String("to", ev.To.String()),
	))
}

// RecordJobDuration is called once per finished job
func (m *UpdateMetrics) RecordJobDuration(ctx context.Context, job *updatemanager.Job) {
	if job == nil || !job.State.IsTerminal() {
		return
	}
	m.jobDuration.Record(ctx, job.UpdatedAt.Sub(job.CreatedAt).Seconds(),
		metric.WithAttributes(attribute.String("state", job.State.String())))

	m.mu.Lock()
	delete(m.received, job.ID)
	m.mu.Unlock()
}

func (m *UpdateMetrics) recordProgress(ctx context.Context, ev updatemanager.StateChangedEvent) {
	m.mu.Lock()
	last, ok := m.received[ev.JobID]
	m.received[ev.JobID] = ev.Progress.Received
	m.mu.Unlock()

	// a restart from zero or the first event of a resumed job
	if !ok || ev.Progress.Received <= last {
		return
	}
	m.downloadedBytes.Add(ctx, ev.Progress.Received-last)
}

// Consume records events until ctx is done or the channel is closed. Finished jobs are looked
// up through status for their duration.
func (m *UpdateMetrics) Consume(ctx context.Context, events <-chan updatemanager.StateChangedEvent, status func() *updatemanager.Job) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				log.Debugf("update event stream closed, stop recording metrics")
				return
			}
			m.Record(ctx, ev)
			if ev.To.IsTerminal() && status != nil {
				if job := status(); job != nil && job.ID == ev.JobID {
					m.RecordJobDuration(ctx, job)
				}
			}
		}
	}
}
