// Package limits implements the named rate-limited resources that gate
// every parallel section of the engine: a counting semaphore for task
// slots, a serialised throughput governor, and a job registry carrying
// cooperative progress.
package limits

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Unbounded disables throughput pacing when used as MaxThroughput.
const Unbounded int64 = 0

// ErrResourceClosed is returned from Begin and Report after Close.
var ErrResourceClosed = errors.New("resource closed")

// Limits parameterises one resource: how many tasks may run at once and how
// many bytes per second their reports may consume. Zero or math.MaxInt64
// throughput means no pacing.
type Limits struct {
	MaxTasks      int
	MaxThroughput int64
}

func (l Limits) normalized() Limits {
	if l.MaxTasks <= 0 {
		l.MaxTasks = 1
	}
	if l.MaxThroughput < 0 || l.MaxThroughput == math.MaxInt64 {
		l.MaxThroughput = Unbounded
	}
	return l
}

// Job is a ticket for one running task. Created by Resource.Begin, released
// by Resource.Finish. Progress reports mutate Current monotonically.
type Job struct {
	ID          uint64
	Description string
	Size        int64
	Started     bool

	current  atomic.Int64
	resource *Resource
	slots    chan struct{}
	finished atomic.Bool
}

// Current returns the progress counter.
func (j *Job) Current() int64 { return j.current.Load() }

// reportRequest is one throughput-credit purchase processed by the governor.
type reportRequest struct {
	bytes int64
	done  chan struct{}
}

// Status is a point-in-time snapshot of a resource.
type Status struct {
	Name       string
	Running    int
	Waiting    int
	TotalBytes int64
}

// JobReport describes one live job for progress UIs.
type JobReport struct {
	ID          uint64
	Description string
	Size        int64
	Current     int64
}

// Resource is a named, tagged concurrency governor. All methods are safe
// for concurrent use.
type Resource struct {
	name   string
	logger *slog.Logger

	mu     sync.Mutex
	limits Limits
	slots  chan struct{}
	jobs   map[uint64]*Job
	closed bool

	throughput atomic.Int64
	reports    chan reportRequest
	quit       chan struct{}
	drained    chan struct{}

	nextID     atomic.Uint64
	waiting    atomic.Int64
	totalBytes atomic.Int64
}

// Option configures a Resource.
type Option func(*Resource)

// WithLogger sets the logger. If not set, logging is disabled.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Resource) {
		r.logger = logger
	}
}

// NewResource creates a resource and spawns its throughput governor.
func NewResource(name string, limits Limits, opts ...Option) *Resource {
	limits = limits.normalized()
	r := &Resource{
		name:    name,
		limits:  limits,
		slots:   make(chan struct{}, limits.MaxTasks),
		jobs:    make(map[uint64]*Job),
		reports: make(chan reportRequest, 64),
		quit:    make(chan struct{}),
		drained: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.throughput.Store(limits.MaxThroughput)
	go r.govern()
	return r
}

func (r *Resource) log() *slog.Logger {
	if r.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return r.logger
}

// Name returns the resource name.
func (r *Resource) Name() string { return r.name }

// Begin blocks until a task slot is free, then registers and returns a
// started job. Cancelling the context while still waiting leaves all
// counters unchanged.
func (r *Resource) Begin(ctx context.Context, description string, size int64) (*Job, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrResourceClosed
	}
	slots := r.slots
	r.mu.Unlock()

	r.waiting.Add(1)
	defer r.waiting.Add(-1)

	select {
	case slots <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	job := &Job{
		ID:          r.nextID.Add(1),
		Description: description,
		Size:        size,
		Started:     true,
		resource:    r,
		slots:       slots,
	}
	r.mu.Lock()
	r.jobs[job.ID] = job
	r.mu.Unlock()
	r.log().Debug("job started", "resource", r.name, "job", job.ID, "description", description)
	return job, nil
}

// Report pays for n bytes at the throughput budget and returns once the
// credit has been granted. Reports are processed strictly in arrival order.
// A cancelled report that already consumed credit surrenders it.
func (r *Resource) Report(ctx context.Context, job *Job, n int64) error {
	job.current.Add(n)
	r.totalBytes.Add(n)
	if r.throughput.Load() == Unbounded {
		return nil
	}

	req := reportRequest{bytes: n, done: make(chan struct{})}
	select {
	case r.reports <- req:
	case <-ctx.Done():
		return ctx.Err()
	case <-r.quit:
		return ErrResourceClosed
	}
	select {
	case <-req.done:
		return nil
	case <-ctx.Done():
		// Credit stays consumed; the governor will still pace it.
		return ctx.Err()
	}
}

// ReportNoWait updates counters without consuming throughput credit. Used
// for monitoring-only signals.
func (r *Resource) ReportNoWait(job *Job, n int64) {
	job.current.Add(n)
	r.totalBytes.Add(n)
}

// Finish releases the job's task slot. Finishing twice is a no-op.
func (r *Resource) Finish(job *Job) {
	if job == nil || !job.finished.CompareAndSwap(false, true) {
		return
	}
	r.mu.Lock()
	delete(r.jobs, job.ID)
	r.mu.Unlock()
	<-job.slots
	r.log().Debug("job finished", "resource", r.name, "job", job.ID)
}

// Reload replaces the limits. Outstanding jobs continue under the slot
// channel they acquired from; new Begin calls see the new capacity.
func (r *Resource) Reload(limits Limits) {
	limits = limits.normalized()
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.limits = limits
	r.slots = make(chan struct{}, limits.MaxTasks)
	r.throughput.Store(limits.MaxThroughput)
	r.log().Debug("resource reloaded", "resource", r.name, "max_tasks", limits.MaxTasks, "max_throughput", limits.MaxThroughput)
}

// Limits returns the current limits.
func (r *Resource) Limits() Limits {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.limits
}

// StatusReport snapshots the resource counters.
func (r *Resource) StatusReport() Status {
	r.mu.Lock()
	running := len(r.jobs)
	r.mu.Unlock()
	return Status{
		Name:       r.name,
		Running:    running,
		Waiting:    int(r.waiting.Load()),
		TotalBytes: r.totalBytes.Load(),
	}
}

// Jobs lists live jobs ordered by ID.
func (r *Resource) Jobs() []JobReport {
	r.mu.Lock()
	out := make([]JobReport, 0, len(r.jobs))
	for _, job := range r.jobs {
		out = append(out, JobReport{
			ID:          job.ID,
			Description: job.Description,
			Size:        job.Size,
			Current:     job.Current(),
		})
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Close stops the governor, draining in-flight completion signals so no
// Report caller is left blocked.
func (r *Resource) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	r.mu.Unlock()
	close(r.quit)
	<-r.drained
}

// govern serialises throughput pacing. One governor per resource, spawned
// at construction; it drains queued completion signals on shutdown.
func (r *Resource) govern() {
	defer close(r.drained)
	for {
		select {
		case req := <-r.reports:
			r.pace(req)
		case <-r.quit:
			for {
				select {
				case req := <-r.reports:
					close(req.done)
				default:
					return
				}
			}
		}
	}
}

// pace sleeps for the duration the report's bytes cost at the current
// budget, then signals completion.
func (r *Resource) pace(req reportRequest) {
	throughput := r.throughput.Load()
	if throughput > Unbounded && req.bytes > 0 {
		delay := time.Duration(float64(req.bytes) / float64(throughput) * float64(time.Second))
		select {
		case <-time.After(delay):
		case <-r.quit:
		}
	}
	close(req.done)
}
