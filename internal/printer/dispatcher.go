package printer

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/thereceipt/thermal-dispatch/internal/codepage"
	"github.com/thereceipt/thermal-dispatch/internal/logging"
	"github.com/thereceipt/thermal-dispatch/internal/markup"
	"github.com/thereceipt/thermal-dispatch/internal/renderer"
)

const (
	DefaultQueueSize    = 32
	DefaultHistoryLimit = 256
)

// JobStatus is the lifecycle state of a print call.
type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobPrinting  JobStatus = "printing"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// Job is the history record of one print call.
type Job struct {
	ID         string        `json:"id"`
	Transport  TransportKind `json:"transport"`
	Target     string        `json:"target"`
	Status     JobStatus     `json:"status"`
	Code       string        `json:"code,omitempty"`
	Error      string        `json:"error,omitempty"`
	Bytes      int           `json:"bytes,omitempty"`
	CreatedAt  time.Time     `json:"created_at"`
	StartedAt  *time.Time    `json:"started_at,omitempty"`
	FinishedAt *time.Time    `json:"finished_at,omitempty"`
}

// Result completes a submitted call. It is delivered exactly once.
type Result struct {
	JobID string
	Err   error
}

type task struct {
	job  *Job
	req  PrintRequest
	done chan Result
}

// Dispatcher runs print calls one at a time on a single worker.
type Dispatcher struct {
	tasks      chan *task
	transports *TransportSet
	client     *http.Client

	cashboxCut   bool
	renderMarkup bool
	historyLimit int
	listener     func(Job)

	mu   sync.Mutex
	jobs []*Job

	sendMu   sync.RWMutex
	stopped  bool
	stopOnce sync.Once
	quit     chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

func WithQueueSize(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.tasks = make(chan *task, n)
		}
	}
}

// WithHistoryLimit caps the number of finished jobs kept; 0 keeps all.
func WithHistoryLimit(n int) Option {
	return func(d *Dispatcher) { d.historyLimit = n }
}

func WithTransports(set *TransportSet) Option {
	return func(d *Dispatcher) { d.transports = set }
}

// WithTransport overrides a single transport.
func WithTransport(kind TransportKind, t Transport) Option {
	return func(d *Dispatcher) { d.transports.Set(kind, t) }
}

// WithHTTPClient sets the client used to fetch remote images.
func WithHTTPClient(c *http.Client) Option {
	return func(d *Dispatcher) { d.client = c }
}

// WithCashboxCut also cuts after the drawer pulse when both are requested.
func WithCashboxCut(enabled bool) Option {
	return func(d *Dispatcher) { d.cashboxCut = enabled }
}

// WithRenderMarkup interprets markup for calls that do not choose.
func WithRenderMarkup(enabled bool) Option {
	return func(d *Dispatcher) { d.renderMarkup = enabled }
}

// WithJobListener receives a copy of the job on every status change.
func WithJobListener(fn func(Job)) Option {
	return func(d *Dispatcher) { d.listener = fn }
}

// NewDispatcher creates a dispatcher and starts its worker.
func NewDispatcher(opts ...Option) *Dispatcher {
	ctx, cancel := context.WithCancel(context.Background())

	d := &Dispatcher{
		tasks:        make(chan *task, DefaultQueueSize),
		transports:   NewTransportSet(TransportConfig{}),
		client:       http.DefaultClient,
		historyLimit: DefaultHistoryLimit,
		quit:         make(chan struct{}),
		ctx:          ctx,
		cancel:       cancel,
	}
	for _, opt := range opts {
		opt(d)
	}

	d.wg.Add(1)
	go d.worker()

	return d
}

// Transports returns the transports the dispatcher sends through.
func (d *Dispatcher) Transports() *TransportSet {
	return d.transports
}

// Submit validates req and queues it. Validation failures and a stopped
// dispatcher are reported directly; everything else arrives on the
// returned channel. Submit blocks while the queue is full.
func (d *Dispatcher) Submit(ctx context.Context, req PrintRequest) (string, <-chan Result, error) {
	if err := validate(req); err != nil {
		return "", nil, err
	}

	d.sendMu.RLock()
	defer d.sendMu.RUnlock()
	if d.stopped {
		return "", nil, ErrDispatcherStopped
	}

	job := &Job{
		ID:        uuid.New().String(),
		Transport: req.Target.Kind(),
		Target:    req.Target.String(),
		Status:    JobQueued,
		CreatedAt: time.Now(),
	}
	t := &task{job: job, req: req, done: make(chan Result, 1)}

	d.record(job)

	select {
	case d.tasks <- t:
	case <-ctx.Done():
		d.forget(job)
		return "", nil, ctx.Err()
	case <-d.quit:
		d.forget(job)
		return "", nil, ErrDispatcherStopped
	}

	logging.Debug("print job queued", "job_id", job.ID, "transport", string(job.Transport), "target", job.Target)

	return job.ID, t.done, nil
}

// Print submits req and waits for its completion or for ctx. A cancelled
// ctx stops the wait only; the call still runs.
func (d *Dispatcher) Print(ctx context.Context, req PrintRequest) (string, error) {
	id, done, err := d.Submit(ctx, req)
	if err != nil {
		return "", err
	}

	select {
	case res := <-done:
		return id, res.Err
	case <-ctx.Done():
		return id, ctx.Err()
	}
}

func (d *Dispatcher) PrintTCP(ctx context.Context, req TCPRequest) (string, error) {
	return d.Print(ctx, req.PrintRequest())
}

func (d *Dispatcher) PrintBluetooth(ctx context.Context, req BluetoothRequest) (string, error) {
	return d.Print(ctx, req.PrintRequest())
}

func (d *Dispatcher) PrintUSB(ctx context.Context, req USBRequest) (string, error) {
	return d.Print(ctx, req.PrintRequest())
}

// Stop refuses new calls, lets the running call finish and fails the
// queued ones with ErrDispatcherStopped. A pending connect or USB
// permission wait is abandoned.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() {
		close(d.quit)

		d.sendMu.Lock()
		d.stopped = true
		d.sendMu.Unlock()

		d.cancel()
		d.wg.Wait()
		d.drain()
	})
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()

	for {
		select {
		case <-d.quit:
			return
		default:
		}

		select {
		case <-d.quit:
			return
		case t := <-d.tasks:
			d.run(t)
		}
	}
}

func (d *Dispatcher) drain() {
	for {
		select {
		case t := <-d.tasks:
			d.finish(t, 0, ErrDispatcherStopped)
		default:
			return
		}
	}
}

func (d *Dispatcher) run(t *task) {
	d.update(t.job, func(j *Job) {
		now := time.Now()
		j.Status = JobPrinting
		j.StartedAt = &now
	})

	data := d.build(t.req)
	err := d.deliver(t.req, data)
	d.finish(t, len(data), err)
}

func (d *Dispatcher) finish(t *task, n int, err error) {
	d.update(t.job, func(j *Job) {
		now := time.Now()
		j.FinishedAt = &now
		if err != nil {
			j.Status = JobFailed
			j.Code = CodeOf(err)
			j.Error = err.Error()
			return
		}
		j.Status = JobCompleted
		j.Bytes = n
	})

	if err != nil {
		logging.Error("print job failed", "job_id", t.job.ID, "code", CodeOf(err), "error", err)
	} else {
		logging.Info("print job completed", "job_id", t.job.ID, "bytes", n)
	}

	d.trimHistory()
	t.done <- Result{JobID: t.job.ID, Err: err}
}

// build encodes the payload and appends feed and trailer. It never fails.
func (d *Dispatcher) build(req PrintRequest) []byte {
	opts := normalize(req.Options)
	paper := ResolvePaper(opts.PrinterWidthMM, opts.CharsPerLine)

	cp, ok := codepage.Resolve(opts.Codepage)
	if !ok && opts.Codepage != "" {
		logging.Warn("unknown codepage, sending UTF-8", "codepage", opts.Codepage)
	}
	if opts.Density != nil {
		logging.Debug("print density requested", "density", *opts.Density)
	}

	resolver := renderer.NewResolver(d.client, &renderer.Rasterizer{
		WidthDots: paper.WidthDots,
		Threshold: renderer.DefaultThreshold,
	})
	enc := markup.NewEncoder(resolver)
	style := markup.Style{Bold: opts.Bold, Underline: opts.Underline}

	render := d.renderMarkup
	if opts.RenderMarkup != nil {
		render = *opts.RenderMarkup
	}

	var body []byte
	if render {
		body = enc.Render(opts.Payload, style, cp, markup.Layout{
			CharsPerLine: paper.CharsPerLine,
			WidthDots:    paper.WidthDots,
		})
	} else {
		body = enc.Encode(opts.Payload, style, cp)
	}

	return BuildCommandStream(body, opts.Flags, d.cashboxCut)
}

func (d *Dispatcher) deliver(req PrintRequest, data []byte) error {
	kind := req.Target.Kind()

	transport, err := d.transports.Get(kind)
	if err != nil {
		return connectionError(kind, "connect", err)
	}

	timeout := time.Duration(req.Options.Timeout) * time.Millisecond
	conn, err := transport.Connect(d.ctx, req.Target, timeout)
	if err != nil {
		return asPrintError(kind, "connect", err)
	}

	s := newSession(kind, conn)
	defer s.disconnect()

	return s.send(data)
}

func (d *Dispatcher) record(job *Job) {
	d.mu.Lock()
	d.jobs = append(d.jobs, job)
	snapshot := *job
	d.mu.Unlock()

	d.notify(snapshot)
}

// forget removes a job that never made it into the queue.
func (d *Dispatcher) forget(job *Job) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for i, j := range d.jobs {
		if j == job {
			d.jobs = append(d.jobs[:i], d.jobs[i+1:]...)
			return
		}
	}
}

func (d *Dispatcher) update(job *Job, fn func(*Job)) {
	d.mu.Lock()
	fn(job)
	snapshot := *job
	d.mu.Unlock()

	d.notify(snapshot)
}

func (d *Dispatcher) notify(job Job) {
	if d.listener != nil {
		d.listener(job)
	}
}

// trimHistory drops the oldest finished jobs beyond the limit.
func (d *Dispatcher) trimHistory() {
	if d.historyLimit <= 0 {
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	excess := len(d.jobs) - d.historyLimit
	if excess <= 0 {
		return
	}
	kept := d.jobs[:0]
	for _, j := range d.jobs {
		if excess > 0 && (j.Status == JobCompleted || j.Status == JobFailed) {
			excess--
			continue
		}
		kept = append(kept, j)
	}
	d.jobs = kept
}

// GetJob returns a copy of a job by ID
func (d *Dispatcher) GetJob(id string) (Job, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, job := range d.jobs {
		if job.ID == id {
			return *job, true
		}
	}
	return Job{}, false
}

// GetAllJobs returns copies of all jobs, oldest first
func (d *Dispatcher) GetAllJobs() []Job {
	d.mu.Lock()
	defer d.mu.Unlock()

	jobs := make([]Job, len(d.jobs))
	for i, job := range d.jobs {
		jobs[i] = *job
	}
	return jobs
}

// ClearCompleted removes completed jobs and returns how many were removed
func (d *Dispatcher) ClearCompleted() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	filtered := d.jobs[:0]
	for _, job := range d.jobs {
		if job.Status != JobCompleted {
			filtered = append(filtered, job)
		}
	}
	removed := len(d.jobs) - len(filtered)
	for i := len(filtered); i < len(d.jobs); i++ {
		d.jobs[i] = nil
	}
	d.jobs = filtered
	return removed
}
