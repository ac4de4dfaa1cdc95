package outbox

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"egoipush/internal/eventbus"
	"egoipush/internal/metrics"
	rtsup "egoipush/internal/runtime/supervisor"
	"egoipush/internal/storage"
	logx "egoipush/pkg/logx"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
)

type Service struct {
	mu    sync.Mutex
	cfg   Config
	log   logx.Logger
	bus   *eventbus.Bus[eventbus.Event]
	store storage.JobStore
	m     *metrics.Metrics

	handlers map[string]Handler

	q        chan storage.JobRecord
	sup      *rtsup.Supervisor
	cron     *cron.Cron
	stopCh   chan struct{}
	stopDone chan struct{}

	// tracked holds ids that are queued or running so the sweep never
	// queues a job twice.
	tmu     sync.Mutex
	tracked map[string]struct{}

	hmu     sync.Mutex
	history []HistoryItem

	dropped uint64
}

type Option func(*Service)

func WithLogger(log logx.Logger) Option { return func(s *Service) { s.log = log } }

func WithBus(b *eventbus.Bus[eventbus.Event]) Option { return func(s *Service) { s.bus = b } }

func WithMetrics(m *metrics.Metrics) Option { return func(s *Service) { s.m = m } }

func New(cfg Config, store storage.JobStore, opts ...Option) *Service {
	s := &Service{
		cfg:      cfg.withDefaults(),
		store:    store,
		handlers: make(map[string]Handler),
		tracked:  make(map[string]struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	s.log = s.log.With(logx.String("comp", "outbox"))
	return s
}

// Handle registers the handler for kind. Registration normally happens
// before Start.
func (s *Service) Handle(kind string, h Handler) {
	s.mu.Lock()
	s.handlers[kind] = h
	s.mu.Unlock()
}

func (s *Service) handler(kind string) (Handler, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.handlers[kind]
	return h, ok
}

func (s *Service) running() (chan storage.JobRecord, chan struct{}, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopCh == nil || s.stopDone != nil {
		return nil, nil, false
	}
	return s.q, s.stopCh, true
}

// Apply swaps the retry policy. Worker and queue sizes take effect on the
// next Start.
func (s *Service) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
}

func (s *Service) config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Start launches workers, replays persisted jobs and schedules the sweep.
func (s *Service) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if s.store == nil {
		return ErrNoStore
	}
	s.mu.Lock()
	if s.stopCh != nil {
		s.mu.Unlock()
		return nil
	}
	cfg := s.cfg
	s.q = make(chan storage.JobRecord, cfg.QueueSize)
	s.stopCh = make(chan struct{})
	stopCh, queue := s.stopCh, s.q
	s.sup = rtsup.New(ctx,
		rtsup.WithLogger(s.log),
		rtsup.WithCancelOnError(false),
	)
	sup := s.sup
	s.mu.Unlock()

	for i := 0; i < cfg.Workers; i++ {
		idx := i
		sup.GoRestart(fmt.Sprintf("worker.%d", idx), func(c context.Context) error {
			s.worker(c, stopCh, queue, idx)
			select {
			case <-stopCh:
				return context.Canceled
			default:
			}
			if c.Err() != nil {
				return c.Err()
			}
			return errors.New("worker exited unexpectedly")
		})
	}

	s.Sweep(ctx)

	if spec := strings.TrimSpace(cfg.Sweep); spec != "" {
		c := cron.New(cron.WithParser(cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)))
		if _, err := c.AddFunc(spec, func() { s.Sweep(sup.Context()) }); err != nil {
			s.log.Warn("invalid outbox sweep expression; sweep disabled", logx.String("expr", spec), logx.Err(err))
		} else {
			c.Start()
			s.mu.Lock()
			s.cron = c
			s.mu.Unlock()
		}
	}

	s.log.Info("outbox started", logx.Int("workers", cfg.Workers), logx.Int("queue", cfg.QueueSize), logx.Int("max_attempts", cfg.MaxAttempts))
	return nil
}

// Stop halts workers. Jobs still persisted run again on the next Start.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.stopCh == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	s.stopDone = done
	close(s.stopCh)
	sup, c := s.sup, s.cron
	s.mu.Unlock()

	if c != nil {
		<-c.Stop().Done()
	}
	if sup != nil {
		sup.Cancel()
	}

	go func() {
		if sup != nil {
			_ = sup.Wait(context.Background())
		}
		s.mu.Lock()
		s.q = nil
		s.stopCh = nil
		s.stopDone = nil
		s.sup = nil
		s.cron = nil
		s.mu.Unlock()
		s.tmu.Lock()
		s.tracked = make(map[string]struct{})
		s.tmu.Unlock()
		s.m.SetOutboxQueued(0)
		close(done)
	}()

	select {
	case <-done:
		s.log.Info("outbox stopped")
	case <-ctx.Done():
		s.log.Warn("outbox stop timed out", logx.Err(ctx.Err()))
	}
}

// Submit persists a job and queues it. When the queue is full or the
// service is not running the job stays persisted for the next sweep.
func (s *Service) Submit(ctx context.Context, kind string, payload []byte) (string, error) {
	if s.store == nil {
		return "", ErrNoStore
	}
	if _, ok := s.handler(kind); !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}
	rec := storage.JobRecord{
		ID:        uuid.NewString(),
		Kind:      kind,
		Payload:   append([]byte(nil), payload...),
		CreatedAt: time.Now(),
	}
	if err := s.store.PutJob(ctx, rec); err != nil {
		return "", fmt.Errorf("persist job: %w", err)
	}
	s.enqueue(rec)
	return rec.ID, nil
}

// Sweep queues every persisted job not already queued or running.
func (s *Service) Sweep(ctx context.Context) int {
	if _, _, ok := s.running(); !ok {
		return 0
	}
	recs, err := s.store.ListJobs(ctx)
	if err != nil {
		s.log.Warn("outbox sweep failed", logx.Err(err))
		return 0
	}
	n := 0
	for _, rec := range recs {
		if s.enqueue(rec) {
			n++
		}
	}
	if n > 0 {
		s.log.Debug("outbox sweep queued jobs", logx.Int("count", n))
	}
	return n
}

func (s *Service) enqueue(rec storage.JobRecord) bool {
	queue, _, ok := s.running()
	if !ok {
		return false
	}
	s.tmu.Lock()
	if _, dup := s.tracked[rec.ID]; dup {
		s.tmu.Unlock()
		return false
	}
	s.tracked[rec.ID] = struct{}{}
	s.tmu.Unlock()

	select {
	case queue <- rec:
		s.m.SetOutboxQueued(len(queue))
		if s.bus != nil {
			eventbus.Emit(s.bus, EventQueued, JobEvent{ID: rec.ID, Kind: rec.Kind, Attempts: rec.Attempts})
		}
		return true
	default:
		s.untrack(rec.ID)
		atomic.AddUint64(&s.dropped, 1)
		s.m.OutboxJob(rec.Kind, OutcomeDropped)
		s.log.Debug("outbox queue full; job left for sweep", logx.String("id", rec.ID), logx.String("kind", rec.Kind))
		return false
	}
}

func (s *Service) untrack(id string) {
	s.tmu.Lock()
	delete(s.tracked, id)
	s.tmu.Unlock()
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	cfg := s.cfg
	q := s.q
	running := s.stopCh != nil && s.stopDone == nil
	s.mu.Unlock()

	s.tmu.Lock()
	tracked := len(s.tracked)
	s.tmu.Unlock()

	s.hmu.Lock()
	hist := append([]HistoryItem(nil), s.history...)
	s.hmu.Unlock()

	snap := Snapshot{
		Running:     running,
		Workers:     cfg.Workers,
		Tracked:     tracked,
		Dropped:     atomic.LoadUint64(&s.dropped),
		MaxAttempts: cfg.MaxAttempts,
		History:     hist,
	}
	if q != nil {
		snap.QueueLen = len(q)
		snap.QueueCap = cap(q)
	}
	return snap
}

func (s *Service) record(item HistoryItem, size int) {
	s.hmu.Lock()
	s.history = append(s.history, item)
	if len(s.history) > size {
		s.history = s.history[len(s.history)-size:]
	}
	s.hmu.Unlock()
}
