package sessions

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/davidahmann/sessiongate/core/killswitch"
	"github.com/davidahmann/sessiongate/core/pathpolicy"
	schemaaudit "github.com/davidahmann/sessiongate/core/schema/v1/audit"
	schemasession "github.com/davidahmann/sessiongate/core/schema/v1/session"
	"github.com/davidahmann/sessiongate/core/storage"
)

const (
	DefaultWriteTimeout = 10 * time.Second
	defaultQueueDepth   = 64
)

type Session = schemasession.Session
type Step = schemasession.Step

// AuditSink receives one event per committed mutation, in commit order.
type AuditSink interface {
	Append(event schemaaudit.Event) (schemaaudit.Event, error)
}

type Options struct {
	Storage      storage.Storage
	KillSwitch   *killswitch.Switch
	PathPolicy   *pathpolicy.Policy
	Audit        AuditSink
	Logger       *slog.Logger
	WriteTimeout time.Duration
	QueueDepth   int
	Now          func() time.Time
	NewID        func() string
}

// Service owns the session cache and the write queue. All mutations run one at a time
// on a single worker goroutine; reads are served from the last committed collection
// and never wait on the queue.
type Service struct {
	storage      storage.Storage
	killSwitch   *killswitch.Switch
	policy       pathpolicy.Policy
	policyDigest string
	audit        AuditSink
	logger       *slog.Logger
	writeTimeout time.Duration
	now          func() time.Time
	newID        func() string

	cache atomic.Pointer[schemasession.Collection]

	queue     chan *writeOp
	closing   chan struct{}
	done      chan struct{}
	closeOnce sync.Once

	// unfinishedSave is closed when a save that exceeded writeTimeout finally returns.
	// Only the worker goroutine touches it.
	unfinishedSave chan struct{}
}

const (
	opPending int32 = iota
	opRunning
	opCancelled
)

type mutation func(collection *schemasession.Collection, now time.Time) (any, []schemaaudit.Event, error)

type writeOp struct {
	name   string
	mutate mutation
	state  atomic.Int32
	reply  chan opResult
}

type opResult struct {
	value any
	err   error
}

func Open(ctx context.Context, opts Options) (*Service, error) {
	if opts.Storage == nil {
		return nil, validationError("storage is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	gate := opts.KillSwitch
	if gate == nil {
		gate = killswitch.New(logger)
	}
	policy := pathpolicy.Default()
	if opts.PathPolicy != nil {
		policy = *opts.PathPolicy
	}
	writeTimeout := opts.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = DefaultWriteTimeout
	}
	queueDepth := opts.QueueDepth
	if queueDepth <= 0 {
		queueDepth = defaultQueueDepth
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	newID := opts.NewID
	if newID == nil {
		newID = uuid.NewString
	}

	policyDigest, err := policy.Digest()
	if err != nil {
		return nil, validationError("path policy digest: %v", err)
	}

	collection, err := opts.Storage.Load(ctx)
	if err != nil {
		logger.Error("load session collection failed", "error", err)
		return nil, persistenceError("load session collection", err)
	}
	if collection.Sessions == nil {
		collection.Sessions = map[string]schemasession.Session{}
	}

	service := &Service{
		storage:      opts.Storage,
		killSwitch:   gate,
		policy:       policy,
		policyDigest: policyDigest,
		audit:        opts.Audit,
		logger:       logger,
		writeTimeout: writeTimeout,
		now:          now,
		newID:        newID,
		queue:        make(chan *writeOp, queueDepth),
		closing:      make(chan struct{}),
		done:         make(chan struct{}),
	}
	service.cache.Store(&collection)
	go service.run()
	logger.Info("session store ready", "sessions", len(collection.Sessions), "write_timeout", writeTimeout)
	return service, nil
}

// Close stops accepting writes, lets already queued writes finish, and waits for the
// worker to exit. The storage backend is left open for its owner to close.
func (s *Service) Close() error {
	s.closeOnce.Do(func() {
		close(s.closing)
	})
	<-s.done
	return nil
}

func (s *Service) KillSwitch() *killswitch.Switch {
	return s.killSwitch
}

func (s *Service) PathPolicy() pathpolicy.Policy {
	return s.policy
}

func (s *Service) run() {
	defer close(s.done)
	for {
		select {
		case op := <-s.queue:
			s.process(op)
		case <-s.closing:
			for {
				select {
				case op := <-s.queue:
					s.process(op)
				default:
					return
				}
			}
		}
	}
}

func (s *Service) process(op *writeOp) {
	if !op.state.CompareAndSwap(opPending, opRunning) {
		return
	}
	value, err := s.apply(op)
	op.reply <- opResult{value: value, err: err}
}

// apply runs one mutation against a copy of the committed collection and publishes
// the copy only after the backend has durably saved it.
func (s *Service) apply(op *writeOp) (any, error) {
	// The flag is checked again at flush time so a toggle also stops writes that were
	// queued before it.
	if err := s.killSwitch.Check(); err != nil {
		return nil, classify(err)
	}
	current := s.cache.Load()
	working := schemasession.Collection{
		SchemaID:      current.SchemaID,
		SchemaVersion: current.SchemaVersion,
		Sessions:      make(map[string]schemasession.Session, len(current.Sessions)+1),
	}
	for id, record := range current.Sessions {
		working.Sessions[id] = record
	}

	value, events, err := op.mutate(&working, s.now().UTC())
	if err != nil {
		return nil, classify(err)
	}
	if err := s.save(working); err != nil {
		s.logger.Error("session write failed", "op", op.name, "error", err)
		return nil, persistenceError("save session collection", err)
	}
	s.cache.Store(&working)
	s.logger.Debug("session write committed", "op", op.name, "sessions", len(working.Sessions))
	s.emit(events)
	return value, nil
}

func (s *Service) save(collection schemasession.Collection) error {
	ctx, cancel := context.WithTimeout(context.Background(), s.writeTimeout)
	defer cancel()

	if s.unfinishedSave != nil {
		select {
		case <-s.unfinishedSave:
			s.unfinishedSave = nil
		case <-ctx.Done():
			return fmt.Errorf("previous write still in progress: %w", ctx.Err())
		}
	}

	result := make(chan error, 1)
	go func() {
		result <- s.storage.Save(ctx, collection)
	}()
	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		finished := make(chan struct{})
		go func() {
			<-result
			close(finished)
		}()
		s.unfinishedSave = finished
		return fmt.Errorf("%w after %s: %w", errSaveTimedOut, s.writeTimeout, ctx.Err())
	}
}

func (s *Service) emit(events []schemaaudit.Event) {
	if s.audit == nil {
		return
	}
	for _, event := range events {
		if _, err := s.audit.Append(event); err != nil {
			s.logger.Warn("audit append failed", "session_id", event.SessionID, "type", event.Type, "error", err)
		}
	}
}

// submit enqueues a mutation and waits for its outcome. A caller whose context ends
// before the worker picks the op up gets ctx.Err() and the op never runs; once running
// the op is waited for so the caller always learns whether it committed.
func (s *Service) submit(ctx context.Context, name string, mutate mutation) (any, error) {
	if err := s.killSwitch.Check(); err != nil {
		return nil, classify(err)
	}
	select {
	case <-s.closing:
		return nil, classify(ErrClosed)
	default:
	}

	op := &writeOp{name: name, mutate: mutate, reply: make(chan opResult, 1)}
	select {
	case s.queue <- op:
	case <-s.closing:
		return nil, classify(ErrClosed)
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case result := <-op.reply:
		return result.value, result.err
	case <-ctx.Done():
		if op.state.CompareAndSwap(opPending, opCancelled) {
			return nil, ctx.Err()
		}
	case <-s.done:
		if op.state.CompareAndSwap(opPending, opCancelled) {
			return nil, classify(ErrClosed)
		}
	}
	result := <-op.reply
	return result.value, result.err
}

func (s *Service) snapshot() *schemasession.Collection {
	return s.cache.Load()
}
