package mirror

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"mixbag/pkg/domain/model"
)

const DefaultSyncTimeout = 10 * time.Second

type state int32

const (
	stateIdle state = iota
	statePushing
	stateApplyingRemote
)

func (s state) String() string {
	switch s {
	case statePushing:
		return "pushing"
	case stateApplyingRemote:
		return "applyingRemote"
	}
	return "idle"
}

type Option func(*Mirror)

func WithSyncTimeout(timeout time.Duration) Option {
	return func(m *Mirror) { m.timeout = timeout }
}

// WithOrigin fixes the client id stamped on pushed documents.
func WithOrigin(origin string) Option {
	return func(m *Mirror) { m.origin = origin }
}

// Mirror keeps one remote document in step with the local ledger.
//
// A push is only started from the idle state, and remote documents are applied
// in the applyingRemote state, so a local save triggered by applying a remote
// snapshot is never pushed back. Documents carrying this client's origin and a
// revision it has already pushed are echoes and are not delivered to
// subscribers.
type Mirror struct {
	store   DocumentStore
	docID   string
	origin  string
	timeout time.Duration
	logger  logrus.FieldLogger

	mu       sync.Mutex
	changed  *sync.Cond
	state    state
	revision int64
}

func New(store DocumentStore, docID string, logger logrus.FieldLogger, opts ...Option) *Mirror {
	if docID == "" {
		docID = DefaultDocumentID
	}
	m := &Mirror{
		store:   store,
		docID:   docID,
		origin:  uuid.NewString(),
		timeout: DefaultSyncTimeout,
	}
	m.changed = sync.NewCond(&m.mu)
	for _, opt := range opts {
		opt(m)
	}
	m.logger = logger.WithFields(logrus.Fields{"document": m.docID, "origin": m.origin})
	return m
}

func (m *Mirror) Origin() string { return m.origin }

// PushSnapshot writes snapshot to the remote document in the background. It
// reports false, and drops the snapshot, when the mirror is not idle.
func (m *Mirror) PushSnapshot(snapshot model.Snapshot) bool {
	m.mu.Lock()
	if m.state != stateIdle {
		current := m.state
		m.mu.Unlock()
		m.logger.WithField("state", current).Debug("push skipped")
		return false
	}
	m.state = statePushing
	m.revision++
	doc := Document{
		ID:       m.docID,
		Snapshot: snapshot,
		Origin:   m.origin,
		Revision: m.revision,
	}
	m.mu.Unlock()

	go func() {
		defer m.transition(statePushing, stateIdle)

		ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
		defer cancel()

		updatedAt, err := m.store.Set(ctx, doc)
		if err != nil {
			m.logger.WithError(err).WithField("revision", doc.Revision).Error("failed to push snapshot")
			return
		}
		m.logger.WithFields(logrus.Fields{
			"revision":    doc.Revision,
			"lastUpdated": updatedAt,
		}).Debug("snapshot pushed")
	}()
	return true
}

// PullSnapshot fetches the remote snapshot once. A nil snapshot with a nil
// error means no remote document exists yet.
func (m *Mirror) PullSnapshot(ctx context.Context) (*model.Snapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	doc, err := m.store.Get(ctx, m.docID)
	if err != nil {
		if errors.Is(err, ErrDocumentNotFound) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "pull snapshot")
	}
	return &doc.Snapshot, nil
}

// BeginApply waits for an in-flight push, then holds the mirror in the
// applyingRemote state until EndApply. Calls must not be nested.
func (m *Mirror) BeginApply() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for m.state != stateIdle {
		m.changed.Wait()
	}
	m.state = stateApplyingRemote
}

func (m *Mirror) EndApply() {
	m.transition(stateApplyingRemote, stateIdle)
}

// Wait blocks until no push is in flight.
func (m *Mirror) Wait() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for m.state == statePushing {
		m.changed.Wait()
	}
}

func (m *Mirror) transition(from, to state) {
	m.mu.Lock()
	if m.state == from {
		m.state = to
		m.changed.Broadcast()
	}
	m.mu.Unlock()
}

// Subscription streams remote snapshots written by other clients.
type Subscription struct {
	events chan model.Snapshot
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

func (s *Subscription) Events() <-chan model.Snapshot {
	return s.events
}

// Unsubscribe stops the stream and closes Events. It is safe to call more than once.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() {
		s.cancel()
		<-s.done
	})
}

// Subscribe opens a watch on the remote document. The subscription ends when
// ctx is cancelled, Unsubscribe is called or the remote stream closes.
func (m *Mirror) Subscribe(ctx context.Context) (*Subscription, error) {
	return m.subscribe(ctx, false)
}

// Resubscribe is Subscribe for a client that may have missed writes while it
// was not watching: the current remote document is delivered first, unless it
// is an echo.
func (m *Mirror) Resubscribe(ctx context.Context) (*Subscription, error) {
	return m.subscribe(ctx, true)
}

func (m *Mirror) subscribe(ctx context.Context, catchUp bool) (*Subscription, error) {
	ctx, cancel := context.WithCancel(ctx)
	docs, err := m.store.Watch(ctx, m.docID)
	if err != nil {
		cancel()
		return nil, errors.Wrap(err, "watch remote document")
	}

	sub := &Subscription{
		events: make(chan model.Snapshot),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go func() {
		defer close(sub.done)
		defer close(sub.events)
		if catchUp {
			if doc := m.current(ctx); doc != nil && !m.isEcho(*doc) {
				select {
				case sub.events <- doc.Snapshot:
				case <-ctx.Done():
					return
				}
			}
		}
		for {
			select {
			case <-ctx.Done():
				return
			case doc, ok := <-docs:
				if !ok {
					return
				}
				if m.isEcho(doc) {
					m.logger.WithField("revision", doc.Revision).Debug("echo skipped")
					continue
				}
				select {
				case sub.events <- doc.Snapshot:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return sub, nil
}

// current fetches the remote document, logging failures.
func (m *Mirror) current(ctx context.Context) *Document {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	doc, err := m.store.Get(ctx, m.docID)
	if err != nil {
		if !errors.Is(err, ErrDocumentNotFound) {
			m.logger.WithError(err).Warn("failed to fetch remote document on resubscribe")
		}
		return nil
	}
	return doc
}

func (m *Mirror) isEcho(doc Document) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return doc.Origin == m.origin && doc.Revision <= m.revision
}
