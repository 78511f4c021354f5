// Package session is the entry point for conversations. It owns session
// lifecycle, checks that callers only touch their own sessions, and runs at
// most one turn per session at a time.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sqlagent/sqlagent/internal/agent"
	"github.com/sqlagent/sqlagent/internal/cache"
	"github.com/sqlagent/sqlagent/internal/connector"
	"github.com/sqlagent/sqlagent/internal/errs"
	"github.com/sqlagent/sqlagent/internal/llm"
	"github.com/sqlagent/sqlagent/internal/nl2sql"
	"github.com/sqlagent/sqlagent/internal/observability"
	"github.com/sqlagent/sqlagent/internal/store"
)

const (
	BusyPolicyQueue = "queue"
	BusyPolicyFail  = "fail"
)

// Bindings is the connector cache as seen by the orchestrator. *cache.Cache
// satisfies it.
type Bindings interface {
	Bind(ctx context.Context, userID, sessionID string, d connector.Descriptor) error
	Unbind(ctx context.Context, sessionID string) error
	IsBound(ctx context.Context, sessionID string) (bool, error)
	View(sessionID string) cache.View
}

// Archiver stores a transcript before a session is deleted. Discard drops
// an archive whose session survived.
type Archiver interface {
	Archive(ctx context.Context, sessionID, userID string, messages []llm.Message) (string, error)
	Discard(ctx context.Context, key string) error
}

type Config struct {
	MaxSteps   int
	BusyPolicy string
	// DefaultDriver fills saved connections that name no driver.
	DefaultDriver string
	// IdleTTL is how long an unused session slot is kept in memory.
	IdleTTL       time.Duration
	SweepInterval time.Duration
}

type Dependencies struct {
	Bindings   Bindings
	Repository store.Repository
	Completer  llm.Completer
	Translator nl2sql.Translator
	Summarizer nl2sql.Summarizer
	// Archiver is optional.
	Archiver Archiver
	Logger   *slog.Logger
}

type Answer struct {
	Text        string             `json:"answer"`
	Steps       int                `json:"steps"`
	Invocations []agent.Invocation `json:"invocations,omitempty"`
}

// Info is a registry row plus its live binding status.
type Info struct {
	store.Session
	Status string `json:"status"`
}

type Orchestrator struct {
	deps   Dependencies
	cfg    Config
	logger *slog.Logger
	newID  func() string
	now    func() time.Time

	mu    sync.Mutex
	slots map[string]*slot
}

// slot serializes turns for one session and holds its lazily built machine.
// machine is only touched by the holder of sem. The remaining fields are
// guarded by Orchestrator.mu.
type slot struct {
	sem     chan struct{}
	machine *agent.Machine

	holders  int
	lastUsed time.Time
	retired  bool
}

func New(cfg Config, deps Dependencies) (*Orchestrator, error) {
	if deps.Bindings == nil {
		return nil, fmt.Errorf("bindings are required")
	}
	if deps.Repository == nil {
		return nil, fmt.Errorf("repository is required")
	}
	if deps.Completer == nil || deps.Translator == nil || deps.Summarizer == nil {
		return nil, fmt.Errorf("completer, translator and summarizer are required")
	}
	switch cfg.BusyPolicy {
	case "":
		cfg.BusyPolicy = BusyPolicyQueue
	case BusyPolicyQueue, BusyPolicyFail:
	default:
		return nil, fmt.Errorf("unsupported busy policy %q", cfg.BusyPolicy)
	}
	if cfg.MaxSteps <= 0 {
		cfg.MaxSteps = agent.DefaultMaxSteps
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = 30 * time.Minute
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Minute
	}
	return &Orchestrator{
		deps:   deps,
		cfg:    cfg,
		logger: observability.LoggerOrDefault(deps.Logger),
		newID:  uuid.NewString,
		now:    time.Now,
		slots:  make(map[string]*slot),
	}, nil
}

func (o *Orchestrator) CreateSession(ctx context.Context, userID string) (store.Session, error) {
	if strings.TrimSpace(userID) == "" {
		return store.Session{}, fmt.Errorf("user id is required")
	}
	session, err := o.deps.Repository.CreateSession(ctx, store.Session{ID: o.newID(), UserID: userID})
	if err != nil {
		return store.Session{}, err
	}
	o.logger.InfoContext(ctx, "session created", slog.String("session_id", session.ID), slog.String("user_id", userID))
	return session, nil
}

func (o *Orchestrator) GetSession(ctx context.Context, userID, sessionID string) (Info, error) {
	session, err := o.owned(ctx, userID, sessionID)
	if err != nil {
		return Info{}, err
	}
	bound, err := o.deps.Bindings.IsBound(ctx, sessionID)
	if err != nil {
		return Info{}, err
	}
	status := cache.StatusUnbound
	if bound {
		status = cache.StatusBound
	}
	return Info{Session: session, Status: status}, nil
}

func (o *Orchestrator) ListSessions(ctx context.Context, userID string) ([]store.Session, error) {
	return o.deps.Repository.ListSessions(ctx, userID)
}

// BindSession attaches a database to the session. A session id the registry
// has never seen is registered to the caller first. A running turn finishes
// before its connector is replaced.
func (o *Orchestrator) BindSession(ctx context.Context, userID, sessionID string, d connector.Descriptor) error {
	if strings.TrimSpace(sessionID) == "" {
		return fmt.Errorf("session id is required")
	}
	if err := o.claim(ctx, userID, sessionID); err != nil {
		return err
	}
	_, release, err := o.lock(ctx, sessionID, o.cfg.BusyPolicy == BusyPolicyQueue)
	if err != nil {
		return err
	}
	defer release()
	if err := o.claim(ctx, userID, sessionID); err != nil {
		return err
	}

	ctx = observability.ContextWithSessionID(ctx, sessionID)
	if err := o.deps.Bindings.Bind(ctx, userID, sessionID, d); err != nil {
		return err
	}
	o.logger.InfoContext(ctx, "session bound", append(observability.RequestAttrs(ctx), slog.String("target", d.String()))...)
	return nil
}

// claim checks that userID owns sessionID, registering it when unknown.
func (o *Orchestrator) claim(ctx context.Context, userID, sessionID string) error {
	_, err := o.owned(ctx, userID, sessionID)
	if errors.Is(err, store.ErrNotFound) {
		_, err = o.deps.Repository.CreateSession(ctx, store.Session{ID: sessionID, UserID: userID})
		if errors.Is(err, store.ErrAlreadyExists) {
			_, err = o.owned(ctx, userID, sessionID)
		}
	}
	return err
}

func (o *Orchestrator) IsBound(ctx context.Context, userID, sessionID string) (bool, error) {
	if _, err := o.owned(ctx, userID, sessionID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return o.deps.Bindings.IsBound(ctx, sessionID)
}

// UnbindSession is idempotent. Conversation memory is kept. A running turn
// finishes before the connector is closed.
func (o *Orchestrator) UnbindSession(ctx context.Context, userID, sessionID string) error {
	if _, err := o.owned(ctx, userID, sessionID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	}
	_, release, err := o.lock(ctx, sessionID, o.cfg.BusyPolicy == BusyPolicyQueue)
	if err != nil {
		return err
	}
	defer release()
	if _, err := o.owned(ctx, userID, sessionID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	}

	if err := o.deps.Bindings.Unbind(ctx, sessionID); err != nil {
		return err
	}
	o.logger.InfoContext(ctx, "session unbound", slog.String("session_id", sessionID))
	return nil
}

// Ask runs one turn. An unbound session fails with errs.ErrNotBound before
// the model is called. Ownership and binding are checked again once the
// turn slot is held, since a queued caller may find the session unbound or
// deleted by the time it gets there.
func (o *Orchestrator) Ask(ctx context.Context, userID, sessionID, question string) (Answer, error) {
	if strings.TrimSpace(question) == "" {
		return Answer{}, fmt.Errorf("question is required")
	}
	if err := o.askable(ctx, userID, sessionID); err != nil {
		return Answer{}, err
	}

	s, release, err := o.lock(ctx, sessionID, o.cfg.BusyPolicy == BusyPolicyQueue)
	if err != nil {
		return Answer{}, err
	}
	defer release()
	if err := o.askable(ctx, userID, sessionID); err != nil {
		return Answer{}, err
	}

	if s.machine == nil {
		machine, err := o.buildMachine(sessionID)
		if err != nil {
			return Answer{}, err
		}
		s.machine = machine
	}
	result, err := s.machine.Run(ctx, question)
	if err != nil {
		return Answer{}, err
	}
	return Answer{Text: result.Answer, Steps: result.Steps, Invocations: result.Invocations}, nil
}

func (o *Orchestrator) askable(ctx context.Context, userID, sessionID string) error {
	if _, err := o.owned(ctx, userID, sessionID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return errs.ErrNotBound
		}
		return err
	}
	bound, err := o.deps.Bindings.IsBound(ctx, sessionID)
	if err != nil {
		return err
	}
	if !bound {
		return errs.ErrNotBound
	}
	return nil
}

// History returns the checkpointed conversation memory.
func (o *Orchestrator) History(ctx context.Context, userID, sessionID string) ([]llm.Message, error) {
	if _, err := o.owned(ctx, userID, sessionID); err != nil {
		return nil, err
	}
	cp, err := o.deps.Repository.LoadCheckpoint(ctx, sessionID)
	if errors.Is(err, store.ErrNotFound) {
		return []llm.Message{}, nil
	}
	if err != nil {
		return nil, err
	}
	return cp.Messages, nil
}

// DeleteSession waits for any in-flight turn, unbinds, archives the
// transcript when an archiver is configured, and removes the registry row
// together with its checkpoint. A failed archive leaves the session in
// place so the delete can be retried.
func (o *Orchestrator) DeleteSession(ctx context.Context, userID, sessionID string) error {
	session, err := o.owned(ctx, userID, sessionID)
	if err != nil {
		return err
	}
	s, release, err := o.lock(ctx, sessionID, true)
	if err != nil {
		return err
	}
	defer release()
	if session, err = o.owned(ctx, userID, sessionID); err != nil {
		return err
	}

	if err := o.deps.Bindings.Unbind(ctx, sessionID); err != nil {
		return err
	}
	archived := ""
	if o.deps.Archiver != nil {
		cp, err := o.deps.Repository.LoadCheckpoint(ctx, sessionID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}
		if archived, err = o.deps.Archiver.Archive(ctx, session.ID, session.UserID, cp.Messages); err != nil {
			return err
		}
	}
	if err := o.deps.Repository.DeleteSession(ctx, sessionID); err != nil {
		if archived != "" {
			if discardErr := o.deps.Archiver.Discard(ctx, archived); discardErr != nil {
				o.logger.WarnContext(ctx, "orphaned transcript archive",
					slog.String("session_id", sessionID),
					slog.String("object_key", archived),
					slog.String("error", discardErr.Error()))
			}
		}
		return err
	}
	if err := o.deps.Repository.DeleteCheckpoint(ctx, sessionID); err != nil {
		return err
	}

	o.retire(sessionID, s)
	o.logger.InfoContext(ctx, "session deleted", slog.String("session_id", sessionID), slog.String("user_id", userID))
	return nil
}

// owned loads the registry row and checks that userID owns it.
func (o *Orchestrator) owned(ctx context.Context, userID, sessionID string) (store.Session, error) {
	session, err := o.deps.Repository.GetSession(ctx, sessionID)
	if err != nil {
		return store.Session{}, err
	}
	if session.UserID != userID {
		return store.Session{}, errs.ErrForbidden
	}
	return session, nil
}

// lock takes the turn slot for sessionID. With wait false a held slot fails
// with errs.ErrSessionBusy. A slot retired while the caller was queued is
// given up and the caller queues again on the current one.
func (o *Orchestrator) lock(ctx context.Context, sessionID string, wait bool) (*slot, func(), error) {
	for {
		o.mu.Lock()
		s, ok := o.slots[sessionID]
		if !ok {
			s = &slot{sem: make(chan struct{}, 1), lastUsed: o.now()}
			o.slots[sessionID] = s
		}
		s.holders++
		o.mu.Unlock()

		if err := enter(ctx, s, wait); err != nil {
			o.leave(s)
			return nil, nil, err
		}

		o.mu.Lock()
		retired := s.retired
		o.mu.Unlock()
		if !retired {
			return s, func() {
				<-s.sem
				o.leave(s)
			}, nil
		}
		<-s.sem
		o.leave(s)
	}
}

func enter(ctx context.Context, s *slot, wait bool) error {
	if !wait {
		select {
		case s.sem <- struct{}{}:
			return nil
		default:
			return errs.ErrSessionBusy
		}
	}
	select {
	case s.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for session turn: %w", ctx.Err())
	}
}

func (o *Orchestrator) leave(s *slot) {
	o.mu.Lock()
	defer o.mu.Unlock()
	s.holders--
	s.lastUsed = o.now()
}

// retire drops s from the slot table. Callers still queued on it move to a
// fresh slot.
func (o *Orchestrator) retire(sessionID string, s *slot) {
	o.mu.Lock()
	defer o.mu.Unlock()
	s.retired = true
	if o.slots[sessionID] == s {
		delete(o.slots, sessionID)
	}
}

// SweepIdle drops slots nobody holds or waits on that have been unused for
// longer than IdleTTL, together with their machines, and returns how many
// were dropped. Conversation memory lives in the checkpoint store, so a
// later turn rebuilds the machine.
func (o *Orchestrator) SweepIdle(ctx context.Context) int {
	cutoff := o.now().Add(-o.cfg.IdleTTL)
	o.mu.Lock()
	dropped := 0
	for sessionID, s := range o.slots {
		if s.holders == 0 && s.lastUsed.Before(cutoff) {
			s.retired = true
			delete(o.slots, sessionID)
			dropped++
		}
	}
	o.mu.Unlock()
	if dropped > 0 {
		o.logger.InfoContext(ctx, "idle session slots dropped", slog.Int("count", dropped))
	}
	return dropped
}

// Run sweeps idle slots until ctx is done.
func (o *Orchestrator) Run(ctx context.Context) error {
	ticker := time.NewTicker(o.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			o.SweepIdle(ctx)
		}
	}
}

func (o *Orchestrator) buildMachine(sessionID string) (*agent.Machine, error) {
	tools, err := agent.NewToolset(o.deps.Bindings.View(sessionID), o.deps.Translator, o.deps.Summarizer)
	if err != nil {
		return nil, err
	}
	return agent.NewMachine(agent.Config{SessionID: sessionID, MaxSteps: o.cfg.MaxSteps}, o.deps.Completer, tools, o.deps.Repository, o.logger)
}
