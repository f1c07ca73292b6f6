package core

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"labelcheck-assistant/pkg"
)

var (
	// ErrBusy is returned when a turn is submitted while another is in flight.
	ErrBusy = errors.New("a question is already being processed")
	// ErrClosed is returned when submitting to a torn-down session.
	ErrClosed = errors.New("session is closed")
	// ErrEmptyTurn is returned when neither text nor an image was given.
	ErrEmptyTurn = errors.New("empty question")
)

// archiveTimeout bounds how long a single archive write may take.
const archiveTimeout = 5 * time.Second

// Archive receives every exchange once its agent turn has been revealed.
type Archive interface {
	ArchiveExchange(ctx context.Context, sessionID string, user, agent pkg.Turn, failed bool) error
}

// Options configures a Session.  Only Backend is required.
type Options struct {
	ID       string
	Backend  Backend
	Reveal   RevealConfig
	Clock    Clock
	Archive  Archive
	OnUpdate func(turnID string)
	Logger   *zap.Logger
}

// Session is the engine for one conversation.  It owns the turn log, the
// profile, the reveal scheduler and the in-flight lock; all mutations go
// through Submit and the completion of the request it starts.
type Session struct {
	ID string

	store      *TurnStore
	profile    *ProfileState
	dispatcher *Dispatcher
	reveal     *RevealScheduler
	archive    Archive
	onUpdate   func(turnID string)
	logger     *zap.Logger

	mu       sync.Mutex
	inFlight bool
	closed   bool
	// pendingReveal is the agent turn whose reveal callback holds a wg slot.
	// Whoever clears it (the callback or Close) releases the slot.
	pendingReveal string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSession constructs a session.  A zero Reveal config means
// DefaultRevealConfig.
func NewSession(opts Options) *Session {
	if opts.ID == "" {
		opts.ID = uuid.NewString()
	}
	if opts.Reveal == (RevealConfig{}) {
		opts.Reveal = DefaultRevealConfig()
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("session_id", opts.ID))
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		ID:         opts.ID,
		store:      NewTurnStore(),
		profile:    NewProfileState(),
		dispatcher: NewDispatcher(opts.Backend, logger),
		reveal:     NewRevealScheduler(opts.Reveal, opts.Clock, logger),
		archive:    opts.Archive,
		onUpdate:   opts.OnUpdate,
		logger:     logger,
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Submit starts a new turn.  It appends the user/agent pair, takes the
// in-flight lock and sends the request in the background, returning the two
// turn ids right away.  While a previous turn holds the lock it returns
// ErrBusy and changes nothing.
func (s *Session) Submit(text string, attachment *pkg.Attachment) (userID, agentID string, err error) {
	text = strings.TrimSpace(text)
	if text == "" && attachment == nil {
		return "", "", ErrEmptyTurn
	}
	s.mu.Lock()
	switch {
	case s.closed:
		s.mu.Unlock()
		return "", "", ErrClosed
	case s.inFlight:
		s.mu.Unlock()
		return "", "", ErrBusy
	}
	memory := BuildContext(s.store.Snapshot())
	profile := s.profile.Get()
	userID, agentID = s.store.AppendPair(text, attachment)
	s.reveal.Begin(agentID)
	s.inFlight = true
	s.wg.Add(1)
	s.mu.Unlock()

	s.logger.Debug("turn submitted",
		zap.String("turn_id", agentID),
		zap.Bool("attachment", attachment != nil),
		zap.Int("turns", s.store.Len()))
	s.notify(agentID)
	go s.run(userID, agentID, text, attachment, profile, memory)
	return userID, agentID, nil
}

func (s *Session) run(userID, agentID, text string, attachment *pkg.Attachment, profile pkg.Profile, memory string) {
	defer s.wg.Done()
	s.reveal.Awaiting(agentID)
	res := s.dispatcher.Dispatch(s.ctx, text, attachment, profile, memory)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if res.Profile != nil {
		s.profile.Replace(*res.Profile)
	}
	s.store.MergeAgentPayload(agentID, res.Payload)
	if res.Failed {
		s.reveal.RevealNow(agentID)
		s.inFlight = false
		s.mu.Unlock()
		s.logger.Info("turn failed", zap.String("turn_id", agentID), zap.Error(res.Err))
		s.finish(userID, agentID, true)
		return
	}
	steps := 0
	if res.Payload.Plan != nil {
		steps = len(ParsePlanSteps(*res.Payload.Plan))
	}
	s.wg.Add(1)
	s.pendingReveal = agentID
	delay := s.reveal.Resolve(agentID, steps, func() { s.revealed(userID, agentID) })
	s.mu.Unlock()
	s.logger.Debug("backend resolved", zap.String("turn_id", agentID), zap.Duration("delay", delay))
	s.notify(agentID)
}

// revealed runs from the reveal timer.  Close waits for it once it has
// claimed the pending reveal.
func (s *Session) revealed(userID, agentID string) {
	s.mu.Lock()
	if s.closed || s.pendingReveal != agentID {
		s.mu.Unlock()
		return
	}
	s.pendingReveal = ""
	s.inFlight = false
	s.mu.Unlock()
	defer s.wg.Done()
	s.logger.Debug("turn revealed", zap.String("turn_id", agentID))
	s.finish(userID, agentID, false)
}

func (s *Session) finish(userID, agentID string, failed bool) {
	s.notify(agentID)
	if s.archive == nil {
		return
	}
	user, ok := s.store.Get(userID)
	if !ok {
		return
	}
	agent, ok := s.store.Get(agentID)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(s.ctx, archiveTimeout)
	defer cancel()
	if err := s.archive.ArchiveExchange(ctx, s.ID, user, agent, failed); err != nil {
		s.logger.Warn("failed to archive exchange", zap.String("turn_id", agentID), zap.Error(err))
	}
}

func (s *Session) notify(turnID string) {
	if s.onUpdate != nil {
		s.onUpdate(turnID)
	}
}

// Processing reports whether a turn holds the in-flight lock.
func (s *Session) Processing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inFlight
}

// Profile returns the current health profile.
func (s *Session) Profile() pkg.Profile { return s.profile.Get() }

// Turns returns a snapshot of the conversation log.
func (s *Session) Turns() []pkg.Turn { return s.store.Snapshot() }

// State returns the reveal state of an agent turn.
func (s *Session) State(agentID string) TurnState { return s.reveal.State(agentID) }

// View builds the renderer's snapshot of the session.
func (s *Session) View() pkg.SessionView {
	profile := s.profile.Get()
	turns := s.store.Snapshot()
	views := make([]pkg.TurnView, 0, len(turns))
	for _, t := range turns {
		v := pkg.TurnView{Turn: t}
		if t.Role == pkg.RoleAgent {
			state := s.reveal.State(t.ID)
			v.State = state.String()
			v.Phase = state.Phase()
			if t.Payload != nil {
				if t.Payload.Plan != nil {
					steps := ParsePlanSteps(*t.Payload.Plan)
					v.PlanSteps = steps[:s.reveal.VisibleSteps(t.ID, len(steps))]
				}
				v.Subject = SelectSubject(t.Payload.Subject)
				v.FollowUps = t.Payload.FollowUps()
			}
		}
		views = append(views, v)
	}
	return pkg.SessionView{
		SessionID:    s.ID,
		Processing:   s.Processing(),
		Profile:      profile,
		ProfileFlags: profile.FlagCount(),
		Turns:        views,
	}
}

// Close tears the session down: the in-flight request is aborted, pending
// reveal timers are cancelled and nothing is written afterwards.  It blocks
// until the background request and any reveal already under way have
// returned.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.inFlight = false
	unclaimed := s.pendingReveal != ""
	s.pendingReveal = ""
	s.mu.Unlock()
	if unclaimed {
		s.wg.Done()
	}

	s.cancel()
	s.reveal.Close()
	s.wg.Wait()
	s.logger.Info("session closed")
}
