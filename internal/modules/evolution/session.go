package evolution

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/aristath/evolver/internal/domain"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// maxHistory is how many finished sessions are kept for inspection.
const maxHistory = 50

// SessionInfo describes a running or finished session.
type SessionInfo struct {
	ID        string         `json:"id"`
	Family    string         `json:"family"`
	StartedAt time.Time      `json:"started_at"`
	Running   bool           `json:"running"`
	Result    *SessionResult `json:"result,omitempty"`
	Error     string         `json:"error,omitempty"`
}

type session struct {
	info   SessionInfo
	cancel context.CancelFunc
	done   chan struct{}
}

// SessionManager runs evolution sessions in the background, at most one per family.
type SessionManager struct {
	controller *Controller
	log        zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	sessions map[string]*session // running, by family
	history  []SessionInfo       // finished, newest last
}

// NewSessionManager creates a session manager.
func NewSessionManager(controller *Controller, log zerolog.Logger) *SessionManager {
	ctx, cancel := context.WithCancel(context.Background())
	return &SessionManager{
		controller: controller,
		log:        log.With().Str("service", "evolution_sessions").Logger(),
		ctx:        ctx,
		cancel:     cancel,
		sessions:   make(map[string]*session),
	}
}

// Start launches a session for opts.Family. Returns ErrConflict if the family
// already has a running session.
func (m *SessionManager) Start(opts RunOptions) (SessionInfo, error) {
	if opts.Family == "" {
		return SessionInfo{}, fmt.Errorf("family is required")
	}
	mode, err := m.controller.CheckMode(opts.Mode)
	if err != nil {
		return SessionInfo{}, err
	}
	opts.Mode = mode
	if opts.SessionID == "" {
		opts.SessionID = uuid.NewString()
	}

	m.mu.Lock()
	if m.ctx.Err() != nil {
		m.mu.Unlock()
		return SessionInfo{}, fmt.Errorf("session manager is shut down")
	}
	if running, ok := m.sessions[opts.Family]; ok {
		m.mu.Unlock()
		return SessionInfo{}, fmt.Errorf("family %s has running session %s: %w", opts.Family, running.info.ID, domain.ErrConflict)
	}

	ctx, cancel := context.WithCancel(m.ctx)
	s := &session{
		info: SessionInfo{
			ID:        opts.SessionID,
			Family:    opts.Family,
			StartedAt: time.Now(),
			Running:   true,
		},
		cancel: cancel,
		done:   make(chan struct{}),
	}
	m.sessions[opts.Family] = s
	m.wg.Add(1)
	m.mu.Unlock()

	activeSessions.Inc()
	m.log.Info().Str("session", s.info.ID).Str("family", opts.Family).Msg("Starting evolution session")

	go m.run(ctx, s, opts)
	return s.info, nil
}

func (m *SessionManager) run(ctx context.Context, s *session, opts RunOptions) {
	defer m.wg.Done()
	defer close(s.done)
	defer activeSessions.Dec()
	defer s.cancel()

	result, err := m.controller.Run(ctx, opts)

	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, opts.Family)
	s.info.Running = false
	s.info.Result = result
	if err != nil {
		s.info.Error = err.Error()
	}
	m.history = append(m.history, s.info)
	if len(m.history) > maxHistory {
		m.history = m.history[len(m.history)-maxHistory:]
	}
}

// Stop cancels the running session of family and waits for it to wind down.
// Returns ErrNotFound if no session is running.
func (m *SessionManager) Stop(ctx context.Context, family string) error {
	m.mu.Lock()
	s, ok := m.sessions[family]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("no running session for %s: %w", family, domain.ErrNotFound)
	}

	m.log.Info().Str("session", s.info.ID).Str("family", family).Msg("Stopping evolution session")
	s.cancel()

	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Wait blocks until the running session of family ends, if there is one.
func (m *SessionManager) Wait(ctx context.Context, family string) error {
	m.mu.Lock()
	s, ok := m.sessions[family]
	m.mu.Unlock()
	if !ok {
		return nil
	}
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsRunning reports whether family has a running session.
func (m *SessionManager) IsRunning(family string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.sessions[family]
	return ok
}

// Active lists running sessions sorted by family.
func (m *SessionManager) Active() []SessionInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]SessionInfo, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s.info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Family < out[j].Family })
	return out
}

// Recent lists finished sessions, newest first.
func (m *SessionManager) Recent() []SessionInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]SessionInfo, len(m.history))
	for i, info := range m.history {
		out[len(m.history)-1-i] = info
	}
	return out
}

// Shutdown cancels every session and waits for them to finish or ctx to expire.
func (m *SessionManager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.cancel()
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		m.log.Info().Msg("All evolution sessions stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("sessions still running at shutdown: %w", ctx.Err())
	}
}
