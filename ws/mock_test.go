package ws

import (
	"context"
	"fmt"
	"sync"

	"github.com/pockode/server/agent"
)

// mockSession is a fake agent.Session driven entirely by a test-fed queue of
// events; SendMessage just unblocks whatever events the test staged for it.
type mockSession struct {
	events chan agent.AgentEvent
	ctx    context.Context

	mu              sync.Mutex
	closed          bool
	pendingPerms    map[string]struct{}
	pendingQuestion map[string]struct{}
	sentMessages    []string
	interrupted     bool
}

func newMockSession(ctx context.Context) *mockSession {
	return &mockSession{
		events:          make(chan agent.AgentEvent, 100),
		ctx:             ctx,
		pendingPerms:    make(map[string]struct{}),
		pendingQuestion: make(map[string]struct{}),
	}
}

func (s *mockSession) Events() <-chan agent.AgentEvent { return s.events }

func (s *mockSession) SendMessage(prompt string) error {
	s.mu.Lock()
	s.sentMessages = append(s.sentMessages, prompt)
	s.mu.Unlock()
	return nil
}

func (s *mockSession) SendInterrupt() error {
	s.mu.Lock()
	s.interrupted = true
	s.mu.Unlock()
	return nil
}

func (s *mockSession) SendPermissionResponse(data agent.PermissionRequestData, choice agent.PermissionChoice) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.pendingPerms[data.RequestID]; !ok {
		return fmt.Errorf("no pending permission request for id: %s", data.RequestID)
	}
	delete(s.pendingPerms, data.RequestID)
	return nil
}

func (s *mockSession) SendQuestionResponse(data agent.QuestionRequestData, answers map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.pendingQuestion[data.RequestID]; !ok {
		return fmt.Errorf("no pending question for id: %s", data.RequestID)
	}
	delete(s.pendingQuestion, data.RequestID)
	return nil
}

func (s *mockSession) SendExitPlanResponse(data agent.ExitPlanResponseData, approved bool) error {
	return nil
}

func (s *mockSession) SetWebSearch(enabled bool) error {
	return nil
}

func (s *mockSession) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.events)
}

// emit pushes an event onto the session's stream, tracking permission and
// question requests so the corresponding Send*Response call can be verified.
func (s *mockSession) emit(event agent.AgentEvent) {
	switch e := event.(type) {
	case agent.PermissionRequestEvent:
		s.mu.Lock()
		s.pendingPerms[e.RequestID] = struct{}{}
		s.mu.Unlock()
	case agent.AskUserQuestionEvent:
		s.mu.Lock()
		s.pendingQuestion[e.RequestID] = struct{}{}
		s.mu.Unlock()
	}
	s.events <- event
}

type startCall struct {
	sessionID string
	resume    bool
}

// mockAgent is a fake agent.Agent that hands back a mockSession per Start
// call, recording every call for assertions.
type mockAgent struct {
	startErr error

	mu         sync.Mutex
	sessions   map[string]*mockSession
	startCalls []startCall
}

func (m *mockAgent) Start(ctx context.Context, opts agent.StartOptions) (agent.Session, error) {
	m.mu.Lock()
	m.startCalls = append(m.startCalls, startCall{sessionID: opts.SessionID, resume: opts.Resume})
	m.mu.Unlock()

	if m.startErr != nil {
		return nil, m.startErr
	}

	sess := newMockSession(ctx)

	m.mu.Lock()
	if m.sessions == nil {
		m.sessions = make(map[string]*mockSession)
	}
	m.sessions[opts.SessionID] = sess
	m.mu.Unlock()

	return sess, nil
}

func (m *mockAgent) sessionFor(sessionID string) *mockSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[sessionID]
}
