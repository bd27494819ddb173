// Package mock provides test doubles for the s2s package interfaces.
//
// Use Provider to verify Connect calls and obtain the Session each call
// produced. Session records every blob sent through it and lets the test
// play the remote side by firing the callbacks supplied to Connect.
//
// Example:
//
//	p := &mock.Provider{AutoOpen: true}
//	handle, _ := p.Connect(ctx, cfg, callbacks)
//	sess := p.LastSession()
//	sess.Deliver(&s2s.ServerMessage{Audio: []string{payload}})
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/livetalk/pkg/media"
	"github.com/MrWong99/livetalk/pkg/provider/s2s"
)

// ConnectCall records a single invocation of Provider.Connect.
type ConnectCall struct {
	// Ctx is the context passed to Connect.
	Ctx context.Context
	// Cfg is the SessionConfig passed to Connect.
	Cfg s2s.SessionConfig
}

// Provider is a mock implementation of s2s.Provider.
type Provider struct {
	mu sync.Mutex

	// ConnectErr, if non-nil, is returned as the error from Connect.
	ConnectErr error

	// AutoOpen fires OnOpen synchronously inside Connect, before the handle
	// is returned, as a fast server acknowledgement would.
	AutoOpen bool

	// SendErr, if non-nil, is returned by SendRealtimeInput of every session
	// this provider creates. The blob is not recorded.
	SendErr error

	// ProviderCapabilities is returned by Capabilities.
	ProviderCapabilities s2s.Capabilities

	// ConnectCalls records every call to Connect in order.
	ConnectCalls []ConnectCall

	sessions []*Session
}

// Connect records the call and returns a new Session bound to cb.
func (p *Provider) Connect(ctx context.Context, cfg s2s.SessionConfig, cb s2s.Callbacks) (s2s.SessionHandle, error) {
	p.mu.Lock()
	p.ConnectCalls = append(p.ConnectCalls, ConnectCall{Ctx: ctx, Cfg: cfg})
	if p.ConnectErr != nil {
		err := p.ConnectErr
		p.mu.Unlock()
		return nil, err
	}
	sess := &Session{SessionID: s2s.NewSessionID(), Cfg: cfg, cb: cb, sendErr: p.SendErr}
	p.sessions = append(p.sessions, sess)
	autoOpen := p.AutoOpen
	p.mu.Unlock()

	if autoOpen {
		sess.Open()
	}
	return sess, nil
}

// Capabilities returns ProviderCapabilities.
func (p *Provider) Capabilities() s2s.Capabilities {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ProviderCapabilities
}

// Sessions returns every session created so far, oldest first.
func (p *Provider) Sessions() []*Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Session, len(p.sessions))
	copy(out, p.sessions)
	return out
}

// LastSession returns the most recently created session, or nil.
func (p *Provider) LastSession() *Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.sessions) == 0 {
		return nil
	}
	return p.sessions[len(p.sessions)-1]
}

// ConnectCount returns the number of Connect calls.
func (p *Provider) ConnectCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.ConnectCalls)
}

// Ensure Provider implements s2s.Provider at compile time.
var _ s2s.Provider = (*Provider)(nil)

// Session is a mock implementation of s2s.SessionHandle.
type Session struct {
	// SessionID is returned by ID.
	SessionID string

	// Cfg is the configuration the session was opened with.
	Cfg s2s.SessionConfig

	cb      s2s.Callbacks
	sendErr error

	mu         sync.Mutex
	sent       []media.Blob
	closed     bool
	closeCalls int
}

// ID returns SessionID.
func (s *Session) ID() string { return s.SessionID }

// SendRealtimeInput records blob. It returns the provider's SendErr, or
// s2s.ErrSessionClosed after the session ended.
func (s *Session) SendRealtimeInput(blob media.Blob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return s2s.ErrSessionClosed
	}
	if s.sendErr != nil {
		return s.sendErr
	}
	s.sent = append(s.sent, blob)
	return nil
}

// Close ends the session and fires OnClose the first time. Idempotent.
func (s *Session) Close() error {
	s.mu.Lock()
	s.closeCalls++
	first := !s.closed
	s.closed = true
	s.mu.Unlock()
	if first {
		s.cb.Close("closed by client")
	}
	return nil
}

// Sent returns a copy of every blob accepted by SendRealtimeInput.
func (s *Session) Sent() []media.Blob {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]media.Blob, len(s.sent))
	copy(out, s.sent)
	return out
}

// Closed reports whether the session has ended.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// CloseCalls returns the number of Close invocations.
func (s *Session) CloseCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeCalls
}

// Open fires OnOpen, simulating the server's setup acknowledgement.
func (s *Session) Open() { s.cb.Open() }

// Deliver fires OnMessage with msg.
func (s *Session) Deliver(msg *s2s.ServerMessage) { s.cb.Message(msg) }

// Fail ends the session with err and fires OnError. No-op after the session
// ended.
func (s *Session) Fail(err error) {
	if s.end() {
		s.cb.Error(err)
	}
}

// CloseRemote ends the session from the server side and fires OnClose with
// reason. No-op after the session ended.
func (s *Session) CloseRemote(reason string) {
	if s.end() {
		s.cb.Close(reason)
	}
}

func (s *Session) end() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.closed = true
	return true
}

// Ensure Session implements s2s.SessionHandle at compile time.
var _ s2s.SessionHandle = (*Session)(nil)
