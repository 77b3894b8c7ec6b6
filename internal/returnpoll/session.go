package returnpoll

import (
	"context"

	"go.uber.org/atomic"
)

// Session is the client session that owns a poll loop. Ending it stops any
// poll running on its behalf.
type Session struct {
	UserID string

	ctx    context.Context
	cancel context.CancelFunc

	processing *atomic.Bool
	reference  *atomic.String
	attempts   *atomic.Int32
}

func NewSession(parent context.Context, userID string) *Session {
	ctx, cancel := context.WithCancel(parent)
	return &Session{
		UserID:     userID,
		ctx:        ctx,
		cancel:     cancel,
		processing: atomic.NewBool(false),
		reference:  atomic.NewString(""),
		attempts:   atomic.NewInt32(0),
	}
}

// MarkProcessing records the expectation raised by a return redirect.
func (s *Session) MarkProcessing(r Redirect) {
	s.reference.Store(r.ReferenceID)
	s.processing.Store(true)
}

func (s *Session) Processing() bool {
	return s.processing.Load()
}

// ReferenceID is the id carried by the last redirect, if any.
func (s *Session) ReferenceID() string {
	return s.reference.Load()
}

// Attempts counts the polls made by the current or last Wait.
func (s *Session) Attempts() int {
	return int(s.attempts.Load())
}

func (s *Session) clearProcessing() {
	s.processing.Store(false)
}

// End cancels the session and any poll tied to it.
func (s *Session) End() {
	s.cancel()
}
