package gateway

import (
	"context"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// Sandbox accepts every session locally. Settlement arrives later through the
// webhook, like a real provider.
type Sandbox struct {
	BaseURL string

	mu   sync.Mutex
	err  error
	seen []Request
}

func NewSandbox(baseURL string) *Sandbox {
	return &Sandbox{BaseURL: strings.TrimRight(baseURL, "/")}
}

// FailWith makes every following call return err (nil to recover).
func (s *Sandbox) FailWith(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

func (s *Sandbox) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Request(nil), s.seen...)
}

func (s *Sandbox) InitiateExternal(ctx context.Context, req Request) (Session, error) {
	if err := validate(req); err != nil {
		return Session{}, err
	}
	if err := ctx.Err(); err != nil {
		return Session{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seen = append(s.seen, req)
	if s.err != nil {
		return Session{}, s.err
	}
	ref := "sbx_" + uuid.NewString()
	return Session{PaymentURL: s.BaseURL + "/pay/" + ref, ExternalRef: ref}, nil
}
