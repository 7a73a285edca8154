package providerfake

import (
	"context"
	"sync"

	"github.com/jrsteele09/go-portal-auth/auth"
	perrors "github.com/jrsteele09/go-portal-auth/internal/errors"
)

var _ auth.IdentityProvider = (*FakeProvider)(nil)

// FakeProvider is a scriptable auth.IdentityProvider that counts calls.
type FakeProvider struct {
	accounts      map[string]account
	current       *auth.Session
	currentErr    error
	currentGate   chan struct{}
	validate      func(*auth.Session) (*auth.Session, error)
	invalidateErr error
	resetErr      error
	resets        []string
	calls         map[string]int
	subscribers   map[int]func(auth.SessionEvent)
	nextSub       int
	lock          sync.Mutex
}

type account struct {
	secret  string
	session *auth.Session
	err     error
}

func NewFakeProvider() *FakeProvider {
	return &FakeProvider{
		accounts:    make(map[string]account),
		calls:       make(map[string]int),
		subscribers: make(map[int]func(auth.SessionEvent)),
	}
}

// AddAccount makes Authenticate(identifier, secret) return session.
func (p *FakeProvider) AddAccount(identifier, secret string, session *auth.Session) {
	p.lock.Lock()
	defer p.lock.Unlock()
	p.accounts[identifier] = account{secret: secret, session: session}
}

// FailAccount makes Authenticate for identifier return err.
func (p *FakeProvider) FailAccount(identifier string, err error) {
	p.lock.Lock()
	defer p.lock.Unlock()
	p.accounts[identifier] = account{err: err}
}

// SetCurrentSession scripts the CurrentSession answer.
func (p *FakeProvider) SetCurrentSession(session *auth.Session, err error) {
	p.lock.Lock()
	defer p.lock.Unlock()
	p.current = session
	p.currentErr = err
}

// HoldCurrentSession makes CurrentSession block until the returned release
// function is called or the caller's context ends. release answers with
// session and err.
func (p *FakeProvider) HoldCurrentSession() (release func(session *auth.Session, err error)) {
	p.lock.Lock()
	gate := make(chan struct{})
	p.currentGate = gate
	p.lock.Unlock()

	var once sync.Once
	return func(session *auth.Session, err error) {
		once.Do(func() {
			p.lock.Lock()
			p.current = session
			p.currentErr = err
			p.currentGate = nil
			p.lock.Unlock()
			close(gate)
		})
	}
}

// SetValidate scripts Validate. By default the session is returned unchanged.
func (p *FakeProvider) SetValidate(fn func(*auth.Session) (*auth.Session, error)) {
	p.lock.Lock()
	defer p.lock.Unlock()
	p.validate = fn
}

func (p *FakeProvider) SetInvalidateErr(err error) {
	p.lock.Lock()
	defer p.lock.Unlock()
	p.invalidateErr = err
}

func (p *FakeProvider) SetResetErr(err error) {
	p.lock.Lock()
	defer p.lock.Unlock()
	p.resetErr = err
}

// Calls returns how many times method was invoked.
func (p *FakeProvider) Calls(method string) int {
	p.lock.Lock()
	defer p.lock.Unlock()
	return p.calls[method]
}

func (p *FakeProvider) ResetRequests() []string {
	p.lock.Lock()
	defer p.lock.Unlock()
	return append([]string(nil), p.resets...)
}

func (p *FakeProvider) Subscribers() int {
	p.lock.Lock()
	defer p.lock.Unlock()
	return len(p.subscribers)
}

// Emit delivers ev to every subscriber.
func (p *FakeProvider) Emit(ev auth.SessionEvent) {
	p.lock.Lock()
	subs := make([]func(auth.SessionEvent), 0, len(p.subscribers))
	for i := 0; i < p.nextSub; i++ {
		if fn, ok := p.subscribers[i]; ok {
			subs = append(subs, fn)
		}
	}
	p.lock.Unlock()

	for _, fn := range subs {
		fn(ev)
	}
}

func (p *FakeProvider) Authenticate(_ context.Context, identifier, secret string) (*auth.Session, error) {
	p.lock.Lock()
	p.calls["Authenticate"]++
	acc, ok := p.accounts[identifier]
	if !ok || (acc.err == nil && acc.secret != secret) {
		p.lock.Unlock()
		return nil, perrors.ErrInvalidCredentials
	}
	if acc.err != nil {
		p.lock.Unlock()
		return nil, acc.err
	}
	p.current = acc.session.Clone()
	p.currentErr = nil
	p.lock.Unlock()

	p.Emit(auth.SessionEvent{Kind: auth.EventSignedIn, Session: acc.session.Clone()})
	return acc.session.Clone(), nil
}

func (p *FakeProvider) Invalidate(_ context.Context, _ *auth.Session) error {
	p.lock.Lock()
	p.calls["Invalidate"]++
	if p.invalidateErr != nil {
		err := p.invalidateErr
		p.lock.Unlock()
		return err
	}
	p.current = nil
	p.lock.Unlock()

	p.Emit(auth.SessionEvent{Kind: auth.EventSignedOut})
	return nil
}

func (p *FakeProvider) ResendResetLink(_ context.Context, identifier string) error {
	p.lock.Lock()
	defer p.lock.Unlock()
	p.calls["ResendResetLink"]++
	if p.resetErr != nil {
		return p.resetErr
	}
	p.resets = append(p.resets, identifier)
	return nil
}

func (p *FakeProvider) CurrentSession(ctx context.Context) (*auth.Session, error) {
	p.lock.Lock()
	p.calls["CurrentSession"]++
	gate := p.currentGate
	p.lock.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	p.lock.Lock()
	defer p.lock.Unlock()
	if p.currentErr != nil {
		return nil, p.currentErr
	}
	if p.current == nil {
		return nil, perrors.ErrNoSession
	}
	return p.current.Clone(), nil
}

func (p *FakeProvider) Validate(_ context.Context, session *auth.Session) (*auth.Session, error) {
	p.lock.Lock()
	p.calls["Validate"]++
	validate := p.validate
	p.lock.Unlock()

	if validate != nil {
		return validate(session.Clone())
	}
	return session.Clone(), nil
}

func (p *FakeProvider) Subscribe(fn func(auth.SessionEvent)) func() {
	p.lock.Lock()
	defer p.lock.Unlock()
	id := p.nextSub
	p.nextSub++
	p.subscribers[id] = fn
	return func() {
		p.lock.Lock()
		defer p.lock.Unlock()
		delete(p.subscribers, id)
	}
}
