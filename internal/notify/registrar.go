package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/wolfpack/internal/persist"
)

var (
	// ErrNotInitialized is returned by EnsureRegistered before Init.
	ErrNotInitialized = errors.New("notification registrar not initialized")
	// ErrShutdown is returned by EnsureRegistered after Shutdown.
	ErrShutdown = errors.New("notification registrar shut down")
)

// TokenSource obtains the device's push token from the messaging provider.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// TokenSourceFunc adapts a function to TokenSource.
type TokenSourceFunc func(ctx context.Context) (string, error)

func (f TokenSourceFunc) Token(ctx context.Context) (string, error) { return f(ctx) }

type registrarState int

const (
	stateNew registrarState = iota
	stateReady
	stateClosed
)

// registration is a memoized in-flight registration shared by every
// concurrent EnsureRegistered caller.
type registration struct {
	done  chan struct{}
	token string
	err   error
}

// Registrar registers this device for push notifications exactly once per
// process lifetime.
//
// Concurrent EnsureRegistered calls share one in-flight registration. A
// failed registration is forgotten so the next call tries again.
type Registrar struct {
	source   TokenSource
	registry persist.DeviceRegistry
	userID   string
	platform string
	now      func() time.Time
	logger   *slog.Logger

	mu       sync.Mutex
	state    registrarState
	inflight *registration
	token    string
}

// RegistrarOption configures a Registrar.
type RegistrarOption func(*Registrar)

// WithPlatform records the device platform alongside the token.
func WithPlatform(p string) RegistrarOption {
	return func(r *Registrar) {
		r.platform = p
	}
}

// WithRegistrarLogger sets the registrar logger.
func WithRegistrarLogger(l *slog.Logger) RegistrarOption {
	return func(r *Registrar) {
		r.logger = l
	}
}

// NewRegistrar creates a registrar for userID.
func NewRegistrar(userID string, source TokenSource, registry persist.DeviceRegistry, opts ...RegistrarOption) *Registrar {
	r := &Registrar{
		source:   source,
		registry: registry,
		userID:   userID,
		platform: "web",
		now:      time.Now,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Init makes the registrar usable. Calling it again is a no-op.
func (r *Registrar) Init() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch r.state {
	case stateClosed:
		return ErrShutdown
	case stateNew:
		r.state = stateReady
	}
	return nil
}

// EnsureRegistered returns the registered device token, registering it on
// first use. ctx bounds only this caller's wait; the shared registration
// itself runs to completion.
func (r *Registrar) EnsureRegistered(ctx context.Context) (string, error) {
	r.mu.Lock()
	switch r.state {
	case stateNew:
		r.mu.Unlock()
		return "", ErrNotInitialized
	case stateClosed:
		r.mu.Unlock()
		return "", ErrShutdown
	}
	if r.token != "" {
		token := r.token
		r.mu.Unlock()
		return token, nil
	}
	call := r.inflight
	if call == nil {
		call = &registration{done: make(chan struct{})}
		r.inflight = call
		go r.register(call)
	}
	r.mu.Unlock()

	select {
	case <-call.done:
		return call.token, call.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (r *Registrar) register(call *registration) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	token, err := r.source.Token(ctx)
	if err == nil && token == "" {
		err = errors.New("token source returned an empty token")
	}
	if err == nil {
		err = r.registry.RegisterDevice(ctx, persist.Device{
			UserID:       r.userID,
			Token:        token,
			Platform:     r.platform,
			RegisteredAt: r.now().UTC(),
		})
	}

	var orphan string
	r.mu.Lock()
	r.inflight = nil
	if err != nil {
		call.err = fmt.Errorf("register device: %w", err)
		r.logger.Warn("device registration failed", "user_id", r.userID, "error", err)
	} else if r.state == stateReady {
		r.token = token
		call.token = token
		r.logger.Info("device registered", "user_id", r.userID, "platform", r.platform)
	} else {
		call.err = ErrShutdown
		orphan = token
	}
	r.mu.Unlock()
	close(call.done)

	if orphan != "" {
		if err := r.registry.UnregisterDevice(ctx, orphan); err != nil {
			r.logger.Warn("unregister after shutdown failed", "user_id", r.userID, "error", err)
		}
	}
}

// Registered reports whether a token has been registered.
func (r *Registrar) Registered() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.token != ""
}

// Shutdown unregisters the device token, if any, and closes the registrar.
func (r *Registrar) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	if r.state == stateClosed {
		r.mu.Unlock()
		return nil
	}
	r.state = stateClosed
	token := r.token
	r.token = ""
	r.mu.Unlock()

	if token == "" {
		return nil
	}
	if err := r.registry.UnregisterDevice(ctx, token); err != nil {
		return fmt.Errorf("unregister device: %w", err)
	}
	return nil
}
