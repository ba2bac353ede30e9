// Package conn tracks the connected state of a data source and bounds every
// repository operation by the configured connection timeout.
package conn

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	domainerrors "github.com/patchplacebreak/ppb-server/internal/errors"
)

// ErrNotConnected is returned when a repository is used outside of a Connect/Disconnect window.
var ErrNotConnected = domainerrors.Connection("data source must be connected before using it")

// ErrAlreadyConnected is returned by a second Connect.
var ErrAlreadyConnected = domainerrors.Connection("data source already connected")

// Guard is the Disconnected <-> Connected state machine shared by every backend.
// Operations hold a read lock for their duration, so Disconnect waits for in-flight work.
type Guard struct {
	name    string
	timeout time.Duration
	logger  *slog.Logger

	mu        sync.RWMutex
	connected bool
	used      bool
}

// New creates a disconnected guard. A non-positive timeout disables the operation deadline.
func New(name string, timeout time.Duration, logger *slog.Logger) *Guard {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Guard{name: name, timeout: timeout, logger: logger}
}

// Connect runs open and, if it succeeds, moves to Connected.
// open must release anything it acquired before returning an error.
func (g *Guard) Connect(ctx context.Context, open func(ctx context.Context) error) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.connected {
		return ErrAlreadyConnected
	}

	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	if err := open(ctx); err != nil {
		if domainerrors.CodeOf(err) == domainerrors.CodeConnection {
			return err
		}
		return domainerrors.Wrapf(err, domainerrors.CodeConnection, "connect %s data source", g.name)
	}

	g.connected = true
	g.used = true
	g.logger.Info("data source connected", "type", g.name)
	return nil
}

// Disconnect runs closeFn and moves to Disconnected.
// Disconnecting a disconnected guard only logs a warning.
func (g *Guard) Disconnect(closeFn func() error) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.connected {
		if g.used {
			g.logger.Warn("data source already disconnected", "type", g.name)
		} else {
			g.logger.Warn("data source was never connected", "type", g.name)
		}
		return nil
	}

	g.connected = false
	if err := closeFn(); err != nil {
		return domainerrors.Wrapf(err, domainerrors.CodeConnection, "disconnect %s data source", g.name)
	}
	g.logger.Info("data source disconnected", "type", g.name)
	return nil
}

// Connected reports the current state.
func (g *Guard) Connected() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.connected
}

// Enter starts an operation. The returned context carries the operation deadline;
// done must be called when the operation finishes.
func (g *Guard) Enter(ctx context.Context) (context.Context, func(), error) {
	g.mu.RLock()
	if !g.connected {
		g.mu.RUnlock()
		return nil, nil, ErrNotConnected
	}

	cancel := context.CancelFunc(func() {})
	if g.timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
	}
	return ctx, func() {
		cancel()
		g.mu.RUnlock()
	}, nil
}

// Hold is Enter without the operation deadline, for long scans such as exports.
func (g *Guard) Hold() (func(), error) {
	g.mu.RLock()
	if !g.connected {
		g.mu.RUnlock()
		return nil, ErrNotConnected
	}
	return g.mu.RUnlock, nil
}

// Persistence converts a backend failure into a PERSISTENCE error.
// Coded errors pass through unchanged; deadline expiry is reported as a timeout.
func Persistence(err error, op string) error {
	if err == nil {
		return nil
	}
	var coded *domainerrors.Error
	if errors.As(err, &coded) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return domainerrors.Wrapf(err, domainerrors.CodePersistence, "%s timed out", op)
	}
	return domainerrors.Wrapf(err, domainerrors.CodePersistence, "%s failed", op)
}
