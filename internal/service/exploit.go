// Package service implements the placement tag engine that decides whether a
// block break is a place-and-break exploit.
package service

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/patchplacebreak/ppb-server/internal/async"
	"github.com/patchplacebreak/ppb-server/internal/domain"
	domainerrors "github.com/patchplacebreak/ppb-server/internal/errors"
	"github.com/patchplacebreak/ppb-server/internal/id"
	"github.com/patchplacebreak/ppb-server/internal/locks"
	"github.com/patchplacebreak/ppb-server/internal/store"
)

var tracer = otel.Tracer("ppb/service")

// DefaultEphemeralTagDuration is how long an ephemeral tag still marks its block as player placed.
const DefaultEphemeralTagDuration = 3 * time.Second

// failOpenLogInterval throttles the warnings logged when a lookup fails open.
const failOpenLogInterval = 10 * time.Second

// Options tunes an ExploitService.
type Options struct {
	EphemeralTagDuration time.Duration
	Restrictions         domain.RestrictedBlocks
	LockStripes          int
	// Now is the clock; time.Now when nil.
	Now func() time.Time
}

// ExploitService tags player-placed blocks and flags breaks of tagged blocks.
// Operations on one location run one at a time in call order, including the
// Async variants, which take their place when submitted rather than when run.
// Operations on distinct locations run in parallel.
type ExploitService struct {
	repo   store.TagRepository
	exec   *async.Executor
	locks  *locks.Striped
	logger *slog.Logger
	now    func() time.Time

	ephemeralWindow time.Duration
	restrictions    atomic.Pointer[domain.RestrictedBlocks]
	failOpenLog     rate.Sometimes
}

// NewExploitService creates the service. exec runs the Async variants.
func NewExploitService(repo store.TagRepository, exec *async.Executor, logger *slog.Logger, opts Options) *ExploitService {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.EphemeralTagDuration <= 0 {
		opts.EphemeralTagDuration = DefaultEphemeralTagDuration
	}

	s := &ExploitService{
		repo:            repo,
		exec:            exec,
		locks:           locks.NewStriped(opts.LockStripes),
		logger:          logger,
		now:             opts.Now,
		ephemeralWindow: opts.EphemeralTagDuration,
		failOpenLog:     rate.Sometimes{First: 1, Interval: failOpenLogInterval},
	}
	s.SetRestrictions(opts.Restrictions)
	return s
}

// SetRestrictions replaces the restricted blocks, e.g. after a configuration reload.
func (s *ExploitService) SetRestrictions(r domain.RestrictedBlocks) {
	s.restrictions.Store(&r)
}

// Restrictions returns the restricted blocks in effect.
func (s *ExploitService) Restrictions() domain.RestrictedBlocks {
	return *s.restrictions.Load()
}

func (s *ExploitService) restricted(b domain.Block) bool {
	return s.restrictions.Load().IsRestricted(b.Material)
}

func startSpan(ctx context.Context, name string, loc domain.BlockLocation) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("ppb.world", loc.World),
		attribute.Int("ppb.x", loc.X),
		attribute.Int("ppb.y", loc.Y),
		attribute.Int("ppb.z", loc.Z),
	))
}

func fail(span trace.Span, err error) error {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

// inOrder runs fn once every operation entered earlier on the stripes of keys has finished.
func inOrder[T any](ctx context.Context, s *ExploitService, keys []string, fn func(ctx context.Context) (T, error)) (T, error) {
	ticket := s.locks.Enter(keys...)
	defer ticket.Release()
	if err := ticket.Wait(ctx); err != nil {
		var zero T
		return zero, err
	}
	return fn(ctx)
}

func noResult(fn func(ctx context.Context) error) func(ctx context.Context) (struct{}, error) {
	return func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	}
}

// moveKeys returns the old and new location keys of every block.
func moveKeys(blocks []domain.Block, direction domain.Vector) []string {
	keys := make([]string, 0, 2*len(blocks))
	for _, b := range blocks {
		keys = append(keys, b.Location.Key(), b.Location.Add(direction).Key())
	}
	return keys
}

// RegisterPlacement tags the block's location. Restricted blocks are ignored.
// A later placement at the same location replaces the earlier tag.
func (s *ExploitService) RegisterPlacement(ctx context.Context, block domain.Block, ephemeral bool) error {
	if s.restricted(block) {
		return nil
	}
	_, err := inOrder(ctx, s, []string{block.Location.Key()}, noResult(func(ctx context.Context) error {
		return s.registerPlacement(ctx, block, ephemeral)
	}))
	return err
}

func (s *ExploitService) registerPlacement(ctx context.Context, block domain.Block, ephemeral bool) error {
	ctx, span := startSpan(ctx, "ExploitService.RegisterPlacement", block.Location)
	defer span.End()

	if s.restricted(block) {
		span.SetAttributes(attribute.Bool("ppb.restricted", true))
		return nil
	}

	tag := domain.NewTag(block.Location, ephemeral, s.now())
	if err := s.repo.Put(ctx, tag); err != nil {
		return fail(span, err)
	}
	s.logger.Debug("tag placed", "location", block.Location.String(), "tag_id", tag.ID, "ephemeral", ephemeral)
	return nil
}

// IsExploit reports whether breaking the block would collect a reward for a
// block the player placed. A found tag is consumed either way.
// Ephemeral tags only count while younger than the ephemeral window.
//
// Lookup failures fail open: the break is judged legitimate and the failure is
// logged, never returned.
func (s *ExploitService) IsExploit(ctx context.Context, block domain.Block) (bool, error) {
	if s.restricted(block) {
		return false, nil
	}
	exploit, err := inOrder(ctx, s, []string{block.Location.Key()}, func(ctx context.Context) (bool, error) {
		return s.isExploit(ctx, block)
	})
	if err != nil {
		s.failOpen(block, err)
		return false, nil
	}
	return exploit, nil
}

func (s *ExploitService) failOpen(block domain.Block, err error) {
	s.failOpenLog.Do(func() {
		s.logger.Warn("tag lookup failed, treating break as legitimate",
			"location", block.Location.String(), "error", err)
	})
}

func (s *ExploitService) isExploit(ctx context.Context, block domain.Block) (bool, error) {
	ctx, span := startSpan(ctx, "ExploitService.IsExploit", block.Location)
	defer span.End()

	if s.restricted(block) {
		span.SetAttributes(attribute.Bool("ppb.restricted", true))
		return false, nil
	}

	tag, err := s.repo.FindByLocation(ctx, block.Location)
	if err != nil {
		_ = fail(span, err)
		s.failOpen(block, err)
		return false, nil
	}
	if tag == nil {
		span.SetAttributes(attribute.Bool("ppb.exploit", false))
		return false, nil
	}

	exploit := !tag.Ephemeral || tag.Age(s.now()) < s.ephemeralWindow
	span.SetAttributes(attribute.Bool("ppb.exploit", exploit))

	if err := s.repo.Delete(ctx, block.Location); err != nil {
		_ = fail(span, err)
		s.logger.Warn("failed to consume tag", "location", block.Location.String(), "tag_id", tag.ID, "error", err)
	}
	return exploit, nil
}

// Invalidate removes an ephemeral tag at the block's location, e.g. when the
// block grows or is otherwise transformed. Non-ephemeral tags are kept.
func (s *ExploitService) Invalidate(ctx context.Context, block domain.Block) error {
	_, err := inOrder(ctx, s, []string{block.Location.Key()}, noResult(func(ctx context.Context) error {
		return s.invalidate(ctx, block)
	}))
	return err
}

func (s *ExploitService) invalidate(ctx context.Context, block domain.Block) error {
	ctx, span := startSpan(ctx, "ExploitService.Invalidate", block.Location)
	defer span.End()

	tag, err := s.repo.FindByLocation(ctx, block.Location)
	if err != nil {
		return fail(span, err)
	}
	if tag == nil || !tag.Ephemeral {
		return nil
	}
	return fail(span, s.repo.Delete(ctx, block.Location))
}

// RemoveTag unconditionally deletes the tag at the block's location.
// Restricted blocks are ignored.
func (s *ExploitService) RemoveTag(ctx context.Context, block domain.Block) error {
	if s.restricted(block) {
		return nil
	}
	_, err := inOrder(ctx, s, []string{block.Location.Key()}, noResult(func(ctx context.Context) error {
		return s.removeTag(ctx, block)
	}))
	return err
}

func (s *ExploitService) removeTag(ctx context.Context, block domain.Block) error {
	ctx, span := startSpan(ctx, "ExploitService.RemoveTag", block.Location)
	defer span.End()

	if s.restricted(block) {
		return nil
	}
	return fail(span, s.repo.Delete(ctx, block.Location))
}

// MoveTags translates the tags of the given blocks by direction, as a piston
// push or pull does. Restricted blocks are left out of the move.
func (s *ExploitService) MoveTags(ctx context.Context, blocks []domain.Block, direction domain.Vector) error {
	if len(blocks) == 0 {
		return nil
	}
	_, err := inOrder(ctx, s, moveKeys(blocks, direction), noResult(func(ctx context.Context) error {
		return s.moveTags(ctx, blocks, direction)
	}))
	return err
}

func (s *ExploitService) moveTags(ctx context.Context, blocks []domain.Block, direction domain.Vector) error {
	ctx, span := tracer.Start(ctx, "ExploitService.MoveTags", trace.WithAttributes(
		attribute.Int("ppb.blocks", len(blocks)),
	))
	defer span.End()

	kept := s.Restrictions().Filter(blocks)
	if len(kept) == 0 {
		return nil
	}

	locations := make([]domain.BlockLocation, 0, len(kept))
	for _, b := range kept {
		locations = append(locations, b.Location)
	}
	return fail(span, s.repo.UpdateLocations(ctx, domain.MovesFrom(locations, direction)))
}

// submit queues fn behind the operations already entered on the stripes of keys
// and runs it on the executor under a fresh operation id.
func submit[T any](s *ExploitService, name string, keys []string, fn func(ctx context.Context) (T, error)) *async.Future[T] {
	op := id.Operation()
	ticket := s.locks.Enter(keys...)

	f := async.SubmitAfter(s.exec, name, ticket.Wait, func(ctx context.Context) (T, error) {
		defer ticket.Release()
		v, err := fn(ctx)
		if err != nil {
			s.logFailure(op, name, err)
		}
		return v, err
	})
	// Tasks the executor refuses or cancels never run fn.
	go func() {
		<-f.Done()
		ticket.Release()
	}()
	return f
}

// logFailure logs a failed async operation. Failures that retrying cannot fix
// are logged as errors.
func (s *ExploitService) logFailure(op, name string, err error) {
	retryable := domainerrors.IsRetryable(err)
	level := s.logger.Warn
	if !retryable {
		level = s.logger.Error
	}
	level("async tag operation failed", "op", op, "operation", name, "retryable", retryable, "error", err)
}

// RegisterPlacementAsync runs RegisterPlacement on the executor.
func (s *ExploitService) RegisterPlacementAsync(block domain.Block, ephemeral bool) *async.Future[struct{}] {
	return submit(s, "register placement", []string{block.Location.Key()}, noResult(func(ctx context.Context) error {
		return s.registerPlacement(ctx, block, ephemeral)
	}))
}

// IsExploitAsync runs IsExploit on the executor.
func (s *ExploitService) IsExploitAsync(block domain.Block) *async.Future[bool] {
	return submit(s, "check break", []string{block.Location.Key()}, func(ctx context.Context) (bool, error) {
		return s.isExploit(ctx, block)
	})
}

// InvalidateAsync runs Invalidate on the executor.
func (s *ExploitService) InvalidateAsync(block domain.Block) *async.Future[struct{}] {
	return submit(s, "invalidate tag", []string{block.Location.Key()}, noResult(func(ctx context.Context) error {
		return s.invalidate(ctx, block)
	}))
}

// RemoveTagAsync runs RemoveTag on the executor.
func (s *ExploitService) RemoveTagAsync(block domain.Block) *async.Future[struct{}] {
	return submit(s, "remove tag", []string{block.Location.Key()}, noResult(func(ctx context.Context) error {
		return s.removeTag(ctx, block)
	}))
}

// MoveTagsAsync runs MoveTags on the executor.
func (s *ExploitService) MoveTagsAsync(blocks []domain.Block, direction domain.Vector) *async.Future[struct{}] {
	return submit(s, "move tags", moveKeys(blocks, direction), noResult(func(ctx context.Context) error {
		return s.moveTags(ctx, blocks, direction)
	}))
}
