package backup

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
	"golang.org/x/sync/errgroup"

	"github.com/patchplacebreak/ppb-server/internal/backup/stream"
	"github.com/patchplacebreak/ppb-server/internal/domain"
	"github.com/patchplacebreak/ppb-server/internal/store"
)

// FileExtension is appended to backup files written by ExportFile.
const FileExtension = ".ppb.jsonl.zst"

const defaultImportWorkers = 8

// ExportOptions configures an export.
type ExportOptions struct {
	SourceType string
	// Now stamps the manifest; time.Now when nil.
	Now func() time.Time
}

// ExportResult summarizes a finished export.
type ExportResult struct {
	Manifest Manifest
	Duration time.Duration
}

// ImportOptions configures an import.
type ImportOptions struct {
	DryRun  bool // Validate without writing
	Workers int  // Concurrent puts; defaultImportWorkers when <= 0
	Logger  *slog.Logger
}

// ImportError records a line that could not be imported.
type ImportError struct {
	Line  int    `json:"line"`
	Error string `json:"error"`
}

// ImportResult summarizes a finished import.
type ImportResult struct {
	Manifest Manifest
	Imported int
	Skipped  int
	Errors   []ImportError
	Duration time.Duration
}

// Export writes every tag of src to w as a zstd-compressed JSONL stream whose
// first line is the manifest.
func Export(ctx context.Context, src store.Scanner, w io.Writer, opts ExportOptions) (*ExportResult, error) {
	start := time.Now()
	if opts.Now == nil {
		opts.Now = time.Now
	}

	// The manifest carries the count, so tags are collected before anything is written.
	var tags []*domain.Tag
	for tag, err := range src.All(ctx) {
		if err != nil {
			return nil, fmt.Errorf("read tags: %w", err)
		}
		tags = append(tags, tag)
	}

	manifest := Manifest{
		Version:    FormatVersion,
		CreatedAt:  opts.Now().UTC(),
		SourceType: opts.SourceType,
		Count:      len(tags),
	}

	enc, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("create encoder: %w", err)
	}

	sw := stream.NewWriter(enc)
	if err := sw.Write(manifest); err != nil {
		enc.Close()
		return nil, fmt.Errorf("write manifest: %w", err)
	}
	for _, tag := range tags {
		if err := ctx.Err(); err != nil {
			enc.Close()
			return nil, err
		}
		if err := sw.Write(tag); err != nil {
			enc.Close()
			return nil, fmt.Errorf("write tag %s: %w", tag.ID, err)
		}
	}
	if err := sw.Flush(); err != nil {
		enc.Close()
		return nil, fmt.Errorf("flush: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("close encoder: %w", err)
	}

	return &ExportResult{Manifest: manifest, Duration: time.Since(start)}, nil
}

// Import reads a stream written by Export and puts every tag into dst.
// Malformed lines are skipped and reported in the result. A persistence failure
// aborts the import. With DryRun set nothing is written and dst may be nil.
func Import(ctx context.Context, dst store.TagRepository, r io.Reader, opts ImportOptions) (*ImportResult, error) {
	start := time.Now()
	if opts.Workers <= 0 {
		opts.Workers = defaultImportWorkers
	}
	log := opts.Logger
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}

	dec, err := zstd.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("create decoder: %w", err)
	}
	defer dec.Close()

	sr := stream.NewReader[domain.Tag](dec)
	result := &ImportResult{}
	if err := sr.Header(&result.Manifest); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidManifest, err)
	}
	if err := result.Manifest.check(); err != nil {
		return nil, err
	}

	log.Info("importing tags",
		"version", result.Manifest.Version,
		"source_type", result.Manifest.SourceType,
		"count", result.Manifest.Count,
		"dry_run", opts.DryRun)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.Workers)

	var imported atomic.Int64
	seen := 0
	for tag, err := range sr.All() {
		if err != nil {
			var lineErr *stream.LineError
			if !errors.As(err, &lineErr) {
				_ = g.Wait()
				return nil, fmt.Errorf("%w: %v", ErrCorruptedBackup, err)
			}
			seen++
			result.Skipped++
			result.Errors = append(result.Errors, ImportError{Line: sr.Line(), Error: err.Error()})
			continue
		}
		seen++

		if err := validTag(&tag); err != nil {
			result.Skipped++
			result.Errors = append(result.Errors, ImportError{Line: sr.Line(), Error: err.Error()})
			continue
		}
		if opts.DryRun {
			imported.Add(1)
			continue
		}
		if gctx.Err() != nil {
			break
		}

		g.Go(func() error {
			if err := dst.Put(gctx, &tag); err != nil {
				return fmt.Errorf("put tag %s at %s: %w", tag.ID, tag.Location, err)
			}
			imported.Add(1)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	result.Imported = int(imported.Load())
	result.Duration = time.Since(start)

	if seen != result.Manifest.Count {
		return result, fmt.Errorf("%w: manifest lists %d tags, stream holds %d",
			ErrCorruptedBackup, result.Manifest.Count, seen)
	}

	log.Info("import complete",
		"imported", result.Imported,
		"skipped", result.Skipped,
		"duration", result.Duration)
	return result, nil
}

func validTag(tag *domain.Tag) error {
	if tag.ID == uuid.Nil {
		return fmt.Errorf("tag at %s has no id", tag.Location)
	}
	if err := tag.Location.Validate(); err != nil {
		return fmt.Errorf("tag %s: %w", tag.ID, err)
	}
	return nil
}

// ExportFile exports to path. The file is written under a temporary name and
// renamed once complete, so a failed export never leaves a truncated backup behind.
func ExportFile(ctx context.Context, src store.Scanner, path string, opts ExportOptions) (*ExportResult, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create backup dir: %w", err)
	}

	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return nil, fmt.Errorf("create backup file: %w", err)
	}

	result, err := Export(ctx, src, f, opts)
	if cerr := f.Close(); err == nil && cerr != nil {
		err = fmt.Errorf("close backup file: %w", cerr)
	}
	if err != nil {
		_ = os.Remove(tmp)
		return nil, err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return nil, fmt.Errorf("finalize backup file: %w", err)
	}
	return result, nil
}

// ImportFile imports from path.
func ImportFile(ctx context.Context, dst store.TagRepository, path string, opts ImportOptions) (*ImportResult, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open backup file: %w", err)
	}
	defer f.Close()

	return Import(ctx, dst, f, opts)
}
