// Package snapshot copies project files between sandboxes and the durable store.
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"log"
	"path"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"

	"github.com/hochfrequenz/sandbox-orchestrator/internal/domain"
	"github.com/hochfrequenz/sandbox-orchestrator/internal/sandbox"
	"github.com/hochfrequenz/sandbox-orchestrator/internal/store"
)

// MetadataFile is the name of the snapshot metadata document
const MetadataFile = "metadata.json"

// Options configures which files are captured
type Options struct {
	// WorkDir is the application root inside the sandbox
	WorkDir string
	// Roots are files or directories relative to WorkDir
	Roots []string
	// Exclude names directories that are never captured
	Exclude []string
	// Concurrency bounds parallel file transfers
	Concurrency int
}

// Engine snapshots and restores project files
type Engine struct {
	store *store.Store
	opts  Options
	now   func() time.Time
}

// New creates a snapshot engine
func New(s *store.Store, opts Options) *Engine {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 8
	}
	return &Engine{store: s, opts: opts, now: time.Now}
}

// Metadata returns the latest snapshot metadata for a project
func (e *Engine) Metadata(projectID string) (*domain.ProjectSnapshot, error) {
	var meta domain.ProjectSnapshot
	if err := e.store.ReadJSON(projectID, MetadataFile, &meta); err != nil {
		return nil, err
	}
	return &meta, nil
}

// ReadFile returns the stored content of a snapshotted file
func (e *Engine) ReadFile(projectID, rel string) ([]byte, error) {
	return e.store.ReadBlob(projectID, rel)
}

func (e *Engine) abs(rel string) string {
	return path.Join(e.opts.WorkDir, rel)
}

// transfer runs fn over paths with bounded concurrency and collects a
// partial-success result in input order
func (e *Engine) transfer(ctx context.Context, paths []string, fn func(ctx context.Context, p string) error) *domain.TransferResult {
	errs := make([]error, len(paths))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.opts.Concurrency)
	for i, p := range paths {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				errs[i] = err
				return nil
			}
			errs[i] = fn(gctx, p)
			return nil
		})
	}
	_ = g.Wait()

	res := &domain.TransferResult{Succeeded: []string{}, Failed: []domain.TransferFailure{}}
	for i, p := range paths {
		if errs[i] != nil {
			res.Failed = append(res.Failed, domain.TransferFailure{Path: p, Reason: errs[i].Error()})
			continue
		}
		res.Succeeded = append(res.Succeeded, p)
	}
	return res
}

// Restore writes the files of the latest snapshot into the sandbox. A project
// without a snapshot restores nothing. Per-file failures are reported in the
// result and never abort the restore.
func (e *Engine) Restore(ctx context.Context, projectID string, h sandbox.Handle) (*domain.TransferResult, error) {
	meta, err := e.Metadata(projectID)
	if errors.Is(err, domain.ErrNotFound) {
		log.Printf("snapshot: no stored files for project %s", projectID)
		return &domain.TransferResult{Succeeded: []string{}, Failed: []domain.TransferFailure{}}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading snapshot metadata: %w", err)
	}

	log.Printf("snapshot: restoring %d files for project %s", len(meta.Files), projectID)
	res := e.transfer(ctx, meta.Files, func(ctx context.Context, p string) error {
		data, err := e.store.ReadBlob(projectID, p)
		if errors.Is(err, domain.ErrNotFound) {
			return errors.New("blob missing")
		}
		if err != nil {
			return err
		}
		return h.WriteFile(ctx, e.abs(p), data)
	})
	for _, f := range res.Failed {
		log.Printf("snapshot: failed to restore %s: %s", f.Path, f.Reason)
	}
	return res, nil
}

// Snapshot captures the configured roots from the sandbox. Metadata lists
// exactly the files that were captured. Only failing to write the metadata
// is an error.
func (e *Engine) Snapshot(ctx context.Context, projectID string, h sandbox.Handle) (*domain.TransferResult, error) {
	var previous []string
	if prev, err := e.Metadata(projectID); err == nil {
		previous = prev.Files
	}
	paths, discoveryFailures := e.discover(ctx, h)

	var (
		mu    sync.Mutex
		total uint64
	)
	res := e.transfer(ctx, paths, func(ctx context.Context, p string) error {
		data, err := h.ReadFile(ctx, e.abs(p))
		if err != nil {
			return err
		}
		if err := e.store.WriteBlob(projectID, p, data); err != nil {
			return err
		}
		mu.Lock()
		total += uint64(len(data))
		mu.Unlock()
		return nil
	})
	res.Failed = append(discoveryFailures, res.Failed...)
	for _, f := range res.Failed {
		log.Printf("snapshot: failed to snapshot %s: %s", f.Path, f.Reason)
	}

	meta := domain.ProjectSnapshot{
		ProjectID: projectID,
		Files:     res.Succeeded,
		Timestamp: domain.UnixTime(e.now()),
	}
	if err := e.store.WriteJSON(projectID, MetadataFile, meta); err != nil {
		return res, fmt.Errorf("writing snapshot metadata: %w", err)
	}
	e.prune(projectID, previous, res.Succeeded)

	log.Printf("snapshot: captured %d files (%s) for project %s", len(res.Succeeded), humanize.Bytes(total), projectID)
	return res, nil
}

// discover expands the configured roots into relative file paths
func (e *Engine) discover(ctx context.Context, h sandbox.Handle) ([]string, []domain.TransferFailure) {
	var (
		paths    []string
		failures []domain.TransferFailure
	)
	for _, root := range e.opts.Roots {
		kind, err := h.Stat(ctx, e.abs(root))
		if err != nil {
			failures = append(failures, domain.TransferFailure{Path: root, Reason: err.Error()})
			continue
		}
		switch kind {
		case domain.KindFile:
			paths = append(paths, root)
		case domain.KindDir:
			files, err := h.ListFiles(ctx, e.abs(root))
			if err != nil {
				failures = append(failures, domain.TransferFailure{Path: root, Reason: err.Error()})
				continue
			}
			for _, f := range files {
				p := path.Join(root, f)
				if e.skip(p) {
					continue
				}
				paths = append(paths, p)
			}
		}
	}
	return claimKeys(paths, failures)
}

// claimKeys keeps the first path for every blob key. Later paths that map to
// the same key are reported as failures instead of overwriting its blob.
func claimKeys(paths []string, failures []domain.TransferFailure) ([]string, []domain.TransferFailure) {
	owner := make(map[string]string, len(paths))
	kept := make([]string, 0, len(paths))
	for _, p := range paths {
		key := store.SanitizeKey(p)
		if prev, ok := owner[key]; ok {
			if prev != p {
				failures = append(failures, domain.TransferFailure{
					Path:   p,
					Reason: fmt.Sprintf("key collision with %s", prev),
				})
			}
			continue
		}
		owner[key] = p
		kept = append(kept, p)
	}
	return kept, failures
}

// prune deletes blobs of the previous snapshot that the new one no longer lists
func (e *Engine) prune(projectID string, previous, current []string) {
	keep := make(map[string]bool, len(current))
	for _, p := range current {
		keep[store.SanitizeKey(p)] = true
	}
	for _, p := range previous {
		if keep[store.SanitizeKey(p)] {
			continue
		}
		if err := e.store.DeleteBlob(projectID, p); err != nil {
			log.Printf("snapshot: pruning %s: %v", p, err)
		}
	}
}

// skip reports whether a path is hidden or inside an excluded directory
func (e *Engine) skip(p string) bool {
	for _, part := range strings.Split(p, "/") {
		if strings.HasPrefix(part, ".") || slices.Contains(e.opts.Exclude, part) {
			return true
		}
	}
	return false
}
