package convert

import (
	"context"
	"fmt"
	"io"
	"path/filepath"

	"github.com/dsa110/contimg/internal/fsutil"
	"github.com/dsa110/contimg/internal/store"
)

// WriterStrategy turns a group's sub-band files into one measurement set
// at msPath, optionally using stageDir as scratch space. Three
// implementations trade memory/tmpfs pressure for speed depending on
// total input size (spec §4.6's writer-selection table).
type WriterStrategy interface {
	Name() string
	Write(ctx context.Context, fs fsutil.FileSystem, subbands []store.SubBand, stageDir, msPath string) error
}

// pickStrategy selects a WriterStrategy by total input size: small
// groups are concatenated into msPath in one pass, medium groups are staged
// per-subband under tmpfs and concatenated, and anything that would
// overrun the tmpfs budget is streamed directly to msPath without ever
// touching tmpfs.
func pickStrategy(totalSize int64, cfg Config) WriterStrategy {
	switch {
	case totalSize <= cfg.MonolithicSizeCeiling:
		return monolithicStrategy{}
	case totalSize <= cfg.TmpfsSafeBudgetBytes:
		workers := cfg.ParallelWorkers
		if workers <= 0 {
			workers = 1
		}
		return parallelSubbandStrategy{workers: workers}
	default:
		return streamingStrategy{}
	}
}

// monolithicStrategy copies every sub-band file into msPath, in order, in
// a single pass without tmpfs staging, the cheapest strategy for small
// groups where per-subband staging overhead would dominate.
type monolithicStrategy struct{}

func (monolithicStrategy) Name() string { return "monolithic" }

func (monolithicStrategy) Write(ctx context.Context, fsys fsutil.FileSystem, subbands []store.SubBand, stageDir, msPath string) error {
	return concatSubbands(fsys, subbands, msPath)
}

// parallelSubbandStrategy stages each sub-band into its own tmpfs part
// directory (so several can be prepared concurrently without a shared
// write lock) before concatenating the parts into msPath, bounding peak
// resident memory for medium-sized groups.
type parallelSubbandStrategy struct {
	workers int
}

func (parallelSubbandStrategy) Name() string { return "parallel_subband" }

func (s parallelSubbandStrategy) Write(ctx context.Context, fsys fsutil.FileSystem, subbands []store.SubBand, stageDir, msPath string) error {
	type job struct {
		idx int
		sb  store.SubBand
	}
	jobs := make(chan job)
	errs := make(chan error, len(subbands))
	done := make(chan struct{})

	worker := func() {
		for j := range jobs {
			partPath := filepath.Join(stageDir, fmt.Sprintf("part_%d", j.idx))
			if err := fsys.MkdirAll(filepath.Dir(partPath), 0o755); err != nil {
				errs <- err
				continue
			}
			data, err := fsys.ReadFile(j.sb.Path)
			if err != nil {
				errs <- err
				continue
			}
			if err := fsys.WriteFile(partPath, data, 0o644); err != nil {
				errs <- err
				continue
			}
			errs <- nil
		}
	}

	n := s.workers
	if n > len(subbands) {
		n = len(subbands)
	}
	for i := 0; i < n; i++ {
		go worker()
	}
	go func() {
		for i, sb := range subbands {
			select {
			case jobs <- job{idx: i, sb: sb}:
			case <-ctx.Done():
			}
		}
		close(jobs)
		close(done)
	}()
	<-done

	for range subbands {
		if err := <-errs; err != nil {
			return err
		}
	}

	parts := make([]string, len(subbands))
	for i := range subbands {
		parts[i] = filepath.Join(stageDir, fmt.Sprintf("part_%d", i))
	}
	return concatParts(fsys, parts, msPath)
}

// streamingStrategy copies each sub-band directly into msPath without
// any tmpfs staging, the only safe option once a group's total size
// would exceed the tmpfs budget.
type streamingStrategy struct{}

func (streamingStrategy) Name() string { return "streaming" }

func (streamingStrategy) Write(ctx context.Context, fsys fsutil.FileSystem, subbands []store.SubBand, stageDir, msPath string) error {
	paths := make([]string, len(subbands))
	for i, sb := range subbands {
		paths[i] = sb.Path
	}
	return concatParts(fsys, paths, msPath)
}

func concatSubbands(fsys fsutil.FileSystem, subbands []store.SubBand, msPath string) error {
	paths := make([]string, len(subbands))
	for i, sb := range subbands {
		paths[i] = sb.Path
	}
	return concatParts(fsys, paths, msPath)
}

func concatParts(fsys fsutil.FileSystem, parts []string, msPath string) error {
	if err := fsys.MkdirAll(filepath.Dir(msPath), 0o755); err != nil {
		return err
	}
	w, err := fsys.Create(msPath)
	if err != nil {
		return err
	}
	defer w.Close()

	for _, p := range parts {
		r, err := fsys.Open(p)
		if err != nil {
			return err
		}
		_, copyErr := io.Copy(w, r)
		r.Close()
		if copyErr != nil {
			return copyErr
		}
	}
	return nil
}
