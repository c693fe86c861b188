// Package groupassembler buckets incoming sub-band files into groups by
// timestamp-with-tolerance, emitting a group when its required sub-band
// set is complete or abandoning the wait once a partial-group deadline
// passes (spec §4.4). The deadline sweep is a ticker goroutine in the
// shape of the teacher's BackgroundFlusher: a stoppable loop over an
// injected clock, not a raw time.Ticker, so its timing is unit-testable.
package groupassembler

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dsa110/contimg/internal/obslog"
	"github.com/dsa110/contimg/internal/store"
	"github.com/dsa110/contimg/internal/subband"
	"github.com/dsa110/contimg/internal/timeutil"
)

// Config controls bucketing and deadline behavior.
type Config struct {
	// RequiredSubbands is the full set of subband codes (e.g. "sb00".."sb15")
	// a group must contain to be complete.
	RequiredSubbands []string
	// Tolerance is Δt_group: files within this window of a bucket's anchor
	// time join that bucket.
	Tolerance time.Duration
	// PartialDeadline is T_partial_deadline: a bucket older than this is
	// swept and emitted (if it clears MinPartialFraction) or quarantined.
	PartialDeadline time.Duration
	// MinPartialFraction is the minimum completeness a swept bucket must
	// have to be emitted as a partial group rather than quarantined.
	MinPartialFraction float64
	// SweepInterval is how often the deadline sweep runs.
	SweepInterval time.Duration
}

type bucket struct {
	anchor  time.Time
	files   map[string]subband.Parsed // subband_code -> file
	created time.Time
}

// Assembler buckets arriving sub-bands and emits completed or deadline-
// expired groups on Out.
type Assembler struct {
	cfg   Config
	st    *store.Store
	clock timeutil.Clock
	Out   chan AssembledGroup

	mu      sync.Mutex
	buckets map[string]*bucket

	stop chan struct{}
	done chan struct{}
}

// AssembledGroup is a group ready for enqueuing: its member files and
// completeness fraction.
type AssembledGroup struct {
	Files        []subband.Parsed
	Completeness float64
	AnchorTime   time.Time
}

// New creates an Assembler. clock defaults to timeutil.RealClock{} if nil.
func New(cfg Config, st *store.Store, clock timeutil.Clock) *Assembler {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Assembler{
		cfg:     cfg,
		st:      st,
		clock:   clock,
		Out:     make(chan AssembledGroup, 64),
		buckets: make(map[string]*bucket),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Add ingests one parsed sub-band file, creating a new bucket if no
// existing bucket's anchor time is within Tolerance, otherwise joining the
// nearest one. Emits and removes the bucket if this arrival completes it.
func (a *Assembler) Add(ctx context.Context, sb subband.Parsed) {
	a.mu.Lock()
	key, b := a.findOrCreateBucket(sb.Timestamp)
	b.files[sb.SubbandCode] = sb
	complete := true
	for _, code := range a.cfg.RequiredSubbands {
		if _, ok := b.files[code]; !ok {
			complete = false
			break
		}
	}
	var emit *AssembledGroup
	if complete {
		emit = a.snapshotBucket(b)
		delete(a.buckets, key)
	}
	a.mu.Unlock()

	if emit != nil {
		a.emit(ctx, *emit)
	}
}

func (a *Assembler) findOrCreateBucket(ts time.Time) (string, *bucket) {
	var bestKey string
	var best *bucket
	for key, b := range a.buckets {
		d := absDuration(ts.Sub(b.anchor))
		if d <= a.cfg.Tolerance && (best == nil || d < absDuration(ts.Sub(best.anchor))) {
			bestKey, best = key, b
		}
	}
	if best != nil {
		return bestKey, best
	}
	key := ts.UTC().Format(time.RFC3339Nano)
	b := &bucket{anchor: ts, files: make(map[string]subband.Parsed), created: a.clock.Now()}
	a.buckets[key] = b
	return key, b
}

func (a *Assembler) snapshotBucket(b *bucket) *AssembledGroup {
	files := make([]subband.Parsed, 0, len(b.files))
	for _, f := range b.files {
		files = append(files, f)
	}
	sort.Slice(files, func(i, j int) bool { return files[i].SubbandCode < files[j].SubbandCode })
	return &AssembledGroup{
		Files:        files,
		Completeness: float64(len(files)) / float64(len(a.cfg.RequiredSubbands)),
		AnchorTime:   b.anchor,
	}
}

// Start launches the deadline-sweep goroutine.
func (a *Assembler) Start(ctx context.Context) {
	go a.sweepLoop(ctx)
}

// Stop halts the sweep goroutine and waits for it to exit.
func (a *Assembler) Stop() {
	close(a.stop)
	<-a.done
}

func (a *Assembler) sweepLoop(ctx context.Context) {
	defer close(a.done)
	ticker := a.clock.NewTicker(a.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-a.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C():
			a.sweep(ctx)
		}
	}
}

func (a *Assembler) sweep(ctx context.Context) {
	var toEmit []AssembledGroup
	var quarantined []string

	a.mu.Lock()
	for key, b := range a.buckets {
		if !a.clock.Expired(b.created, a.cfg.PartialDeadline) {
			continue
		}
		snap := a.snapshotBucket(b)
		if snap.Completeness >= a.cfg.MinPartialFraction {
			toEmit = append(toEmit, *snap)
		} else {
			quarantined = append(quarantined, key)
		}
		delete(a.buckets, key)
	}
	a.mu.Unlock()

	for _, key := range quarantined {
		obslog.Logf("groupassembler: quarantining partial bucket %s (below min completeness)", key)
	}
	for _, g := range toEmit {
		a.emit(ctx, g)
	}
}

func (a *Assembler) emit(ctx context.Context, g AssembledGroup) {
	groupID, err := a.commitGroup(ctx, g)
	if err != nil {
		obslog.Logf("groupassembler: commit group at %s: %v", g.AnchorTime, err)
		return
	}
	obslog.Logf("groupassembler: emitted group %s (%d files, completeness %.2f)", groupID, len(g.Files), g.Completeness)

	select {
	case a.Out <- g:
	case <-a.stop:
	}
}

// commitGroup derives the group ID from the sorted file paths, retrying
// with a fresh microsecond disambiguator on a collision (spec §4.4), and
// inserts the group row and marks its sub-bands grouped in the same
// transaction semantics the store exposes (the group insert and the
// sub-band status flips are not wrapped in one store.WithTx call here
// because the collision-retry loop below needs to run outside any single
// transaction attempt).
func (a *Assembler) commitGroup(ctx context.Context, g AssembledGroup) (string, error) {
	paths := make([]string, len(g.Files))
	for i, f := range g.Files {
		paths[i] = f.Path
	}
	sort.Strings(paths)

	for attempt := 0; attempt < 5; attempt++ {
		groupID := deriveGroupID(paths, attempt)
		err := a.st.InsertGroup(ctx, store.Group{
			GroupID:      groupID,
			TimestampISO: g.AnchorTime.UTC().Format(time.RFC3339),
			NFiles:       len(g.Files),
			Completeness: g.Completeness,
			State:        store.GroupQueued,
			CreatedAt:    a.clock.Now(),
		})
		if errors.Is(err, store.ErrGroupIDCollision) {
			continue
		}
		if err != nil {
			return "", err
		}
		if markErr := markGroupedBestEffort(ctx, a.st, paths); markErr != nil {
			obslog.Logf("groupassembler: mark sub-bands grouped for %s: %v", groupID, markErr)
		}
		return groupID, nil
	}
	return "", fmt.Errorf("groupassembler: exhausted group_id collision retries for anchor %s", g.AnchorTime)
}

func markGroupedBestEffort(ctx context.Context, st *store.Store, paths []string) error {
	return st.WithTx(ctx, func(tx *sql.Tx) error {
		return store.MarkSubBandsGrouped(tx, paths)
	})
}

func deriveGroupID(sortedPaths []string, attempt int) string {
	h := sha256.New()
	for _, p := range sortedPaths {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	sum := hex.EncodeToString(h.Sum(nil))[:16]
	micro := time.Now().UnixMicro() + int64(attempt)
	return fmt.Sprintf("g_%s_%d", sum, micro)
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
