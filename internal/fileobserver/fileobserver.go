// Package fileobserver watches the incoming sub-band directory and feeds
// newly discovered files to the group assembler (spec §4.3). It pairs a
// live fsnotify watch with a bootstrap scan on Start so that files written
// while the observer was down are not lost — the scan emits them in
// filename (observation-time) order, never creation-time order, since a
// downstream chronological task queue depends on that ordering and cannot
// recover it once lost to arrival order.
package fileobserver

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/dsa110/contimg/internal/obslog"
	"github.com/dsa110/contimg/internal/store"
	"github.com/dsa110/contimg/internal/subband"
)

// Observer watches dir for new sub-band files and records each one (or
// its corrupt-file placeholder) in the store, then forwards successfully
// parsed files to Out.
type Observer struct {
	dir     string
	st      *store.Store
	watcher *fsnotify.Watcher
	Out     chan subband.Parsed
	stop    chan struct{}
	done    chan struct{}
}

// New creates an Observer rooted at dir. Out is buffered to absorb a burst
// of bootstrap-scan events without blocking the watch loop.
func New(dir string, st *store.Store) (*Observer, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, err
	}
	return &Observer{
		dir:     dir,
		st:      st,
		watcher: watcher,
		Out:     make(chan subband.Parsed, 256),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}, nil
}

// Start runs the bootstrap scan synchronously, then launches the live
// fsnotify loop in a goroutine. Callers should drain Out before calling
// Stop to avoid losing buffered files.
func (o *Observer) Start(ctx context.Context) error {
	if err := o.bootstrapScan(ctx); err != nil {
		// The watch loop never ran, so close done here or a later Stop
		// would wait on it forever.
		close(o.done)
		return err
	}
	go o.watchLoop(ctx)
	return nil
}

// Stop closes the watcher and waits for the watch loop to exit.
func (o *Observer) Stop() {
	close(o.stop)
	o.watcher.Close()
	<-o.done
}

// bootstrapScan walks dir once, collects every sub-band-looking file,
// sorts by the timestamp parsed from its filename, and ingests them in
// that order.
func (o *Observer) bootstrapScan(ctx context.Context) error {
	var candidates []string
	err := filepath.WalkDir(o.dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if subband.IsSubbandFile(d.Name()) {
			candidates = append(candidates, path)
		}
		return nil
	})
	if err != nil {
		return err
	}

	sort.Slice(candidates, func(i, j int) bool {
		return filepath.Base(candidates[i]) < filepath.Base(candidates[j])
	})

	for _, path := range candidates {
		o.ingest(ctx, path)
	}
	return nil
}

func (o *Observer) watchLoop(ctx context.Context) {
	defer close(o.done)
	for {
		select {
		case <-o.stop:
			return
		case ev, ok := <-o.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			if !subband.IsSubbandFile(filepath.Base(ev.Name)) {
				continue
			}
			o.ingest(ctx, ev.Name)
		case err, ok := <-o.watcher.Errors:
			if !ok {
				return
			}
			obslog.Logf("fileobserver: watch error: %v", err)
		}
	}
}

func (o *Observer) ingest(ctx context.Context, path string) {
	info, statErr := os.Stat(path)
	discoveredAt := time.Now().UTC()
	if statErr == nil {
		discoveredAt = info.ModTime().UTC()
	}

	parsed, err := subband.Parse(path)
	if err != nil {
		obslog.Logf("fileobserver: unreadable sub-band %s: %v", path, err)
		if dbErr := o.st.InsertCorruptSubBand(ctx, path, discoveredAt); dbErr != nil {
			obslog.Logf("fileobserver: record corrupt sub-band %s: %v", path, dbErr)
		}
		return
	}

	var size int64
	if statErr == nil {
		size = info.Size()
	}

	row := store.SubBand{
		Path:           parsed.Path,
		TimestampISO:   parsed.Timestamp.UTC().Format("2006-01-02T15:04:05Z07:00"),
		SubbandCode:    parsed.SubbandCode,
		PointingDecDeg: parsed.PointingDecDeg,
		SizeBytes:      size,
		DiscoveredAt:   discoveredAt,
		Status:         store.SubBandNew,
	}
	if err := o.st.InsertSubBand(ctx, row); err != nil {
		obslog.Logf("fileobserver: insert sub-band %s: %v", path, err)
		return
	}

	select {
	case o.Out <- parsed:
	case <-o.stop:
	}
}
