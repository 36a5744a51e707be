package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"screentrail/internal/filestore"
	"screentrail/internal/store"
)

// DefaultSettle is how long a file must be unchanged before it is captured.
const DefaultSettle = 500 * time.Millisecond

// FolderProvider captures screenshots dropped into an inbox directory by
// an external tool. Each stable image file is yielded once, oldest first,
// and removed from the inbox.
type FolderProvider struct {
	dir       string
	settle    time.Duration
	fsWatcher *fsnotify.Watcher
	logger    *slog.Logger

	// path -> last modification time
	state   map[string]time.Time
	stateMu sync.Mutex

	done chan struct{}
	wg   sync.WaitGroup
}

// NewFolderProvider watches dir, creating it if needed.
func NewFolderProvider(dir string, settle time.Duration, logger *slog.Logger) (*FolderProvider, error) {
	if settle < 0 {
		settle = DefaultSettle
	}
	if logger == nil {
		logger = slog.Default()
	}

	absDir, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(absDir, 0o755); err != nil {
		return nil, fmt.Errorf("create inbox: %w", err)
	}

	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsWatcher.Add(absDir); err != nil {
		fsWatcher.Close()
		return nil, fmt.Errorf("watch inbox: %w", err)
	}

	p := &FolderProvider{
		dir:       absDir,
		settle:    settle,
		fsWatcher: fsWatcher,
		logger:    logger,
		state:     make(map[string]time.Time),
		done:      make(chan struct{}),
	}

	// Pick up files that arrived while nothing was watching.
	entries, err := os.ReadDir(absDir)
	if err != nil {
		fsWatcher.Close()
		return nil, err
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			p.trackFile(filepath.Join(absDir, entry.Name()))
		}
	}

	p.wg.Add(1)
	go p.eventLoop()
	return p, nil
}

// Dir returns the inbox directory.
func (p *FolderProvider) Dir() string {
	return p.dir
}

// Close stops watching the inbox.
func (p *FolderProvider) Close() error {
	close(p.done)
	p.wg.Wait()
	return p.fsWatcher.Close()
}

// Pending returns the number of files waiting to be captured.
func (p *FolderProvider) Pending() int {
	p.stateMu.Lock()
	defer p.stateMu.Unlock()
	return len(p.state)
}

func (p *FolderProvider) trackFile(path string) {
	if strings.HasPrefix(filepath.Base(path), ".") {
		return
	}
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return
	}
	p.stateMu.Lock()
	p.state[path] = info.ModTime()
	p.stateMu.Unlock()
}

func (p *FolderProvider) eventLoop() {
	defer p.wg.Done()

	for {
		select {
		case <-p.done:
			return

		case event, ok := <-p.fsWatcher.Events:
			if !ok {
				return
			}
			switch {
			case event.Op&(fsnotify.Write|fsnotify.Create) != 0:
				p.trackFile(event.Name)
			case event.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
				p.stateMu.Lock()
				delete(p.state, event.Name)
				p.stateMu.Unlock()
			}

		case err, ok := <-p.fsWatcher.Errors:
			if !ok {
				return
			}
			p.logger.Warn("inbox watch error", "error", err)
		}
	}
}

type candidate struct {
	path    string
	lastMod time.Time
}

// Capture implements Provider. sourceID and kind are not used; the inbox
// is the only source.
func (p *FolderProvider) Capture(ctx context.Context, _ string, _ store.SessionKind) (*Frame, error) {
	threshold := time.Now().Add(-p.settle)

	p.stateMu.Lock()
	var stable []candidate
	for path, lastMod := range p.state {
		if !lastMod.After(threshold) {
			stable = append(stable, candidate{path: path, lastMod: lastMod})
		}
	}
	p.stateMu.Unlock()

	sort.Slice(stable, func(i, j int) bool {
		if !stable[i].lastMod.Equal(stable[j].lastMod) {
			return stable[i].lastMod.Before(stable[j].lastMod)
		}
		return stable[i].path < stable[j].path
	})

	for _, c := range stable {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		frame, err := p.take(c)
		if err != nil {
			p.logger.Warn("skipping inbox file", "path", c.path, "error", err)
			continue
		}
		if frame != nil {
			return frame, nil
		}
	}
	return nil, nil
}

// take reads and consumes one inbox file. It returns a nil frame when the
// file changed since it was considered stable.
func (p *FolderProvider) take(c candidate) (*Frame, error) {
	p.stateMu.Lock()
	current, ok := p.state[c.path]
	if !ok || !current.Equal(c.lastMod) {
		p.stateMu.Unlock()
		return nil, nil
	}
	delete(p.state, c.path)
	p.stateMu.Unlock()

	data, err := os.ReadFile(c.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	if _, ok := filestore.DetectImage(data); !ok {
		return nil, errors.New("not a supported image")
	}
	if err := os.Remove(c.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		p.logger.Warn("remove captured inbox file failed", "path", c.path, "error", err)
	}

	name := strings.TrimSuffix(filepath.Base(c.path), filepath.Ext(c.path))
	return &Frame{
		WindowID:   name,
		WindowName: name,
		Timestamp:  c.lastMod.UTC().Format(store.TimeLayout),
		Image:      data,
	}, nil
}
