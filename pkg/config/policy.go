package config

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"github.com/tidwall/jsonc"

	"github.com/hyphae/apis-main/pkg/fault"
)

// PolicyKeeper holds the cluster policy document in memory and reloads it
// when the file changes. A failed reload keeps the previous document.
type PolicyKeeper struct {
	path     string
	logger   zerolog.Logger
	reporter fault.Reporter
	debounce time.Duration

	doc atomic.Pointer[map[string]interface{}]

	mu       sync.Mutex
	watcher  *fsnotify.Watcher
	cancel   context.CancelFunc
	done     chan struct{}
	onReload []func()
}

// NewPolicyKeeper creates a keeper for the policy file at path.
func NewPolicyKeeper(path string, logger zerolog.Logger, reporter fault.Reporter) *PolicyKeeper {
	return &PolicyKeeper{
		path:     filepath.Clean(path),
		logger:   logger.With().Str("component", "policy-keeper").Logger(),
		reporter: reporter,
		debounce: 500 * time.Millisecond,
	}
}

// SetDebounce changes the delay between a file event and the reload.
func (k *PolicyKeeper) SetDebounce(d time.Duration) {
	k.debounce = d
}

// OnReload registers fn to run after every successful reload.
func (k *PolicyKeeper) OnReload(fn func()) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.onReload = append(k.onReload, fn)
}

// ParsePolicy parses a policy document. Comments and trailing commas are
// accepted.
func ParsePolicy(data []byte) (map[string]interface{}, error) {
	var doc map[string]interface{}
	if err := json.Unmarshal(jsonc.ToJSON(data), &doc); err != nil {
		return nil, fmt.Errorf("failed to parse policy: %w", err)
	}
	if doc == nil {
		return nil, fmt.Errorf("policy document is empty")
	}
	return doc, nil
}

func (k *PolicyKeeper) read() (map[string]interface{}, error) {
	data, err := os.ReadFile(k.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy file: %w", err)
	}
	return ParsePolicy(data)
}

// Load reads the policy file once. It fails if the file is missing or
// unparseable; the unit cannot start without a policy.
func (k *PolicyKeeper) Load(ctx context.Context) error {
	doc, err := k.read()
	if err != nil {
		return fault.ReportAndFail(ctx, k.reporter,
			fault.Wrap(fault.CategoryUser, fault.ExtentLocal, fault.LevelError, "policy could not be loaded", err).
				WithOperation("load "+k.path))
	}
	k.doc.Store(&doc)
	k.logger.Info().Str("path", k.path).Msg("Policy loaded")
	return nil
}

// Reload re-reads the policy file. On failure the previous document stays
// in place and a USER/WARN is reported.
func (k *PolicyKeeper) Reload(ctx context.Context) error {
	doc, err := k.read()
	if err != nil {
		return fault.ReportAndFail(ctx, k.reporter,
			fault.Wrap(fault.CategoryUser, fault.ExtentLocal, fault.LevelWarn, "policy reload failed, keeping previous", err).
				WithOperation("reload "+k.path))
	}
	k.doc.Store(&doc)
	k.logger.Info().Str("path", k.path).Msg("Policy reloaded")

	k.mu.Lock()
	hooks := append([]func(){}, k.onReload...)
	k.mu.Unlock()
	for _, fn := range hooks {
		fn()
	}
	return nil
}

// Start loads the policy and starts watching its directory. Editors often
// replace files by rename, so the directory is watched rather than the file.
func (k *PolicyKeeper) Start(ctx context.Context) error {
	if err := k.Load(ctx); err != nil {
		return err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(k.path)); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("failed to watch policy directory: %w", err)
	}

	watchCtx, cancel := context.WithCancel(context.Background())
	k.mu.Lock()
	k.watcher = watcher
	k.cancel = cancel
	k.done = make(chan struct{})
	k.mu.Unlock()

	go k.processEvents(watchCtx, watcher, k.done)

	k.logger.Info().Str("path", k.path).Msg("Started watching policy file")
	return nil
}

// Stop stops watching. The last document remains readable.
func (k *PolicyKeeper) Stop() error {
	k.mu.Lock()
	cancel, done := k.cancel, k.done
	k.cancel, k.done = nil, nil
	k.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	<-done
	return nil
}

func (k *PolicyKeeper) processEvents(ctx context.Context, watcher *fsnotify.Watcher, done chan struct{}) {
	defer close(done)
	defer func() { _ = watcher.Close() }()

	var reloadTimer *time.Timer
	defer func() {
		if reloadTimer != nil {
			reloadTimer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != k.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}

			k.logger.Debug().
				Str("file", event.Name).
				Str("op", event.Op.String()).
				Msg("Policy file changed")

			if reloadTimer != nil {
				reloadTimer.Stop()
			}
			reloadTimer = time.AfterFunc(k.debounce, func() {
				_ = k.Reload(ctx)
			})

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			k.logger.Error().Err(err).Msg("Watcher error")
		}
	}
}

// Document returns the current policy document, or nil before Load.
func (k *PolicyKeeper) Document() map[string]interface{} {
	p := k.doc.Load()
	if p == nil {
		return nil
	}
	return *p
}

// Get walks path through nested objects of the current document.
func (k *PolicyKeeper) Get(path ...string) (interface{}, bool) {
	doc := k.Document()
	if doc == nil {
		return nil, false
	}
	var cur interface{} = doc
	for _, key := range path {
		obj, ok := cur.(map[string]interface{})
		if !ok {
			return nil, false
		}
		cur, ok = obj[key]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// OperationMode returns the policy's declared global operation mode as raw
// text. A non-string value is rendered so that callers can reject it.
func (k *PolicyKeeper) OperationMode() (string, bool) {
	v, ok := k.Get("operationMode")
	if !ok || v == nil {
		return "", false
	}
	if s, ok := v.(string); ok {
		return s, true
	}
	return fmt.Sprint(v), true
}
