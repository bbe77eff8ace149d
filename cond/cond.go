// Package cond implements the namespaced tri-state condition store:
// named variables published by external producers (plugins, filesystem
// watches) under a runtime directory tree, and aggregation of a
// service's comma-separated cond expression into a single tri-state.
package cond

import (
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/inconshreveable/log15"

	"github.com/sireniaos/finit/registry"
)

// State is a condition's tri-state value.
type State int

const (
	Off State = iota
	Flux
	On
)

func (s State) String() string {
	switch s {
	case Off:
		return "off"
	case Flux:
		return "flux"
	case On:
		return "on"
	default:
		return "unknown"
	}
}

// reconfSentinel is the file whose presence under root means "a
// transition is in flight".
const reconfSentinel = "reconf"

// svcDir is the subdirectory the supervisor itself publishes
// svc/<name> condition files under as each service reaches Running.
const svcDir = "svc"

// Store is the filesystem-backed condition store rooted at a runtime
// directory, normally <runtime>/finit/cond/.
type Store struct {
	root   string
	log    log15.Logger
	mu     sync.RWMutex
	marked map[string]bool // names Reload has provisionally set to flux

	watcher *fsnotify.Watcher
}

// NewStore creates (if necessary) the directory tree rooted at root and
// returns a Store backed by it.
func NewStore(root string) (*Store, error) {
	if err := os.MkdirAll(filepath.Join(root, svcDir), 0755); err != nil {
		return nil, err
	}
	return &Store{
		root:   root,
		log:    log15.New("pkg", "cond"),
		marked: make(map[string]bool),
	}, nil
}

func (s *Store) path(name string) string {
	return filepath.Join(s.root, filepath.FromSlash(name))
}

// Get returns the tri-state of a single named condition. A condition is
// On if its leaf file exists with non-empty content, Flux if it exists
// but is empty (or has been marked transitional by Reload), Off
// otherwise.
func (s *Store) Get(name string) State {
	s.mu.RLock()
	marked := s.marked[name]
	s.mu.RUnlock()

	info, err := os.Stat(s.path(name))
	if err != nil {
		return Off
	}
	if marked {
		return Flux
	}
	if info.Size() == 0 {
		return Flux
	}
	return On
}

// Set publishes name as On by writing non-empty content to its leaf
// file, replacing it atomically via rename(2) so observers never see a
// partial write.
func (s *Store) Set(name string) error {
	if err := s.writeAtomic(name, []byte("1")); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.marked, name)
	s.mu.Unlock()
	return nil
}

// Clear removes a published condition, making it Off.
func (s *Store) Clear(name string) error {
	s.mu.Lock()
	delete(s.marked, name)
	s.mu.Unlock()

	err := os.Remove(s.path(name))
	if err != nil && os.IsNotExist(err) {
		return nil
	}
	return err
}

func (s *Store) writeAtomic(name string, content []byte) error {
	p := s.path(name)
	if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
		return err
	}
	tmp := p + ".tmp"
	if err := os.WriteFile(tmp, content, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, p)
}

// PublishService writes svc/<name> with the given pid, as each service
// reaches Running.
func (s *Store) PublishService(name string, pid int) error {
	return s.writeAtomic(filepath.Join(svcDir, name), []byte(strconv.Itoa(pid)))
}

// UnpublishService removes svc/<name> on stop.
func (s *Store) UnpublishService(name string) error {
	return s.Clear(filepath.Join(svcDir, name))
}

// Reload marks every currently-On condition as Flux so that
// recomputation only settles back to On once producers actively
// re-publish. It also creates the reconf sentinel; the caller is
// responsible for removing it once the barrier's finisher runs. The
// transition coordinator calls it before the teardown of a dynamic
// reload only; a runlevel change does not call it, so conditions keep
// their values across a runlevel change.
func (s *Store) Reload() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	names, err := s.listLeaves(s.root)
	if err != nil {
		return err
	}
	s.marked = make(map[string]bool, len(names))
	for _, n := range names {
		if n == reconfSentinel {
			continue
		}
		if s.isOnLocked(n) {
			s.marked[n] = true
		}
	}
	return s.writeAtomic(reconfSentinel, []byte("1"))
}

// FinishReload removes the reconf sentinel, signalling that the
// transition which called Reload has completed.
func (s *Store) FinishReload() error {
	return s.Clear(reconfSentinel)
}

func (s *Store) isOnLocked(name string) bool {
	info, err := os.Stat(s.path(name))
	return err == nil && info.Size() > 0
}

func (s *Store) listLeaves(dir string) ([]string, error) {
	var out []string
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	for _, e := range entries {
		rel, _ := filepath.Rel(s.root, filepath.Join(dir, e.Name()))
		if e.IsDir() {
			sub, err := s.listLeaves(filepath.Join(dir, e.Name()))
			if err != nil {
				return nil, err
			}
			out = append(out, sub...)
			continue
		}
		out = append(out, filepath.ToSlash(rel))
	}
	return out, nil
}

// GetAggregate parses a comma-separated condition expression and
// aggregates it to a single tri-state:
//   - empty expression -> On
//   - On iff every atom is satisfied (an atom prefixed '!' is satisfied
//     when that condition is Off)
//   - Off iff any atom is unsatisfied-Off and none is Flux
//   - otherwise Flux
func (s *Store) GetAggregate(expr string) State {
	return s.AggregateAtoms(registry.ParseCondExpr(expr))
}

// AggregateAtoms aggregates an already-parsed atom list, letting callers
// (the FSM) reuse a Record's memoized parse instead of re-parsing the
// expression on every step.
func (s *Store) AggregateAtoms(atoms []registry.CondAtom) State {
	if len(atoms) == 0 {
		return On
	}
	sawFlux := false
	sawUnsatisfiedOff := false
	for _, a := range atoms {
		st := s.Get(a.Name)
		satisfied, flux := atomSatisfied(a, st)
		if flux {
			sawFlux = true
			continue
		}
		if !satisfied {
			sawUnsatisfiedOff = true
		}
	}
	switch {
	case sawFlux:
		return Flux
	case sawUnsatisfiedOff:
		return Off
	default:
		return On
	}
}

// atomSatisfied reports whether a single atom is satisfied given the raw
// state of the condition it names, and whether that atom is currently in
// flux (which always wins over a stale satisfied/unsatisfied verdict).
func atomSatisfied(a registry.CondAtom, st State) (satisfied bool, flux bool) {
	if st == Flux {
		return false, true
	}
	on := st == On
	if a.Negate {
		return !on, false
	}
	return on, false
}

// Affects is a pure predicate: does the named condition appear (negated
// or not) in expr? Producers use this to decide whether a particular
// service reacts to a condition they're about to change.
func Affects(name, expr string) bool {
	for _, a := range registry.ParseCondExpr(expr) {
		if a.Name == name {
			return true
		}
	}
	return false
}

// Watch starts an fsnotify watch over the store's directory tree and
// calls onChange (from a background goroutine) whenever a condition file
// is created, written, removed, or renamed, so external producers don't
// have to be polled. The returned stop func
// closes the watcher; it is safe to call once.
func (s *Store) Watch(onChange func()) (stop func(), err error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := addRecursive(w, s.root); err != nil {
		w.Close()
		return nil, err
	}
	s.watcher = w

	done := make(chan struct{})
	go func() {
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) != 0 {
					onChange()
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				s.log.Error("condition watch error", "err", err)
			case <-done:
				return
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(done)
			w.Close()
		})
	}, nil
}

func addRecursive(w *fsnotify.Watcher, dir string) error {
	if err := w.Add(dir); err != nil {
		return err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.IsDir() {
			if err := addRecursive(w, filepath.Join(dir, e.Name())); err != nil {
				return err
			}
		}
	}
	return nil
}
