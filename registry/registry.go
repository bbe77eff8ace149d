package registry

import (
	"fmt"
	"sync"
)

// ErrOutOfCapacity is returned by NewRecord when the registry's
// fixed-capacity table has no free slots.
var ErrOutOfCapacity = fmt.Errorf("registry: out of capacity")

// Registry is the fixed-capacity table of service records. The
// supervisor core is single-threaded: Registry itself is mutated only
// from the supervisor's event loop goroutine. version is bumped around
// every mutation so Snapshot, called from other goroutines (status
// tooling), can detect a torn read and retry, seqlock style.
type Registry struct {
	mu      sync.Mutex
	version uint64
	slots   []*Record
	cap     int
	nextJob int
}

// New returns an empty Registry with the given fixed capacity.
func New(capacity int) *Registry {
	return &Registry{
		slots: make([]*Record, 0, capacity),
		cap:   capacity,
	}
}

func (g *Registry) begin() { g.version++ }
func (g *Registry) end()   { g.version++ }

// NewRecord allocates and registers a record for (cmd, id) of the given
// type. It fails with ErrOutOfCapacity if the table is full, and with a
// separate "already exists" error if a record already exists for
// (cmd, id): at most one record may exist per (cmd, id) pair.
func (g *Registry) NewRecord(cmd string, id int, kind Kind) (*Record, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	for _, r := range g.slots {
		if r.Cmd == cmd && r.ID == id {
			return nil, fmt.Errorf("registry: record already exists for %s:%d", cmd, id)
		}
	}
	if len(g.slots) >= g.cap {
		return nil, ErrOutOfCapacity
	}
	if id == 0 {
		id = 1
	}

	g.nextJob++
	r := &Record{
		Job:   g.nextJob,
		Cmd:   cmd,
		ID:    id,
		Type:  kind,
		State: Halted,
	}
	if kind == Inetd {
		r.State = Waiting
	}

	g.begin()
	g.slots = append(g.slots, r)
	g.end()
	return r, nil
}

// Del removes a record from the table.
func (g *Registry) Del(r *Record) {
	g.mu.Lock()
	defer g.mu.Unlock()

	for i, s := range g.slots {
		if s == r {
			g.begin()
			g.slots = append(g.slots[:i], g.slots[i+1:]...)
			g.end()
			return
		}
	}
}

// Find looks up a record by (cmd, id).
func (g *Registry) Find(cmd string, id int) (*Record, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, r := range g.slots {
		if r.Cmd == cmd && r.ID == id {
			return r, true
		}
	}
	return nil, false
}

// FindByPID looks up the record currently running as pid.
func (g *Registry) FindByPID(pid int) (*Record, bool) {
	if pid <= 0 {
		return nil, false
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, r := range g.slots {
		if r.PID == pid {
			return r, true
		}
	}
	return nil, false
}

// FindByJobID looks up a record by its logical job number and instance id.
func (g *Registry) FindByJobID(job, id int) (*Record, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, r := range g.slots {
		if r.Job == job && r.ID == id {
			return r, true
		}
	}
	return nil, false
}

// NextID returns max(id)+1 over records sharing cmd, for anonymous
// instances.
func (g *Registry) NextID(cmd string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	max := 0
	for _, r := range g.slots {
		if r.Cmd == cmd && r.ID > max {
			max = r.ID
		}
	}
	return max + 1
}

// All returns every record in registry order. The caller must not mutate
// the table while iterating (all mutation happens on the event loop).
func (g *Registry) All() []*Record {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]*Record, len(g.slots))
	copy(out, g.slots)
	return out
}

// Live returns every record whose Type is not Free and whose State is not
// Halted/Done, i.e. records currently occupying a process slot or in
// flight towards one.
func (g *Registry) Live() []*Record {
	return g.filter(func(r *Record) bool {
		return r.Type != Free && r.State != Halted && r.State != Done
	})
}

// Inetd returns every Inetd-type record.
func (g *Registry) Inetd() []*Record {
	return g.filter(func(r *Record) bool { return r.Type == Inetd })
}

// Dynamic returns every record sourced from a reloadable .conf file
// (Record.Dynamic set).
func (g *Registry) Dynamic() []*Record {
	return g.filter(func(r *Record) bool { return r.Dynamic })
}

// Named returns every record whose command matches cmd.
func (g *Registry) Named(cmd string) []*Record {
	return g.filter(func(r *Record) bool { return r.Cmd == cmd })
}

func (g *Registry) filter(pred func(*Record) bool) []*Record {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []*Record
	for _, r := range g.slots {
		if pred(r) {
			out = append(out, r)
		}
	}
	return out
}

// MarkDynamic sets dirty = -1 on every dynamic record, ahead of a reload
// pass; the loader then clears Dirty on records still present in the new
// .conf set so that survivors aren't swept.
func (g *Registry) MarkDynamic() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.begin()
	for _, r := range g.slots {
		if r.Dynamic {
			r.Dirty = -1
		}
	}
	g.end()
}

// CleanDynamic iterates the table and, for each record still at
// Dirty == -1 and in Halted, invokes cb(record) and frees the slot. It
// is idempotent: a second call with nothing left to sweep invokes cb
// zero times.
func (g *Registry) CleanDynamic(cb func(*Record)) {
	g.mu.Lock()
	var toRemove []*Record
	for _, r := range g.slots {
		if r.Dirty == -1 && r.State == Halted {
			toRemove = append(toRemove, r)
		}
	}
	g.mu.Unlock()

	for _, r := range toRemove {
		if cb != nil {
			cb(r)
		}
		g.Del(r)
	}
}

// Snapshot returns a point-in-time copy of every record's value, safe for
// a reader goroutine to inspect without racing the writer. It retries
// internally if it observes the version counter change mid-copy.
func (g *Registry) Snapshot() []Record {
	for {
		g.mu.Lock()
		v0 := g.version
		slots := make([]*Record, len(g.slots))
		copy(slots, g.slots)
		g.mu.Unlock()

		out := make([]Record, len(slots))
		for i, r := range slots {
			out[i] = *r
		}

		g.mu.Lock()
		v1 := g.version
		g.mu.Unlock()

		if v0 == v1 {
			return out
		}
	}
}

// Len returns the number of registered records.
func (g *Registry) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.slots)
}

// Cap returns the registry's fixed capacity.
func (g *Registry) Cap() int {
	return g.cap
}
