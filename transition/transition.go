// Package transition implements the two-phase teardown protocol that
// coordinates a runlevel change or a dynamic reload with
// asynchronous child reaping: stop everything that must stop, wait for
// every Stopping record to be reaped, then run the transition's finisher.
package transition

import (
	"fmt"
	"sync"

	"github.com/inconshreveable/log15"

	"github.com/sireniaos/finit/cond"
	"github.com/sireniaos/finit/fsm"
	"github.com/sireniaos/finit/registry"
)

// Phase is the coordinator's own state: a single enum instead of a pair
// of in-teardown booleans, so the barrier has exactly one owner.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseRunlevelTeardown
	PhaseDynTeardown
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseRunlevelTeardown:
		return "runlevel-teardown"
	case PhaseDynTeardown:
		return "dyn-teardown"
	default:
		return "unknown"
	}
}

// NologinWriter toggles /etc/nologin for single-user runlevel
// transitions. It's a pluggable interface so the core stays testable
// without touching the filesystem.
type NologinWriter interface {
	SetNologin(present bool) error
}

// TTYHandoff hands consoles to the tty collaborator after a runlevel
// settles.
type TTYHandoff interface {
	HandToTTYs(runlevel int) error
}

// Hooks are the external collaborator callbacks the coordinator invokes
// at phase boundaries; the plugin surface owns what they do.
type Hooks struct {
	RunlevelChange func(prev, current int)
	SvcReconf      func()
	Poweroff       func()
	Reboot         func()
	// ReloadConf re-reads .conf files from disk, registering new records
	// and marking survivors' Dirty == 0 (owned by the registration
	// parser's loader).
	ReloadConf func() error
}

var errSameRunlevel = fmt.Errorf("transition: already at requested runlevel")
var errOutOfRange = fmt.Errorf("transition: runlevel out of [0,9]")

// Coordinator owns the Phase and drives both barrier protocols. It
// holds the fsm.Context it hands to Step/StepAll, keeping
// Context.Runlevel in sync with Current.
type Coordinator struct {
	mu  sync.Mutex
	log log15.Logger

	reg  *registry.Registry
	cnd  *cond.Store
	ctx  *fsm.Context
	hook Hooks

	nologin NologinWriter
	tty     TTYHandoff

	phase   Phase
	current int
	prev    int
}

// New returns a Coordinator bootstrapped at runlevel S.
func New(reg *registry.Registry, cnd *cond.Store, ctx *fsm.Context, hooks Hooks, nologin NologinWriter, tty TTYHandoff) *Coordinator {
	return &Coordinator{
		log:     log15.New("pkg", "transition"),
		reg:     reg,
		cnd:     cnd,
		ctx:     ctx,
		hook:    hooks,
		nologin: nologin,
		tty:     tty,
		phase:   PhaseIdle,
		current: registry.BootstrapRunlevel,
		prev:    registry.BootstrapRunlevel,
	}
}

// Current returns the active runlevel.
func (co *Coordinator) Current() int {
	co.mu.Lock()
	defer co.mu.Unlock()
	return co.current
}

// Phase returns the coordinator's current barrier phase.
func (co *Coordinator) Phase() Phase {
	co.mu.Lock()
	defer co.mu.Unlock()
	return co.phase
}

// Runlevel starts a runlevel change. It
// rejects a no-op or out-of-range target, reloads .conf files, then
// sweeps every record; records not permitted at the new level enter
// Stopping. If nothing needed stopping, runlevelFinish runs immediately;
// otherwise MaybeFinish (invoked from the monitor loop on each reap)
// finishes the barrier once the last Stopping record is reaped.
func (co *Coordinator) Runlevel(new int) error {
	co.mu.Lock()
	defer co.mu.Unlock()

	if new == co.current {
		return errSameRunlevel
	}
	if new < 0 || new > 9 {
		return errOutOfRange
	}

	co.prev = co.current
	co.current = new
	co.ctx.Runlevel = new

	if co.hook.ReloadConf != nil {
		if err := co.hook.ReloadConf(); err != nil {
			co.log.Error("reload conf failed during runlevel change", "err", err)
		}
	}

	co.phase = PhaseRunlevelTeardown
	fsm.StepAll(co.ctx, co.reg.All(), nil)

	if co.stopIsDoneLocked() {
		co.runlevelFinishLocked()
	}
	return nil
}

// runlevelFinishLocked runs RunlevelChange hooks, starts services
// enabled at the new level, retires removed dynamic records, and
// handles the three special runlevels (0 poweroff, 6 reboot, 1
// single-user).
func (co *Coordinator) runlevelFinishLocked() {
	prev, current := co.prev, co.current
	co.phase = PhaseIdle

	if co.hook.RunlevelChange != nil {
		co.hook.RunlevelChange(prev, current)
	}

	fsm.StepAll(co.ctx, co.reg.All(), nil)
	co.reg.CleanDynamic(func(r *registry.Record) {
		co.log.Info("retired dynamic record", "cmd", r.Cmd, "id", r.ID)
	})

	switch current {
	case 0:
		if co.hook.Poweroff != nil {
			co.hook.Poweroff()
		}
	case 6:
		if co.hook.Reboot != nil {
			co.hook.Reboot()
		}
	default:
		if co.nologin != nil {
			if err := co.nologin.SetNologin(current == 1); err != nil {
				co.log.Error("nologin toggle failed", "err", err)
			}
		}
		if prev != registry.BootstrapRunlevel && co.tty != nil {
			if err := co.tty.HandToTTYs(current); err != nil {
				co.log.Error("tty handoff failed", "err", err)
			}
		}
	}
}

// ReloadDynamic starts a dynamic .conf reload:
// re-reads .conf files, marks every condition flux, then quiesces
// affected services. Early-returns while any record is still
// Stopping; MaybeFinish completes the barrier on the last reap.
func (co *Coordinator) ReloadDynamic() error {
	co.mu.Lock()
	defer co.mu.Unlock()

	if co.hook.ReloadConf != nil {
		if err := co.hook.ReloadConf(); err != nil {
			return err
		}
	}

	co.phase = PhaseDynTeardown
	if err := co.cnd.Reload(); err != nil {
		return err
	}

	svc := registry.Service
	fsm.StepAll(co.ctx, co.reg.All(), &svc)

	if co.stopIsDoneLocked() {
		co.reloadDynamicFinishLocked()
	}
	return nil
}

func (co *Coordinator) reloadDynamicFinishLocked() {
	co.phase = PhaseIdle
	if co.hook.SvcReconf != nil {
		co.hook.SvcReconf()
	}
	if err := co.cnd.FinishReload(); err != nil {
		co.log.Error("clearing reconf sentinel failed", "err", err)
	}

	svc := registry.Service
	fsm.StepAll(co.ctx, co.reg.All(), &svc)
}

// MaybeFinish is called by the monitor loop after every reap. It runs
// the appropriate finisher exactly once per transition: a second call
// after phase has already returned to Idle is a no-op, so the finisher
// can never run twice for one barrier.
func (co *Coordinator) MaybeFinish() {
	co.mu.Lock()
	defer co.mu.Unlock()

	switch co.phase {
	case PhaseRunlevelTeardown:
		if co.stopIsDoneLocked() {
			co.runlevelFinishLocked()
		}
	case PhaseDynTeardown:
		if co.stopIsDoneLocked() {
			co.reloadDynamicFinishLocked()
		}
	}
}

// stopIsDoneLocked reports whether no record is currently in Stopping.
// Caller must hold co.mu.
func (co *Coordinator) stopIsDoneLocked() bool {
	for _, r := range co.reg.All() {
		if r.State == registry.Stopping {
			return false
		}
	}
	return true
}
