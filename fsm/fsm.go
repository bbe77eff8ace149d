// Package fsm implements the per-service finite-state machine: the
// 7-state machine and the step driver that centralises every
// start/stop/reload decision.
package fsm

import (
	"github.com/inconshreveable/log15"

	"github.com/sireniaos/finit/cond"
	"github.com/sireniaos/finit/registry"
)

// Supervisor is the subset of the supervision engine the FSM
// drives. It's expressed as an interface here, rather than importing the
// supervise package directly, so the two packages don't form an import
// cycle: supervise.Engine satisfies this structurally.
type Supervisor interface {
	Start(r *registry.Record) error
	Stop(r *registry.Record) error
	Restart(r *registry.Record) error
	SigStop(r *registry.Record) error
	SigCont(r *registry.Record) error
}

// Context is everything Step needs beyond the record itself.
type Context struct {
	Runlevel int // current runlevel, BootstrapRunlevel for "S"
	Cond     *cond.Store
	Sup      Supervisor
	Log      log15.Logger
}

// maxStepsPerSweep bounds the cascading re-run Step does when a
// transition changes state in the same pass; 7 states means no
// legitimate cascade can be longer than the state count.
const maxStepsPerSweep = len(stateOrderForBound)

var stateOrderForBound = [...]registry.State{
	registry.Halted, registry.Ready, registry.Running, registry.Stopping,
	registry.Waiting, registry.Paused, registry.Done,
}

// Step reads enablement, the condition aggregate, and child status, and
// drives the record through at most one transition per FSM edge, cascading
// while a transition keeps changing the state, within a single call. It
// reports whether any transition occurred.
func Step(ctx *Context, r *registry.Record) bool {
	changed := false
	for i := 0; i < maxStepsPerSweep; i++ {
		before := r.State
		stepOnce(ctx, r)
		if r.State == before {
			break
		}
		changed = true
	}
	return changed
}

func enabled(ctx *Context, r *registry.Record) bool {
	if r.Dirty == -1 {
		// Marked for removal by a reload pass: the record must drain to
		// Halted so CleanDynamic can sweep it.
		return false
	}
	if r.Callback != nil {
		if e, ok := r.Callback.Enabled(r); ok {
			return e && !blocksStart(r.Block)
		}
	}
	return r.InRunlevel(ctx.Runlevel) && !blocksStart(r.Block)
}

// blocksStart reports whether Block should keep a record from starting.
// BlockBusyCondition is deliberately excluded: it is a status-only
// annotation and must never itself stop a service.
func blocksStart(b registry.Block) bool {
	return b == registry.BlockMissing || b == registry.BlockCrashing || b == registry.BlockUser
}

func stepOnce(ctx *Context, r *registry.Record) {
	switch r.State {
	case registry.Halted:
		stepHalted(ctx, r)
	case registry.Done:
		stepDone(r)
	case registry.Stopping:
		stepStopping(r)
	case registry.Ready:
		stepReady(ctx, r)
	case registry.Running:
		stepRunning(ctx, r)
	case registry.Waiting:
		stepWaiting(ctx, r)
	case registry.Paused:
		// Reserved for future operator-driven suspension; Step never
		// enters or leaves this state today.
	}
}

func stepHalted(ctx *Context, r *registry.Record) {
	r.RestartCounter = 0
	if enabled(ctx, r) {
		r.State = registry.Ready
	}
}

func stepDone(r *registry.Record) {
	// Done is terminal for Run-type services unless a reload has marked
	// this record dirty, forcing re-execution.
	if r.Dirty != 0 {
		r.State = registry.Halted
	}
}

func stepStopping(r *registry.Record) {
	if r.PID == 0 {
		r.State = registry.Halted
	}
}

func stepReady(ctx *Context, r *registry.Record) {
	if !enabled(ctx, r) {
		r.State = registry.Halted
		return
	}

	if r.PID != 0 {
		// The previous process is still draining after a stop; the
		// monitor zeroes the pid on reap and re-steps the record, which
		// is when a replacement may start.
		return
	}

	agg := ctx.Cond.AggregateAtoms(r.CondAST())
	if agg != cond.On {
		return
	}

	if r.RestartCounter >= registry.RespawnMax {
		r.Block = registry.BlockCrashing
		r.State = registry.Halted
		return
	}

	if err := ctx.Sup.Start(r); err != nil {
		ctx.Log.Error("start failed", "cmd", r.Cmd, "id", r.ID, "err", err)
		r.RestartCounter++
		return
	}

	r.Block = registry.BlockNone
	r.Dirty = 0
	switch r.Type {
	case registry.Service:
		r.State = registry.Running
		publishService(ctx, r)
	case registry.Task, registry.Inetd:
		r.State = registry.Stopping
	case registry.Run:
		r.State = registry.Done
	}
}

// publishService writes svc/<name> for a Service-type record that just
// reached Running; Task/Run/Inetd records never publish one.
func publishService(ctx *Context, r *registry.Record) {
	if r.Type != registry.Service {
		return
	}
	if err := ctx.Cond.PublishService(r.ServiceName(), r.PID); err != nil {
		ctx.Log.Error("publish svc condition failed", "cmd", r.Cmd, "id", r.ID, "err", err)
	}
}

// unpublishService removes svc/<name> once a Service-type record stops
// being reachable (crashed, or taken down by the supervisor).
func unpublishService(ctx *Context, r *registry.Record) {
	if r.Type != registry.Service {
		return
	}
	if err := ctx.Cond.UnpublishService(r.ServiceName()); err != nil {
		ctx.Log.Error("unpublish svc condition failed", "cmd", r.Cmd, "id", r.ID, "err", err)
	}
}

// stepRunning: a sighup-capable service pauses via SIGSTOP/Waiting when
// its condition goes flux; a non-sighup service has no such pause and is
// stopped back to Ready, the same path a cond gone off takes. Only once
// neither applies does a dirty, sighup-capable record reload in place
// via SIGHUP.
func stepRunning(ctx *Context, r *registry.Record) {
	if !enabled(ctx, r) {
		stopQuietly(ctx, r)
		unpublishService(ctx, r)
		r.State = registry.Stopping
		return
	}

	if r.PID == 0 {
		// Crashed: the monitor already zeroed PID before calling Step.
		unpublishService(ctx, r)
		r.RestartCounter++
		r.State = registry.Ready
		return
	}

	agg := ctx.Cond.AggregateAtoms(r.CondAST())

	if agg == cond.Flux && r.SigHUP {
		if err := ctx.Sup.SigStop(r); err != nil {
			ctx.Log.Error("SIGSTOP failed", "cmd", r.Cmd, "id", r.ID, "err", err)
		}
		// Step cascades straight into stepWaiting within this same call
		// (state changed), which tallies the sweep; no double-count here.
		r.State = registry.Waiting
		return
	}

	if agg == cond.Off || agg == cond.Flux || (r.Dirty != 0 && !r.SigHUP) {
		stopQuietly(ctx, r)
		unpublishService(ctx, r)
		r.State = registry.Ready
		return
	}

	if r.Dirty != 0 {
		if err := ctx.Sup.Restart(r); err != nil {
			ctx.Log.Error("restart (SIGHUP) failed", "cmd", r.Cmd, "id", r.ID, "err", err)
			return
		}
		r.Dirty = 0
	}
}

func stepWaiting(ctx *Context, r *registry.Record) {
	if !enabled(ctx, r) {
		if err := ctx.Sup.SigCont(r); err != nil {
			ctx.Log.Error("SIGCONT failed", "cmd", r.Cmd, "id", r.ID, "err", err)
		}
		stopQuietly(ctx, r)
		unpublishService(ctx, r)
		r.ResetFluxSweep()
		r.State = registry.Halted
		return
	}

	if r.PID == 0 {
		unpublishService(ctx, r)
		r.ResetFluxSweep()
		r.State = registry.Ready
		return
	}

	agg := ctx.Cond.AggregateAtoms(r.CondAST())
	switch agg {
	case cond.On:
		if err := ctx.Sup.SigCont(r); err != nil {
			ctx.Log.Error("SIGCONT failed", "cmd", r.Cmd, "id", r.ID, "err", err)
		}
		publishService(ctx, r)
		r.ResetFluxSweep()
		r.State = registry.Running
	case cond.Off:
		if err := ctx.Sup.SigCont(r); err != nil {
			ctx.Log.Error("SIGCONT failed", "cmd", r.Cmd, "id", r.ID, "err", err)
		}
		stopQuietly(ctx, r)
		unpublishService(ctx, r)
		r.ResetFluxSweep()
		r.State = registry.Ready
	case cond.Flux:
		r.NoteFluxSweep() // still paused; tally another sweep
	}
}

func stopQuietly(ctx *Context, r *registry.Record) {
	if err := ctx.Sup.Stop(r); err != nil {
		ctx.Log.Error("stop failed", "cmd", r.Cmd, "id", r.ID, "err", err)
	}
}

// StepAll runs Step over every record the filter selects, in registry
// order, and returns how many records transitioned. A nil typeFilter
// visits every record; a non-nil one restricts the sweep to a single
// Kind (the dynamic reload path only quiesces Service-type records).
func StepAll(ctx *Context, records []*registry.Record, typeFilter *registry.Kind) int {
	n := 0
	for _, r := range records {
		if typeFilter != nil && r.Type != *typeFilter {
			continue
		}
		if Step(ctx, r) {
			n++
		}
	}
	return n
}
