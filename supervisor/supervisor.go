// Package supervisor wires the registry, condition store, FSM,
// supervision engine, transition coordinator, and registration loader
// into a single-threaded event loop: one goroutine
// owns every mutation; child deaths and external events all funnel
// through it via Drain and StepAll.
package supervisor

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/inconshreveable/log15"

	"github.com/sireniaos/finit/cond"
	"github.com/sireniaos/finit/conf"
	"github.com/sireniaos/finit/fsm"
	"github.com/sireniaos/finit/registry"
	"github.com/sireniaos/finit/supervise"
	"github.com/sireniaos/finit/transition"
)

// Supervisor is the assembled core: everything main needs to boot,
// drive, and query.
type Supervisor struct {
	Registry *registry.Registry
	Cond     *cond.Store
	Engine   *supervise.Engine
	Loader   *conf.Loader
	Coord    *transition.Coordinator

	ctx *fsm.Context
	log log15.Logger
}

// Config bundles what New needs beyond the ambient directories every
// component otherwise discovers on its own.
type Config struct {
	RuntimeDir   string
	ConfDir      string
	Capacity     int
	GraceTimeout time.Duration
	Hooks        transition.Hooks
	Nologin      transition.NologinWriter
	TTY          transition.TTYHandoff
}

// New assembles a Supervisor. It does not load .conf files or start any
// service; call LoadConfig then Boot.
func New(cfg Config) (*Supervisor, error) {
	log := log15.New("pkg", "supervisor")

	reg := registry.New(cfg.Capacity)
	store, err := cond.NewStore(filepath.Join(cfg.RuntimeDir, "cond"))
	if err != nil {
		return nil, fmt.Errorf("supervisor: condition store: %w", err)
	}

	engine := supervise.New()
	if cfg.GraceTimeout > 0 {
		engine.GraceTimeout = cfg.GraceTimeout
	}

	ctx := &fsm.Context{
		Runlevel: registry.BootstrapRunlevel,
		Cond:     store,
		Sup:      engine,
		Log:      log,
	}

	hooks := cfg.Hooks
	loader := conf.NewLoader(cfg.ConfDir, reg)
	if hooks.ReloadConf == nil {
		hooks.ReloadConf = loader.Reload
	}

	coord := transition.New(reg, store, ctx, hooks, cfg.Nologin, cfg.TTY)

	return &Supervisor{
		Registry: reg,
		Cond:     store,
		Engine:   engine,
		Loader:   loader,
		Coord:    coord,
		ctx:      ctx,
		log:      log,
	}, nil
}

// LoadConfig runs the registration loader once, registering every
// declaration under Config.ConfDir.
func (s *Supervisor) LoadConfig() error {
	return s.Loader.Load()
}

// Boot runs the bootstrap runlevel S to completion: every
// record enabled at S is stepped until it settles (Run-type reaches
// Done, Service-type reaches Running), then transitions into target.
func (s *Supervisor) Boot(target int) error {
	bootCtx := &fsm.Context{Runlevel: registry.BootstrapRunlevel, Cond: s.ctx.Cond, Sup: s.ctx.Sup, Log: s.ctx.Log}
	fsm.StepAll(bootCtx, s.Registry.All(), nil)
	return s.Coord.Runlevel(target)
}

// Drain reaps any immediately-available children, steps their records,
// and lets the transition coordinator finish a barrier phase if this
// was the last outstanding reap. Call this
// whenever SIGCHLD is pending.
func (s *Supervisor) Drain() {
	for _, reaped := range s.Engine.Drain() {
		r, ok := s.Registry.FindByPID(reaped.PID)
		if !ok {
			s.log.Debug("reaped unknown pid", "pid", reaped.PID)
			continue
		}
		r.PID = 0
		fsm.Step(s.ctx, r)
		s.Coord.MaybeFinish()
	}
}

// StepAll runs a full sweep over every record at the current runlevel,
// used after any asynchronous condition change.
func (s *Supervisor) StepAll() int {
	return fsm.StepAll(s.ctx, s.Registry.All(), nil)
}

// Status renders a human-readable table of every record, using
// go-humanize for relative uptimes.
func (s *Supervisor) Status() string {
	out := "JOB  STATE     TYPE     PID   UPTIME     CMD\n"
	for _, r := range s.Registry.Snapshot() {
		uptime := "-"
		if !r.StartedAt.IsZero() && r.PID > 0 {
			uptime = humanize.Time(r.StartedAt)
		}
		out += fmt.Sprintf("%-4d %-9s %-8s %-5d %-10s %s\n", r.Job, r.State, r.Type, r.PID, uptime, r.Cmd)
	}
	return out
}
