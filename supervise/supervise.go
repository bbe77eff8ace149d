// Package supervise implements the supervision engine: fork/exec,
// signal delivery (SIGTERM, SIGHUP, SIGSTOP, SIGCONT), and reaping via
// SIGCHLD. Respawn throttling is done by the fsm package's restart
// counter, not here.
package supervise

import (
	"errors"
	"io"
	"os"
	"os/exec"
	"os/user"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/inconshreveable/log15"
	"golang.org/x/sys/unix"

	"github.com/sireniaos/finit/registry"
)

// DefaultPath is the PATH given to services run as a non-root user. A
// declaration has no way to override it.
const DefaultPath = "/usr/local/bin:/usr/bin:/bin"

// DefaultGraceTimeout is how long a Stopping record is given to exit
// after SIGTERM before the engine escalates to SIGKILL.
const DefaultGraceTimeout = 3 * time.Second

// ErrBadPID is returned by SigStop and SigCont when asked to signal a
// record whose pid is <= 1. Stop instead logs such a pid and clears it.
var ErrBadPID = errors.New("supervise: pid <= 1 is invalid for signalling")

// Engine is the supervision engine. It holds no registry of its own —
// Start/Stop/etc. operate on the *registry.Record handed to them, only
// the bookkeeping needed to escalate an unreaped Stopping record to
// SIGKILL after GraceTimeout.
type Engine struct {
	log          log15.Logger
	GraceTimeout time.Duration

	mu         sync.Mutex
	killTimers map[int]*time.Timer
}

// New returns an Engine with the default grace timeout.
func New() *Engine {
	return &Engine{
		log:          log15.New("pkg", "supervise"),
		GraceTimeout: DefaultGraceTimeout,
		killTimers:   make(map[int]*time.Timer),
	}
}

// Start forks and execs the record's command. It verifies the command
// exists on disk unless the record is an Inetd service (the inetd
// collaborator owns that check). The child has every
// signal handler reset to default and unblocked (Go's exec package does
// this for the child by construction); it drops privileges to the
// resolved uid: root keeps the supervisor's PATH, everyone else gets
// DefaultPath. Run-type services are waited for
// synchronously and their pid is cleared before Start returns, since by
// then they have already been reaped; all other types return as soon as
// fork succeeds, regardless of how exec eventually turns out (that
// arrives later via Drain).
func (e *Engine) Start(r *registry.Record) error {
	if r.Type != registry.Inetd {
		if fi, err := os.Stat(r.Cmd); err != nil {
			return err
		} else if fi.IsDir() {
			return errors.New("supervise: " + r.Cmd + " is a directory")
		}
	}

	cmd := exec.Command(r.Cmd, r.Args...)
	cmd.Env = buildEnv(r.Username)

	attr := &syscall.SysProcAttr{}
	if r.Username != "" {
		cred, err := resolveCredential(r.Username, r.Group)
		if err != nil {
			return err
		}
		attr.Credential = cred
	}
	cmd.SysProcAttr = attr

	if rw, ok := r.Private.(io.ReadWriter); ok {
		// Inetd descriptor: dup the accepted connection to stdio.
		if rc, ok := rw.(io.Reader); ok {
			cmd.Stdin = rc
		}
		if wc, ok := rw.(io.Writer); ok {
			cmd.Stdout = wc
		}
	} else {
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
	}

	if err := cmd.Start(); err != nil {
		return err
	}

	r.PID = cmd.Process.Pid
	r.StartedAt = time.Now()
	e.log.Info("started process", "cmd", r.Cmd, "id", r.ID, "pid", r.PID)

	if r.Type == registry.Run {
		err := cmd.Wait()
		if err != nil {
			e.log.Error("run-type service exited with error", "cmd", r.Cmd, "id", r.ID, "err", err)
		} else {
			e.log.Info("run-type service completed", "cmd", r.Cmd, "id", r.ID)
		}
		r.PID = 0
	}

	return nil
}

// Stop sends SIGTERM and arms the grace timer that escalates to SIGKILL
// if the record is not reaped within GraceTimeout. A pid <= 1 is treated
// as already reaped: logged, cleared, no signal sent.
func (e *Engine) Stop(r *registry.Record) error {
	if r.PID <= 1 {
		e.log.Error("refusing to signal invalid pid", "cmd", r.Cmd, "id", r.ID, "pid", r.PID)
		r.PID = 0
		return nil
	}

	pid := r.PID
	if err := unix.Kill(pid, unix.SIGTERM); err != nil {
		if errors.Is(err, unix.ESRCH) {
			r.PID = 0
			return nil
		}
		return err
	}
	e.armGraceTimer(pid)
	return nil
}

func (e *Engine) armGraceTimer(pid int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if t, ok := e.killTimers[pid]; ok {
		t.Stop()
	}
	e.killTimers[pid] = time.AfterFunc(e.GraceTimeout, func() {
		e.mu.Lock()
		delete(e.killTimers, pid)
		e.mu.Unlock()
		if err := unix.Kill(pid, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
			e.log.Error("SIGKILL escalation failed", "pid", pid, "err", err)
		} else {
			e.log.Info("escalated to SIGKILL after grace timeout", "pid", pid)
		}
	})
}

func (e *Engine) disarmGraceTimer(pid int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if t, ok := e.killTimers[pid]; ok {
		t.Stop()
		delete(e.killTimers, pid)
	}
}

// Restart delivers SIGHUP if the record is sighup-capable and has a live
// pid; otherwise it returns an error so the FSM falls back to
// stop+start.
func (e *Engine) Restart(r *registry.Record) error {
	if !r.SigHUP || r.PID <= 1 {
		return errors.New("supervise: restart requires sighup and a live pid")
	}
	return unix.Kill(r.PID, unix.SIGHUP)
}

// SigStop sends SIGSTOP, used to pause a Running service whose condition
// has gone flux.
func (e *Engine) SigStop(r *registry.Record) error {
	if r.PID <= 1 {
		return ErrBadPID
	}
	return unix.Kill(r.PID, unix.SIGSTOP)
}

// SigCont sends SIGCONT, resuming a paused service.
func (e *Engine) SigCont(r *registry.Record) error {
	if r.PID <= 1 {
		return ErrBadPID
	}
	return unix.Kill(r.PID, unix.SIGCONT)
}

// Reaped describes one child the Drain loop collected.
type Reaped struct {
	PID      int
	ExitCode int
	Signaled bool
	Signal   unix.Signal
}

// Drain calls unix.Wait4(-1, ..., WNOHANG, nil) until no more children
// are immediately reapable, the usual SIGCHLD self-pipe drain loop. It
// returns one Reaped entry per child collected, in reap
// order, clearing the grace-kill timer for any pid it was tracking.
func (e *Engine) Drain() []Reaped {
	var out []Reaped
	for {
		var ws unix.WaitStatus
		pid, err := unix.Wait4(-1, &ws, unix.WNOHANG, nil)
		if err != nil || pid <= 0 {
			break
		}
		e.disarmGraceTimer(pid)

		r := Reaped{PID: pid}
		switch {
		case ws.Exited():
			r.ExitCode = ws.ExitStatus()
		case ws.Signaled():
			r.Signaled = true
			r.Signal = ws.Signal()
			r.ExitCode = 128 + int(ws.Signal())
		}
		out = append(out, r)
	}
	return out
}

func buildEnv(username string) []string {
	env := os.Environ()
	if username == "" || username == "root" {
		return env
	}
	out := make([]string, 0, len(env))
	replaced := false
	for _, kv := range env {
		if len(kv) >= 5 && kv[:5] == "PATH=" {
			out = append(out, "PATH="+DefaultPath)
			replaced = true
			continue
		}
		out = append(out, kv)
	}
	if !replaced {
		out = append(out, "PATH="+DefaultPath)
	}
	return out
}

func resolveCredential(username, group string) (*syscall.Credential, error) {
	u, err := user.Lookup(username)
	if err != nil {
		return nil, err
	}
	uid, err := strconv.Atoi(u.Uid)
	if err != nil {
		return nil, err
	}
	gid, err := strconv.Atoi(u.Gid)
	if err != nil {
		return nil, err
	}
	if group != "" {
		g, err := user.LookupGroup(group)
		if err != nil {
			return nil, err
		}
		gid, err = strconv.Atoi(g.Gid)
		if err != nil {
			return nil, err
		}
	}
	return &syscall.Credential{Uid: uint32(uid), Gid: uint32(gid)}, nil
}
