// Command finit is the supervisor's entrypoint: it boots runlevel S,
// transitions into the target runlevel, then runs the single-threaded
// event loop, reacting to SIGCHLD (reap),
// SIGHUP (dynamic reload), and SIGUSR1/SIGUSR2 (poweroff/reboot,
// delegated to the shutdown collaborator).
package main

import (
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/flynn/go-docopt"
	"github.com/inconshreveable/log15"

	"github.com/sireniaos/finit/pkg/shutdown"
	"github.com/sireniaos/finit/supervisor"
	"github.com/sireniaos/finit/transition"
)

const usage = `
usage: finit [options]

Options:
  --conf=<dir>      directory of .conf service declarations [default: /etc/finit.d]
  --runtime=<dir>   runtime directory; conditions live under <dir>/cond [default: /var/run/finit]
  --runlevel=<n>    runlevel to enter after bootstrap [default: 2]
  --capacity=<n>    maximum number of service records [default: 256]

finit is a PID-1-style service supervisor: it forks, signals, and reaps
user-space processes according to runlevel and configuration reload
events.`

func main() {
	args, err := docopt.Parse(usage, nil, true, "", false)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	log := log15.New("pkg", "finit")

	target, err := strconv.Atoi(args.String["--runlevel"])
	if err != nil {
		shutdown.Fatal(fmt.Errorf("invalid --runlevel: %w", err))
	}
	capacity, err := strconv.Atoi(args.String["--capacity"])
	if err != nil {
		shutdown.Fatal(fmt.Errorf("invalid --capacity: %w", err))
	}

	confDir := args.String["--conf"]
	runtimeDir := args.String["--runtime"]

	nologin := nologinWriter{path: "/etc/nologin"}
	s, err := supervisor.New(supervisor.Config{
		RuntimeDir: runtimeDir,
		ConfDir:    confDir,
		Capacity:   capacity,
		Nologin:    nologin,
		Hooks: transition.Hooks{
			RunlevelChange: func(prev, current int) {
				log.Info("runlevel change complete", "prev", prev, "current", current)
			},
			SvcReconf: func() {
				log.Info("dynamic reload complete")
			},
			Poweroff: func() {
				log.Info("poweroff requested")
				shutdown.Exit()
			},
			Reboot: func() {
				log.Info("reboot requested")
				shutdown.Exit()
			},
		},
	})
	if err != nil {
		shutdown.Fatal(err)
	}

	shutdown.BeforeExit(func() {
		log.Info("supervisor shutting down")
	})

	if err := s.LoadConfig(); err != nil {
		shutdown.Fatal(fmt.Errorf("loading %s: %w", confDir, err))
	}
	if err := s.Boot(target); err != nil {
		shutdown.Fatal(fmt.Errorf("booting to runlevel %d: %w", target, err))
	}

	if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		log.Error("sd_notify failed", "err", err)
	} else if ok {
		log.Info("notified readiness to service manager")
	}

	run(s, log)
}

// run is the single-threaded event loop: SIGCHLD drains
// reaped children through the supervisor, SIGHUP drives a dynamic
// reload, SIGUSR1/SIGUSR2 hand off to the poweroff/reboot runlevels.
func run(s *supervisor.Supervisor, log log15.Logger) {
	sigCh := make(chan os.Signal, 16)
	signal.Notify(sigCh, syscall.SIGCHLD, syscall.SIGHUP, syscall.SIGUSR1, syscall.SIGUSR2, syscall.SIGTERM, syscall.SIGINT)

	for sig := range sigCh {
		switch sig {
		case syscall.SIGCHLD:
			s.Drain()
		case syscall.SIGHUP:
			if err := s.Coord.ReloadDynamic(); err != nil {
				log.Error("dynamic reload failed", "err", err)
			}
		case syscall.SIGUSR1:
			if err := s.Coord.Runlevel(0); err != nil {
				log.Error("runlevel 0 failed", "err", err)
			}
		case syscall.SIGUSR2:
			if err := s.Coord.Runlevel(6); err != nil {
				log.Error("runlevel 6 failed", "err", err)
			}
		case syscall.SIGTERM, syscall.SIGINT:
			log.Info("received shutdown signal", "signal", sig)
			shutdown.Exit()
		}
	}
}

// nologinWriter toggles /etc/nologin for single-user runlevel
// transitions, satisfying transition.NologinWriter.
type nologinWriter struct{ path string }

func (n nologinWriter) SetNologin(present bool) error {
	if present {
		return os.WriteFile(n.path, []byte("system going down for single-user mode\n"), 0644)
	}
	err := os.Remove(n.path)
	if err != nil && os.IsNotExist(err) {
		return nil
	}
	return err
}
