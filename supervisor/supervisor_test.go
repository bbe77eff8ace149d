package supervisor

import (
	"os"
	"path/filepath"
	"testing"

	. "github.com/flynn/go-check"

	"github.com/sireniaos/finit/registry"
	"github.com/sireniaos/finit/transition"
)

func Test(t *testing.T) { TestingT(t) }

type SupervisorSuite struct{}

var _ = Suite(&SupervisorSuite{})

func (SupervisorSuite) TestBootRunsBootstrapThenRunlevel(c *C) {
	confDir := c.MkDir()
	runtimeDir := c.MkDir()
	os.WriteFile(filepath.Join(confDir, "mount.conf"), []byte("run [S] /bin/true -- mount fs\n"), 0644)
	os.WriteFile(filepath.Join(confDir, "sleep.conf"), []byte("service [2345] /bin/sleep 30 -- sleeper\n"), 0644)

	s, err := New(Config{RuntimeDir: runtimeDir, ConfDir: confDir, Capacity: 16})
	c.Assert(err, IsNil)
	c.Assert(s.LoadConfig(), IsNil)
	c.Assert(s.Boot(2), IsNil)

	mount, ok := s.Registry.Find("/bin/true", 1)
	c.Assert(ok, Equals, true)
	c.Assert(mount.State, Equals, registry.Done)

	sleeper, ok := s.Registry.Find("/bin/sleep", 1)
	c.Assert(ok, Equals, true)
	c.Assert(sleeper.State, Equals, registry.Running)
	c.Assert(sleeper.PID > 1, Equals, true)

	s.Engine.Stop(sleeper)
	deadline := 0
	for sleeper.PID != 0 && deadline < 200 {
		s.Drain()
		deadline++
	}

	status := s.Status()
	c.Assert(len(status) > 0, Equals, true)
}

func (SupervisorSuite) TestStatusReflectsSnapshot(c *C) {
	confDir := c.MkDir()
	runtimeDir := c.MkDir()
	s, err := New(Config{RuntimeDir: runtimeDir, ConfDir: confDir, Capacity: 8})
	c.Assert(err, IsNil)

	_, err = s.Registry.NewRecord("/bin/x", 1, registry.Task)
	c.Assert(err, IsNil)
	out := s.Status()
	c.Assert(out, Not(Equals), "")
}

type recordingNologin struct{ calls []bool }

func (r *recordingNologin) SetNologin(present bool) error {
	r.calls = append(r.calls, present)
	return nil
}

func (SupervisorSuite) TestRunlevelHooksWired(c *C) {
	confDir := c.MkDir()
	runtimeDir := c.MkDir()
	nologin := &recordingNologin{}
	s, err := New(Config{RuntimeDir: runtimeDir, ConfDir: confDir, Capacity: 8, Nologin: nologin, Hooks: transition.Hooks{}})
	c.Assert(err, IsNil)
	c.Assert(s.Boot(1), IsNil)
	c.Assert(len(nologin.calls) > 0, Equals, true)
	c.Assert(nologin.calls[len(nologin.calls)-1], Equals, true)
}
