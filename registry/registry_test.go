package registry

import (
	"testing"

	check "github.com/flynn/go-check"
)

func Test(t *testing.T) { check.TestingT(t) }

type RegistrySuite struct{}

var _ = check.Suite(&RegistrySuite{})

func (RegistrySuite) TestNewRecordDefaults(c *check.C) {
	g := New(4)
	r, err := g.NewRecord("/bin/true", 0, Service)
	c.Assert(err, check.IsNil)
	c.Assert(r.ID, check.Equals, 1)
	c.Assert(r.State, check.Equals, Halted)
}

func (RegistrySuite) TestNewRecordInetdStartsWaiting(c *check.C) {
	g := New(4)
	r, err := g.NewRecord("/usr/sbin/in.tftpd", 1, Inetd)
	c.Assert(err, check.IsNil)
	c.Assert(r.State, check.Equals, Waiting)
}

func (RegistrySuite) TestNewRecordDuplicateRejected(c *check.C) {
	g := New(4)
	_, err := g.NewRecord("/bin/true", 1, Task)
	c.Assert(err, check.IsNil)
	_, err = g.NewRecord("/bin/true", 1, Task)
	c.Assert(err, check.NotNil)
}

func (RegistrySuite) TestNewRecordOutOfCapacity(c *check.C) {
	g := New(1)
	_, err := g.NewRecord("/bin/a", 1, Task)
	c.Assert(err, check.IsNil)
	_, err = g.NewRecord("/bin/b", 1, Task)
	c.Assert(err, check.Equals, ErrOutOfCapacity)
}

func (RegistrySuite) TestFindByPID(c *check.C) {
	g := New(4)
	r, _ := g.NewRecord("/bin/true", 1, Service)
	r.PID = 1234
	found, ok := g.FindByPID(1234)
	c.Assert(ok, check.Equals, true)
	c.Assert(found, check.Equals, r)

	_, ok = g.FindByPID(0)
	c.Assert(ok, check.Equals, false)
	_, ok = g.FindByPID(-1)
	c.Assert(ok, check.Equals, false)
}

func (RegistrySuite) TestNextID(c *check.C) {
	g := New(4)
	g.NewRecord("/bin/getty", 1, Task)
	g.NewRecord("/bin/getty", 3, Task)
	c.Assert(g.NextID("/bin/getty"), check.Equals, 4)
	c.Assert(g.NextID("/bin/other"), check.Equals, 1)
}

func (RegistrySuite) TestMarkAndCleanDynamic(c *check.C) {
	g := New(4)
	r1, _ := g.NewRecord("/bin/a", 1, Service)
	r1.Dynamic = true
	r2, _ := g.NewRecord("/bin/b", 1, Service)
	r2.Dynamic = true

	g.MarkDynamic()
	c.Assert(r1.Dirty, check.Equals, -1)
	c.Assert(r2.Dirty, check.Equals, -1)

	// Reload "sees" r1 again and clears its dirty flag; r2 is gone from
	// the new .conf set and stays dirty == -1.
	r1.Dirty = 0

	var swept []*Record
	g.CleanDynamic(func(r *Record) { swept = append(swept, r) })
	// r2 is dirty==-1 but still Halted, so it is swept.
	c.Assert(len(swept), check.Equals, 1)
	c.Assert(swept[0], check.Equals, r2)

	_, ok := g.Find("/bin/a", 1)
	c.Assert(ok, check.Equals, true)
	_, ok = g.Find("/bin/b", 1)
	c.Assert(ok, check.Equals, false)
}

func (RegistrySuite) TestCleanDynamicOnlySweepsHalted(c *check.C) {
	g := New(4)
	r, _ := g.NewRecord("/bin/a", 1, Service)
	r.Dynamic = true
	r.Dirty = -1
	r.State = Running

	var swept []*Record
	g.CleanDynamic(func(r *Record) { swept = append(swept, r) })
	c.Assert(len(swept), check.Equals, 0)
	_, ok := g.Find("/bin/a", 1)
	c.Assert(ok, check.Equals, true)
}

func (RegistrySuite) TestCleanDynamicIdempotent(c *check.C) {
	g := New(4)
	r, _ := g.NewRecord("/bin/a", 1, Service)
	r.Dynamic = true
	r.Dirty = -1
	r.State = Halted

	var n int
	sweep := func(*Record) { n++ }
	g.CleanDynamic(sweep)
	g.CleanDynamic(sweep)
	c.Assert(n, check.Equals, 1)
}

func (RegistrySuite) TestSnapshotIsACopy(c *check.C) {
	g := New(4)
	r, _ := g.NewRecord("/bin/a", 1, Service)
	r.PID = 42

	snap := g.Snapshot()
	c.Assert(len(snap), check.Equals, 1)
	c.Assert(snap[0].PID, check.Equals, 42)

	r.PID = 99
	c.Assert(snap[0].PID, check.Equals, 42)
}

func (RegistrySuite) TestCondAtomParsing(c *check.C) {
	r := &Record{Cond: "net/route/default,!hook/sys/down"}
	atoms := r.CondAST()
	c.Assert(len(atoms), check.Equals, 2)
	c.Assert(atoms[0], check.Equals, CondAtom{Name: "net/route/default", Negate: false})
	c.Assert(atoms[1], check.Equals, CondAtom{Name: "hook/sys/down", Negate: true})

	empty := &Record{}
	c.Assert(empty.CondAST(), check.IsNil)
}

func (RegistrySuite) TestInRunlevel(c *check.C) {
	r := &Record{Runlevels: RunlevelMask(2) | RunlevelMask(3)}
	c.Assert(r.InRunlevel(2), check.Equals, true)
	c.Assert(r.InRunlevel(4), check.Equals, false)

	boot := &Record{Runlevels: RunlevelMask(BootstrapRunlevel)}
	c.Assert(boot.InRunlevel(BootstrapRunlevel), check.Equals, true)
	c.Assert(boot.InRunlevel(0), check.Equals, false)
}
