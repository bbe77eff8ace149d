package conf

import (
	"os"
	"path/filepath"

	. "github.com/flynn/go-check"

	"github.com/sireniaos/finit/registry"
)

type LoaderSuite struct{}

var _ = Suite(&LoaderSuite{})

func writeConf(c *C, dir, name, content string) string {
	p := filepath.Join(dir, name)
	c.Assert(os.WriteFile(p, []byte(content), 0644), IsNil)
	return p
}

func (LoaderSuite) TestLoadRegistersRecords(c *C) {
	dir := c.MkDir()
	writeConf(c, dir, "syslog.conf", "service [2345] /sbin/syslogd -n -- syslog\n")

	reg := registry.New(8)
	l := NewLoader(dir, reg)
	c.Assert(l.Load(), IsNil)

	r, ok := reg.Find("/sbin/syslogd", 1)
	c.Assert(ok, Equals, true)
	c.Assert(r.Dynamic, Equals, true)
	c.Assert(r.Dirty, Equals, 1)
	c.Assert(r.Desc, Equals, "syslog")
}

// TestLoadWiresSigHUP: a "<!cond>" declaration must produce a record
// with SigHUP set, making the SIGHUP-reload path reachable from a real
// .conf file instead of only from hand-built registry.Record fixtures.
func (LoaderSuite) TestLoadWiresSigHUP(c *C) {
	dir := c.MkDir()
	writeConf(c, dir, "dhcp.conf", "service [2345] <!net/route/default> /sbin/udhcpc\n")

	reg := registry.New(8)
	l := NewLoader(dir, reg)
	c.Assert(l.Load(), IsNil)

	r, ok := reg.Find("/sbin/udhcpc", 1)
	c.Assert(ok, Equals, true)
	c.Assert(r.SigHUP, Equals, true)
	c.Assert(r.Cond, Equals, "net/route/default")
}

func (LoaderSuite) TestReloadClearsDirtyOnSurvivors(c *C) {
	dir := c.MkDir()
	writeConf(c, dir, "a.conf", "service [2345] /bin/a\n")

	reg := registry.New(8)
	l := NewLoader(dir, reg)
	c.Assert(l.Load(), IsNil)

	reg.MarkDynamic()
	a, _ := reg.Find("/bin/a", 1)
	c.Assert(a.Dirty, Equals, -1)

	c.Assert(l.Load(), IsNil)
	c.Assert(a.Dirty, Equals, 0)
}

func (LoaderSuite) TestRemovedFileLeavesRecordDirtyForSweep(c *C) {
	dir := c.MkDir()
	writeConf(c, dir, "b.conf", "service [2345] /bin/b\n")

	reg := registry.New(8)
	l := NewLoader(dir, reg)
	c.Assert(l.Load(), IsNil)

	reg.MarkDynamic()
	c.Assert(os.Remove(filepath.Join(dir, "b.conf")), IsNil)
	c.Assert(l.Load(), IsNil)

	b, _ := reg.Find("/bin/b", 1)
	c.Assert(b.Dirty, Equals, -1)
}

func (LoaderSuite) TestIgnoresCommentsAndBlankLines(c *C) {
	dir := c.MkDir()
	writeConf(c, dir, "c.conf", "# a comment\n\nservice [2345] /bin/c\n")

	reg := registry.New(8)
	l := NewLoader(dir, reg)
	c.Assert(l.Load(), IsNil)
	c.Assert(reg.Len(), Equals, 1)
}

func (LoaderSuite) TestLoadSettingsMissingFileUsesDefaults(c *C) {
	s, err := LoadSettings(filepath.Join(c.MkDir(), "finit.toml"))
	c.Assert(err, IsNil)
	c.Assert(s, DeepEquals, DefaultSettings())
}

func (LoaderSuite) TestLoadSettingsFromFile(c *C) {
	dir := c.MkDir()
	path := filepath.Join(dir, "finit.toml")
	c.Assert(os.WriteFile(path, []byte("runtime_dir = \"/tmp/finit\"\ngrace_seconds = 5\n"), 0644), IsNil)

	s, err := LoadSettings(path)
	c.Assert(err, IsNil)
	c.Assert(s.RuntimeDir, Equals, "/tmp/finit")
	c.Assert(s.GraceSeconds, Equals, 5)
	c.Assert(s.GraceTimeout.Seconds(), Equals, 5.0)
}
