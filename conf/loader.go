package conf

import (
	"bufio"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/inconshreveable/log15"

	"github.com/sireniaos/finit/registry"
)

// Loader scans a directory of .conf files and turns each declaration
// line into a registry record, tracking per-file mtime so a later
// reload can tell which records survived.
type Loader struct {
	Dir string
	reg *registry.Registry
	log log15.Logger

	fileMTime map[string]time.Time
}

// NewLoader returns a Loader that registers records into reg.
func NewLoader(dir string, reg *registry.Registry) *Loader {
	return &Loader{
		Dir:       dir,
		reg:       reg,
		log:       log15.New("pkg", "conf"),
		fileMTime: make(map[string]time.Time),
	}
}

// Reload marks every dynamic record for removal, then re-walks the
// .conf directory: records still declared get Dirty cleared (or set to 1
// if their file's mtime moved) and survive the next CleanDynamic sweep;
// records whose declaration is gone stay at Dirty == -1 and drain to
// Halted. This is the entry point the transition
// coordinator's ReloadConf hook should use.
func (l *Loader) Reload() error {
	l.reg.MarkDynamic()
	return l.Load()
}

// Load walks Dir for *.conf files in sorted order and registers or
// updates records for each declaration line. Use Reload for the dynamic
// reload path; Load alone is for the initial boot-time pass.
func (l *Loader) Load() error {
	paths, err := l.confFiles()
	if err != nil {
		return err
	}
	for _, p := range paths {
		if err := l.loadFile(p); err != nil {
			l.log.Error("failed loading conf file", "path", p, "err", err)
		}
	}
	return nil
}

func (l *Loader) confFiles() ([]string, error) {
	var out []string
	err := filepath.WalkDir(l.Dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), ".conf") {
			return nil
		}
		out = append(out, path)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(out)
	return out, nil
}

func (l *Loader) loadFile(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	mtime := info.ModTime()

	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if err := l.registerLine(line, mtime); err != nil {
			l.log.Error("bad declaration", "path", path, "line", line, "err", err)
		}
	}
	l.fileMTime[path] = mtime
	return scanner.Err()
}

func (l *Loader) registerLine(line string, mtime time.Time) error {
	decl, err := ParseLine(line)
	if err != nil {
		return err
	}

	kind := kindOf(decl.Keyword)

	if kind == registry.Inetd {
		return l.registerInetd(decl, mtime)
	}

	r, ok := l.reg.Find(decl.Cmd, decl.ID)
	if !ok {
		r, err = l.reg.NewRecord(decl.Cmd, decl.ID, kind)
		if err != nil {
			return err
		}
		r.Dirty = 1
	} else if r.MTime.Before(mtime) {
		r.Dirty = 1
	} else {
		r.Dirty = 0
	}

	applyDeclaration(r, decl, mtime)
	return nil
}

// registerInetd looks up an existing record matching (cmd, svc, proto)
// and attaches the declaration's interface allow/deny entries to it;
// otherwise it allocates a fresh record with NextID.
func (l *Loader) registerInetd(decl *Declaration, mtime time.Time) error {
	var r *registry.Record
	for _, cand := range l.reg.Named(decl.Cmd) {
		if cand.Inetd != nil && cand.Inetd.Service == decl.InetdService && cand.Inetd.Proto == decl.InetdProto {
			r = cand
			break
		}
	}
	if r == nil {
		var err error
		r, err = l.reg.NewRecord(decl.Cmd, l.reg.NextID(decl.Cmd), registry.Inetd)
		if err != nil {
			return err
		}
		r.Dirty = 1
		applyDeclaration(r, decl, mtime)
		r.Inetd = &registry.InetdSpec{
			Service: decl.InetdService,
			Proto:   decl.InetdProto,
			Wait:    decl.Wait,
			Allow:   decl.Allow,
			Deny:    decl.Deny,
		}
		return nil
	}

	if r.MTime.Before(mtime) {
		r.Dirty = 1
	} else {
		r.Dirty = 0
	}
	applyDeclaration(r, decl, mtime)
	r.Inetd.Wait = decl.Wait
	r.Inetd.Allow = appendUnique(r.Inetd.Allow, decl.Allow)
	r.Inetd.Deny = appendUnique(r.Inetd.Deny, decl.Deny)
	return nil
}

func appendUnique(have, add []string) []string {
	for _, a := range add {
		seen := false
		for _, h := range have {
			if h == a {
				seen = true
				break
			}
		}
		if !seen {
			have = append(have, a)
		}
	}
	return have
}

func applyDeclaration(r *registry.Record, decl *Declaration, mtime time.Time) {
	r.Username = decl.Username
	r.Group = decl.Group
	r.Desc = decl.Desc
	r.Args = decl.Args
	r.Runlevels = decl.Runlevels
	r.SetCond(decl.Cond)
	r.SigHUP = decl.SigHUP
	r.MTime = mtime
	r.Dynamic = true
}

func kindOf(keyword string) registry.Kind {
	switch keyword {
	case "task":
		return registry.Task
	case "run":
		return registry.Run
	case "inetd":
		return registry.Inetd
	default:
		return registry.Service
	}
}

// Settings is the supervisor's own runtime configuration, read from a
// small finit.toml next to the .conf declarations.
type Settings struct {
	RuntimeDir   string        `toml:"runtime_dir"`
	ConfDir      string        `toml:"conf_dir"`
	GraceTimeout time.Duration `toml:"-"`
	GraceSeconds int           `toml:"grace_seconds"`
}

// DefaultSettings matches finit's own conventional directory layout.
func DefaultSettings() Settings {
	return Settings{
		RuntimeDir:   "/var/run/finit",
		ConfDir:      "/etc/finit.d",
		GraceTimeout: 3 * time.Second,
		GraceSeconds: 3,
	}
}

// LoadSettings reads path as TOML, falling back to DefaultSettings for
// any field the file doesn't set, and missing the file entirely is not
// an error (finit.toml is optional; built-in defaults apply).
func LoadSettings(path string) (Settings, error) {
	s := DefaultSettings()
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return s, nil
	}
	if _, err := toml.DecodeFile(path, &s); err != nil {
		return Settings{}, err
	}
	s.GraceTimeout = time.Duration(s.GraceSeconds) * time.Second
	return s, nil
}
