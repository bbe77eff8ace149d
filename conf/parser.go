// Package conf implements the registration parser: it
// tokenises a single declaration line into a Declaration, and a
// directory loader that turns a tree of .conf files into registry
// records, tracking per-file mtime for the dynamic-reload path.
package conf

import (
	"errors"
	"strconv"
	"strings"

	"github.com/sireniaos/finit/registry"
)

// Registration errors.
var (
	ErrInvalidArgument = errors.New("conf: invalid argument")
	ErrIncomplete      = errors.New("conf: incomplete service, cannot register")
	ErrUnknownPlugin   = errors.New("conf: unknown inetd plugin")
)

// defaultRunlevels is applied when a declaration omits [runlevels],
// matching finit's own service_register doc comment: "the default for a
// service is set to [2-5]".
const defaultRunlevels = uint32(1<<2 | 1<<3 | 1<<4 | 1<<5)

// Declaration is the parsed form of one declaration line, before it
// becomes a registry.Record.
type Declaration struct {
	Keyword   string // service, task, run, inetd
	Username  string
	Group     string
	Runlevels uint32
	Cond      string
	SigHUP    bool // leading '!' inside <!cond>: reload is expressed by SIGHUP
	ID        int
	Wait      bool // inetd only: wait (true) or nowait (false)

	InetdService string
	InetdProto   string
	Allow        []string
	Deny         []string

	Cmd  string
	Args []string
	Desc string
}

// ParseLine tokenises a single declaration line.
// Anything after "-- " is the description; leading modifier tokens
// (@user[:group], [runlevels], <!cond> or <cond>, :id, wait/nowait, an
// inetd svc/proto triple) are consumed in any order until the first token
// that isn't one of those, which becomes the command; remaining tokens
// are its arguments. A '!' immediately inside the angle brackets (before
// the condition expression) marks the service sighup-capable, meaning
// reload is expressed by SIGHUP; it is unrelated to the per-atom '!'
// negation inside the condition expression itself.
func ParseLine(line string) (*Declaration, error) {
	if idx := strings.Index(line, "-- "); idx >= 0 {
		d, err := parseTokens(strings.Fields(line[:idx]))
		if err != nil {
			return nil, err
		}
		d.Desc = strings.TrimSpace(line[idx+3:])
		return d, nil
	}
	return parseTokens(strings.Fields(line))
}

func parseTokens(tokens []string) (*Declaration, error) {
	if len(tokens) == 0 {
		return nil, ErrIncomplete
	}

	d := &Declaration{Keyword: strings.ToLower(tokens[0]), ID: 1}
	switch d.Keyword {
	case "service", "task", "run", "inetd":
	default:
		return nil, ErrInvalidArgument
	}

	sawRunlevels := false
	rest := tokens[1:]
	i := 0
	for ; i < len(rest); i++ {
		tok := rest[i]
		switch {
		case strings.HasPrefix(tok, "@"):
			parseUser(d, tok[1:])
		case strings.HasPrefix(tok, "["):
			d.Runlevels = parseRunlevels(tok)
			sawRunlevels = true
		case strings.HasPrefix(tok, "<"):
			body := strings.Trim(tok, "<>")
			if strings.HasPrefix(body, "!") {
				d.SigHUP = true
				body = body[1:]
			}
			d.Cond = body
		case strings.HasPrefix(tok, ":"):
			n, err := strconv.Atoi(tok[1:])
			if err != nil {
				return nil, ErrInvalidArgument
			}
			d.ID = n
		case strings.EqualFold(tok, "nowait"):
			d.Wait = false
		case strings.EqualFold(tok, "wait"):
			d.Wait = true
		case !strings.HasPrefix(tok, "/") && strings.Contains(tok, "/"):
			parseInetdTriple(d, tok)
		default:
			// First non-modifier token is the command.
			goto haveCmd
		}
	}

haveCmd:
	if i >= len(rest) {
		return nil, ErrIncomplete
	}
	d.Cmd = rest[i]
	d.Args = append([]string{}, rest[i+1:]...)

	if d.Keyword == "inetd" {
		if d.InetdService == "" {
			return nil, ErrIncomplete
		}
		// Internal inetd plugins (a non-path command naming a built-in
		// handler) are owned by the plugin surface, which is out of core
		// scope; with no plugin table to resolve against, any such name
		// is unknown here.
		if !strings.HasPrefix(d.Cmd, "/") {
			return nil, ErrUnknownPlugin
		}
	}

	if !sawRunlevels {
		d.Runlevels = defaultRunlevels
	}
	return d, nil
}

func parseUser(d *Declaration, spec string) {
	if idx := strings.IndexByte(spec, ':'); idx >= 0 {
		d.Username = spec[:idx]
		d.Group = spec[idx+1:]
		return
	}
	d.Username = spec
}

// parseInetdTriple parses "service/proto@iface1,!iface2".
func parseInetdTriple(d *Declaration, tok string) {
	ifaces := ""
	svcProto := tok
	if idx := strings.IndexByte(tok, '@'); idx >= 0 {
		svcProto = tok[:idx]
		ifaces = tok[idx+1:]
	}
	if idx := strings.IndexByte(svcProto, '/'); idx >= 0 {
		d.InetdService = svcProto[:idx]
		d.InetdProto = svcProto[idx+1:]
	} else {
		d.InetdService = svcProto
	}
	for _, iface := range strings.Split(ifaces, ",") {
		if iface == "" {
			continue
		}
		if strings.HasPrefix(iface, "!") {
			d.Deny = append(d.Deny, iface[1:])
		} else {
			d.Allow = append(d.Allow, iface)
		}
	}
}

// parseRunlevels turns "[2345]" or "[!0]" or "[S]" into a bitmask:
// digits 0-9 set their bit; 'S' sets the bootstrap bit; a
// leading '!' complements the digit bits 0-9 (bootstrap is never
// implied by negation; a declaration wanting S must say so explicitly).
func parseRunlevels(tok string) uint32 {
	body := strings.Trim(tok, "[]")
	negate := strings.HasPrefix(body, "!")
	if negate {
		body = body[1:]
	}

	var mask uint32
	for _, ch := range body {
		switch {
		case ch >= '0' && ch <= '9':
			mask |= registry.RunlevelMask(int(ch - '0'))
		case ch == 'S' || ch == 's':
			mask |= registry.RunlevelBootstrap
		}
	}

	if negate {
		const allDigits = uint32(0x3FF) // bits 0-9
		mask = allDigits &^ mask
	}
	return mask
}

// Serialize renders a Declaration back to a single declaration line,
// the inverse of ParseLine.
func (d *Declaration) Serialize() string {
	var b strings.Builder
	b.WriteString(d.Keyword)
	if d.Username != "" {
		b.WriteString(" @")
		b.WriteString(d.Username)
		if d.Group != "" {
			b.WriteByte(':')
			b.WriteString(d.Group)
		}
	}
	b.WriteString(" ")
	b.WriteString(serializeRunlevels(d.Runlevels))
	if d.Cond != "" || d.SigHUP {
		b.WriteString(" <")
		if d.SigHUP {
			b.WriteByte('!')
		}
		b.WriteString(d.Cond)
		b.WriteString(">")
	}
	if d.ID != 1 {
		b.WriteString(" :")
		b.WriteString(strconv.Itoa(d.ID))
	}
	if d.Keyword == "inetd" {
		if d.Wait {
			b.WriteString(" wait")
		} else {
			b.WriteString(" nowait")
		}
		b.WriteString(" ")
		b.WriteString(d.InetdService)
		b.WriteByte('/')
		b.WriteString(d.InetdProto)
		if len(d.Allow) > 0 || len(d.Deny) > 0 {
			b.WriteByte('@')
			first := true
			for _, a := range d.Allow {
				if !first {
					b.WriteByte(',')
				}
				b.WriteString(a)
				first = false
			}
			for _, deny := range d.Deny {
				if !first {
					b.WriteByte(',')
				}
				b.WriteByte('!')
				b.WriteString(deny)
				first = false
			}
		}
	}
	b.WriteString(" ")
	b.WriteString(d.Cmd)
	for _, a := range d.Args {
		b.WriteByte(' ')
		b.WriteString(a)
	}
	if d.Desc != "" {
		b.WriteString(" -- ")
		b.WriteString(d.Desc)
	}
	return b.String()
}

func serializeRunlevels(mask uint32) string {
	var b strings.Builder
	b.WriteByte('[')
	if mask&registry.RunlevelBootstrap != 0 {
		b.WriteByte('S')
	}
	for n := 0; n <= 9; n++ {
		if mask&registry.RunlevelMask(n) != 0 {
			b.WriteString(strconv.Itoa(n))
		}
	}
	b.WriteByte(']')
	return b.String()
}
