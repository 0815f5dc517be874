package protocol

import (
	"fmt"
	"io"
	"strings"

	"gopkg.in/yaml.v3"
)

// Control byte values shared by ESC/POS-style command sets.
const (
	ESC = 0x1B
	GS  = 0x1D
	LF  = 0x0A
	CR  = 0x0D
	DLE = 0x10
	FS  = 0x1C
)

// EventKind is the abstract protocol event a command byte sequence maps to.
// Dialects differ in which bytes mean what; the decoder state machine only
// sees these events.
type EventKind string

const (
	EventNone       EventKind = "none"
	EventInitialize EventKind = "initialize"
	EventLineBreak  EventKind = "line-break"
	EventCut        EventKind = "cut"
	EventSetMode    EventKind = "set-mode"
)

// CommandSpec maps one two-byte command (lead + code) to an event. ArgLen
// parameter bytes following the code byte are consumed without
// interpretation.
type CommandSpec struct {
	Lead   byte      `yaml:"lead"`
	Code   byte      `yaml:"code"`
	Event  EventKind `yaml:"event"`
	ArgLen int       `yaml:"args"`
}

// Dialect is a vendor command table: data, not a type hierarchy. Unlisted
// commands under a known lead byte are consumed as no-ops and recorded for
// diagnostics.
type Dialect struct {
	Name     string        `yaml:"name"`
	Commands []CommandSpec `yaml:"commands"`

	lookup map[[2]byte]CommandSpec
}

func (d *Dialect) index() {
	d.lookup = make(map[[2]byte]CommandSpec, len(d.Commands))
	for _, c := range d.Commands {
		d.lookup[[2]byte{c.Lead, c.Code}] = c
	}
}

// Command returns the spec for a lead+code pair, if the dialect knows it.
func (d *Dialect) Command(lead, code byte) (CommandSpec, bool) {
	if d.lookup == nil {
		d.index()
	}
	c, ok := d.lookup[[2]byte{lead, code}]
	return c, ok
}

// isLead reports whether b opens a command sequence.
func isLead(b byte) bool {
	return b == ESC || b == GS || b == DLE || b == FS
}

// Epson returns the baseline ESC/POS command table.
func Epson() *Dialect {
	d := &Dialect{
		Name: "epson",
		Commands: []CommandSpec{
			{Lead: ESC, Code: '@', Event: EventInitialize},
			{Lead: ESC, Code: '!', Event: EventSetMode, ArgLen: 1},
			{Lead: ESC, Code: '-', Event: EventSetMode, ArgLen: 1},
			{Lead: ESC, Code: 'E', Event: EventSetMode, ArgLen: 1},
			{Lead: ESC, Code: 'a', Event: EventSetMode, ArgLen: 1},
			{Lead: ESC, Code: 'd', Event: EventLineBreak, ArgLen: 1},
			{Lead: ESC, Code: 'J', Event: EventLineBreak, ArgLen: 1},
			{Lead: ESC, Code: 'i', Event: EventCut},
			{Lead: ESC, Code: 'm', Event: EventCut},
			{Lead: GS, Code: 'V', Event: EventCut, ArgLen: 1},
			{Lead: GS, Code: '!', Event: EventSetMode, ArgLen: 1},
			{Lead: GS, Code: 'H', Event: EventSetMode, ArgLen: 1},
			{Lead: GS, Code: 'w', Event: EventSetMode, ArgLen: 1},
			{Lead: DLE, Code: 0x04, Event: EventNone, ArgLen: 1},
		},
	}
	d.index()
	return d
}

// Star returns the Star Micronics line-mode command table. Star cuts with
// ESC d and uses ESC RS for mode selection instead of GS !.
func Star() *Dialect {
	d := &Dialect{
		Name: "star",
		Commands: []CommandSpec{
			{Lead: ESC, Code: '@', Event: EventInitialize},
			{Lead: ESC, Code: 'd', Event: EventCut, ArgLen: 1},
			{Lead: ESC, Code: 'a', Event: EventLineBreak, ArgLen: 1},
			{Lead: ESC, Code: 0x1E, Event: EventSetMode, ArgLen: 1},
			{Lead: ESC, Code: 'E', Event: EventSetMode},
			{Lead: ESC, Code: 'F', Event: EventSetMode},
			{Lead: ESC, Code: '-', Event: EventSetMode, ArgLen: 1},
			{Lead: ESC, Code: 'i', Event: EventCut, ArgLen: 2},
		},
	}
	d.index()
	return d
}

// Bixolon returns the Bixolon command table: largely ESC/POS compatible but
// with its own partial-cut sequences.
func Bixolon() *Dialect {
	d := &Dialect{
		Name: "bixolon",
		Commands: []CommandSpec{
			{Lead: ESC, Code: '@', Event: EventInitialize},
			{Lead: ESC, Code: '!', Event: EventSetMode, ArgLen: 1},
			{Lead: ESC, Code: 'a', Event: EventSetMode, ArgLen: 1},
			{Lead: ESC, Code: 'd', Event: EventLineBreak, ArgLen: 1},
			{Lead: ESC, Code: 'i', Event: EventCut},
			{Lead: ESC, Code: 'm', Event: EventCut},
			{Lead: GS, Code: 'V', Event: EventCut, ArgLen: 1},
			{Lead: GS, Code: '!', Event: EventSetMode, ArgLen: 1},
			{Lead: DLE, Code: 0x04, Event: EventNone, ArgLen: 1},
		},
	}
	d.index()
	return d
}

// DialectByName resolves a built-in command table.
func DialectByName(name string) (*Dialect, error) {
	switch name {
	case "", "epson":
		return Epson(), nil
	case "star":
		return Star(), nil
	case "bixolon":
		return Bixolon(), nil
	default:
		return nil, fmt.Errorf("unknown printer dialect %q", name)
	}
}

// LoadDialect reads a command table from YAML, for vendors the built-ins do
// not cover.
func LoadDialect(r io.Reader) (*Dialect, error) {
	var d Dialect
	if err := yaml.NewDecoder(r).Decode(&d); err != nil {
		return nil, fmt.Errorf("decode dialect: %w", err)
	}
	if d.Name == "" {
		return nil, fmt.Errorf("dialect has no name")
	}
	if len(d.Commands) == 0 {
		return nil, fmt.Errorf("dialect %q has no commands", d.Name)
	}
	d.index()
	return &d, nil
}

// DetectVendor guesses a printer make from markers in a raw stream, for
// diagnostics only; it never changes the active dialect at runtime.
func DetectVendor(raw []byte) string {
	s := strings.ToUpper(string(raw))
	switch {
	case strings.Contains(s, "STAR"):
		return "star"
	case strings.Contains(s, "BIXOLON") || strings.Contains(s, "BIX"):
		return "bixolon"
	case strings.Contains(s, "EPSON"):
		return "epson"
	default:
		return "unknown"
	}
}
