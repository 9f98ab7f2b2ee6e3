// Package pipeline reads, edits and writes CellProfiler-style .cppipe
// pipeline descriptions. A pipeline is a header followed by an ordered list
// of modules; each module carries bracketed attributes (module_num among
// them) and indented settings.
package pipeline

import (
	"errors"
	"fmt"
	"log/slog"
	"strconv"
)

// DefaultStrip is the number of leading input modules (Images, Metadata,
// NamesAndTypes, Groups) replaced by plane injection.
const DefaultStrip = 4

// InjectImageModule is the name of the synthetic plane injection module.
const InjectImageModule = "InjectImage"

var (
	// ErrMalformedPipeline is returned when a pipeline file cannot be parsed.
	ErrMalformedPipeline = errors.New("pipeline: malformed pipeline")
	// ErrPipelineTooShort is returned when fewer modules exist than must be stripped.
	ErrPipelineTooShort = errors.New("pipeline: too few modules")
)

// Field is an ordered key/value pair used for header lines, module
// attributes and module settings.
type Field struct {
	Key   string
	Value string
}

// Module is one configured processing stage.
type Module struct {
	Name       string
	Attributes []Field
	Settings   []Field
}

// Num returns the module_num attribute, or 0 when absent.
func (m *Module) Num() int {
	v, ok := m.Attr("module_num")
	if !ok {
		return 0
	}
	n, _ := strconv.Atoi(v)
	return n
}

// Attr looks up an attribute.
func (m *Module) Attr(key string) (string, bool) {
	return lookup(m.Attributes, key)
}

// SetAttr replaces or appends an attribute.
func (m *Module) SetAttr(key, value string) {
	m.Attributes = set(m.Attributes, key, value)
}

// Setting looks up a setting by its text.
func (m *Module) Setting(text string) (string, bool) {
	return lookup(m.Settings, text)
}

func (m *Module) clone() *Module {
	return &Module{
		Name:       m.Name,
		Attributes: append([]Field(nil), m.Attributes...),
		Settings:   append([]Field(nil), m.Settings...),
	}
}

// Pipeline is a header plus an ordered module list. Copies are independent.
type Pipeline struct {
	Header  []Field
	Modules []*Module
}

// Len returns the number of modules.
func (p *Pipeline) Len() int { return len(p.Modules) }

// HeaderValue looks up a header field.
func (p *Pipeline) HeaderValue(key string) (string, bool) {
	return lookup(p.Header, key)
}

// Names returns the module names in order.
func (p *Pipeline) Names() []string {
	out := make([]string, len(p.Modules))
	for i, m := range p.Modules {
		out[i] = m.Name
	}
	return out
}

// Copy returns a deep copy.
func (p *Pipeline) Copy() *Pipeline {
	out := &Pipeline{Header: append([]Field(nil), p.Header...), Modules: make([]*Module, len(p.Modules))}
	for i, m := range p.Modules {
		out.Modules[i] = m.clone()
	}
	return out
}

// RemoveModule deletes the module at 1-based position num and renumbers the
// rest.
func (p *Pipeline) RemoveModule(num int) (*Module, error) {
	if num < 1 || num > len(p.Modules) {
		return nil, fmt.Errorf("remove module %d: pipeline has %d modules", num, len(p.Modules))
	}
	removed := p.Modules[num-1]
	p.Modules = append(p.Modules[:num-1], p.Modules[num:]...)
	p.renumber()
	return removed, nil
}

// AddModule inserts m at 1-based position num (clamped to the list) and
// renumbers every module.
func (p *Pipeline) AddModule(m *Module, num int) {
	idx := num - 1
	if idx < 0 {
		idx = 0
	}
	if idx > len(p.Modules) {
		idx = len(p.Modules)
	}
	p.Modules = append(p.Modules, nil)
	copy(p.Modules[idx+1:], p.Modules[idx:])
	p.Modules[idx] = m
	p.renumber()
}

func (p *Pipeline) renumber() {
	for i, m := range p.Modules {
		m.SetAttr("module_num", strconv.Itoa(i+1))
	}
	p.Header = set(p.Header, "ModuleCount", strconv.Itoa(len(p.Modules)))
}

// Prepare removes the first n modules, logging each removed module and then
// the remaining module list.
func Prepare(p *Pipeline, n int, log *slog.Logger) error {
	if log == nil {
		log = slog.Default()
	}
	if p.Len() < n {
		return fmt.Errorf("%w: need at least %d, have %d", ErrPipelineTooShort, n, p.Len())
	}
	version, _ := p.HeaderValue("Version")
	revision, _ := p.HeaderValue("DateRevision")
	log.Info("prepare pipeline", "version", version, "date_revision", revision, "modules", p.Len(), "strip", n)
	for i := 0; i < n; i++ {
		removed, err := p.RemoveModule(1)
		if err != nil {
			return err
		}
		log.Info("remove module", "name", removed.Name)
	}
	for _, m := range p.Modules {
		log.Info("pipeline module", "num", m.Num(), "name", m.Name)
	}
	return nil
}

// NewInjectImage builds a module that feeds the plane stored at planePath
// into the pipeline under name.
func NewInjectImage(name, planePath string) *Module {
	return &Module{
		Name: InjectImageModule,
		Attributes: []Field{
			{Key: "module_num", Value: "1"},
			{Key: "svn_version", Value: "'Unknown'"},
			{Key: "variable_revision_number", Value: "1"},
			{Key: "show_window", Value: "False"},
			{Key: "notes", Value: `\x5B\x5D`},
			{Key: "batch_state", Value: "array(\\x5B\\x5D, dtype=uint8)"},
			{Key: "enabled", Value: "True"},
			{Key: "wants_pause", Value: "False"},
		},
		Settings: []Field{
			{Key: "Name the image", Value: name},
			{Key: "Image file", Value: planePath},
		},
	}
}

func lookup(fields []Field, key string) (string, bool) {
	for _, f := range fields {
		if f.Key == key {
			return f.Value, true
		}
	}
	return "", false
}

func set(fields []Field, key, value string) []Field {
	for i := range fields {
		if fields[i].Key == key {
			fields[i].Value = value
			return fields
		}
	}
	return append(fields, Field{Key: key, Value: value})
}
