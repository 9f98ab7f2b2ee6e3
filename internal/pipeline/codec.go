package pipeline

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
)

const headerMagic = "CellProfiler Pipeline"

// Load reads and parses the pipeline file at path.
func Load(path string) (*Pipeline, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("load pipeline: %w", err)
	}
	defer func() { _ = f.Close() }()
	p, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("load pipeline %s: %w", path, err)
	}
	return p, nil
}

// Parse decodes a pipeline description.
func Parse(r io.Reader) (*Pipeline, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	p := &Pipeline{}
	var current *Module
	inHeader := true
	lineNo := 0
	malformed := func(format string, args ...any) error {
		return fmt.Errorf("%w: line %d: %s", ErrMalformedPipeline, lineNo, fmt.Sprintf(format, args...))
	}
	for sc.Scan() {
		lineNo++
		line := strings.TrimRight(sc.Text(), "\r")
		if strings.TrimSpace(line) == "" {
			if len(p.Header) > 0 {
				inHeader = false
			}
			current = nil
			continue
		}
		if inHeader && len(p.Header) > 0 && strings.Contains(line, ":[") && strings.HasSuffix(line, "]") {
			inHeader = false
		}
		if inHeader {
			if len(p.Header) == 0 && !strings.HasPrefix(line, headerMagic) {
				return nil, malformed("missing %q header", headerMagic)
			}
			key, value, ok := strings.Cut(line, ":")
			if !ok {
				return nil, malformed("header line without ':'")
			}
			p.Header = append(p.Header, Field{Key: key, Value: value})
			continue
		}
		if line[0] == ' ' || line[0] == '\t' {
			if current == nil {
				return nil, malformed("setting outside a module")
			}
			text, value, ok := strings.Cut(strings.TrimLeft(line, " \t"), ":")
			if !ok {
				return nil, malformed("setting without ':'")
			}
			current.Settings = append(current.Settings, Field{Key: text, Value: value})
			continue
		}
		m, err := parseModuleLine(line)
		if err != nil {
			return nil, malformed("%v", err)
		}
		p.Modules = append(p.Modules, m)
		current = m
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read pipeline: %w", err)
	}
	if len(p.Header) == 0 {
		return nil, fmt.Errorf("%w: empty pipeline", ErrMalformedPipeline)
	}
	return p, nil
}

func parseModuleLine(line string) (*Module, error) {
	idx := strings.Index(line, ":[")
	if idx <= 0 || !strings.HasSuffix(line, "]") {
		return nil, fmt.Errorf("module line %q is not Name:[attributes]", truncate(line))
	}
	m := &Module{Name: line[:idx]}
	inner := line[idx+2 : len(line)-1]
	if inner == "" {
		return m, nil
	}
	for _, part := range strings.Split(inner, "|") {
		key, value, ok := strings.Cut(part, ":")
		if !ok {
			return nil, fmt.Errorf("module %s: attribute %q without ':'", m.Name, part)
		}
		m.Attributes = append(m.Attributes, Field{Key: key, Value: value})
	}
	if _, ok := m.Attr("module_num"); ok && m.Num() <= 0 {
		return nil, fmt.Errorf("module %s: invalid module_num", m.Name)
	}
	return m, nil
}

func truncate(s string) string {
	if len(s) > 60 {
		return s[:60] + "..."
	}
	return s
}

// Encode writes p in the format Parse reads, with ModuleCount updated.
func (p *Pipeline) Encode(w io.Writer) error {
	p.Header = set(p.Header, "ModuleCount", fmt.Sprint(len(p.Modules)))
	bw := bufio.NewWriter(w)
	for _, h := range p.Header {
		fmt.Fprintf(bw, "%s:%s\n", h.Key, h.Value)
	}
	for _, m := range p.Modules {
		bw.WriteString("\n")
		attrs := make([]string, len(m.Attributes))
		for i, a := range m.Attributes {
			attrs[i] = a.Key + ":" + a.Value
		}
		fmt.Fprintf(bw, "%s:[%s]\n", m.Name, strings.Join(attrs, "|"))
		for _, s := range m.Settings {
			fmt.Fprintf(bw, "    %s:%s\n", s.Key, s.Value)
		}
	}
	return bw.Flush()
}

// Save encodes p to path.
func (p *Pipeline) Save(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("save pipeline: %w", err)
	}
	if err := p.Encode(f); err != nil {
		_ = f.Close()
		return fmt.Errorf("save pipeline %s: %w", path, err)
	}
	return f.Close()
}
