// Package usda reads the text form of Universal Scene Description layers
// into a prim tree. It covers the subset a scan exporter emits: prims and
// their metadata, typed attributes, relationships and connections. Binary
// crate layers and composition arcs are not interpreted.
package usda

import (
	"path"
	"strings"
)

// Stage is one parsed layer.
type Stage struct {
	UpAxis        string
	MetersPerUnit float64
	DefaultPrim   string
	Metadata      map[string]Value
	Roots         []*Prim

	index map[string]*Prim
}

// Prim is a node of the scene graph.
type Prim struct {
	Specifier     string
	TypeName      string
	Name          string
	Path          string
	Parent        *Prim
	Children      []*Prim
	Metadata      map[string]Value
	Attributes    []*Attribute
	Relationships map[string][]string

	attrs map[string]*Attribute
}

// Attribute is a typed property. Connections hold the targets of a
// "<name>.connect" statement.
type Attribute struct {
	Name        string
	TypeName    string
	Array       bool
	Uniform     bool
	Value       Value
	HasValue    bool
	Connections []string
	Metadata    map[string]Value
}

// Lookup returns the prim at an absolute path, or nil.
func (s *Stage) Lookup(p string) *Prim {
	return s.index[p]
}

// Walk visits prims depth-first in document order. Returning false from fn
// skips the prim's children.
func (s *Stage) Walk(fn func(*Prim) bool) {
	var visit func(*Prim)
	visit = func(p *Prim) {
		if !fn(p) {
			return
		}
		for _, c := range p.Children {
			visit(c)
		}
	}
	for _, r := range s.Roots {
		visit(r)
	}
}

// Attr returns the named attribute, or nil.
func (p *Prim) Attr(name string) *Attribute {
	return p.attrs[name]
}

// Rel returns the targets of a relationship, resolved to absolute paths.
func (p *Prim) Rel(name string) []string {
	targets := p.Relationships[name]
	out := make([]string, 0, len(targets))
	for _, t := range targets {
		out = append(out, p.Resolve(t))
	}
	return out
}

// Active reports whether the prim takes part in the composed scene.
func (p *Prim) Active() bool {
	if v, ok := p.Metadata["active"]; ok {
		if s, ok := v.Text(); ok {
			return s != "false"
		}
		if f, ok := v.Float(); ok {
			return f != 0
		}
	}
	return true
}

// Resolve makes a target path absolute relative to this prim.
func (p *Prim) Resolve(target string) string {
	if strings.HasPrefix(target, "/") {
		return target
	}
	return path.Join(p.Path, target)
}

func (p *Prim) setAttr(a *Attribute) *Attribute {
	if existing, ok := p.attrs[a.Name]; ok {
		return existing
	}
	p.attrs[a.Name] = a
	p.Attributes = append(p.Attributes, a)
	return a
}

// SplitProperty splits "/A/B.outputs:rgb" into "/A/B" and "outputs:rgb".
func SplitProperty(target string) (primPath, prop string) {
	slash := strings.LastIndexByte(target, '/')
	if i := strings.IndexByte(target[slash+1:], '.'); i >= 0 {
		i += slash + 1
		return target[:i], target[i+1:]
	}
	return target, ""
}
