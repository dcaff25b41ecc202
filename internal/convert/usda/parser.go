package usda

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
)

// ErrNotText is returned for input that lacks the "#usda" header.
var ErrNotText = errors.New("not a usda text layer")

// Parse reads a text layer.
func Parse(src []byte) (*Stage, error) {
	src = bytes.TrimPrefix(src, []byte("\uFEFF"))
	if !bytes.HasPrefix(bytes.TrimLeft(src, " \t\r\n"), []byte("#usda")) {
		return nil, ErrNotText
	}
	toks, err := newLexer(string(src)).all()
	if err != nil {
		return nil, err
	}

	p := &parser{toks: toks}
	stage := &Stage{
		UpAxis:        "Y",
		MetersPerUnit: 0.01,
		index:         make(map[string]*Prim),
	}
	if p.peekPunct("(") {
		if stage.Metadata, err = p.metadata(); err != nil {
			return nil, err
		}
		stage.applyMetadata()
	}

	for p.peek().kind != tokEOF {
		prim, err := p.prim(nil, stage.index)
		if err != nil {
			return nil, err
		}
		stage.Roots = append(stage.Roots, prim)
	}
	return stage, nil
}

func (s *Stage) applyMetadata() {
	if v, ok := s.Metadata["upAxis"]; ok {
		if axis, ok := v.Text(); ok {
			s.UpAxis = axis
		}
	}
	if v, ok := s.Metadata["metersPerUnit"]; ok {
		if m, ok := v.Float(); ok && m > 0 {
			s.MetersPerUnit = m
		}
	}
	if v, ok := s.Metadata["defaultPrim"]; ok {
		s.DefaultPrim, _ = v.Text()
	}
}

type parser struct {
	toks []token
	pos  int
}

func (p *parser) peek() token { return p.toks[p.pos] }

func (p *parser) peekAt(n int) token {
	if p.pos+n < len(p.toks) {
		return p.toks[p.pos+n]
	}
	return p.toks[len(p.toks)-1]
}

func (p *parser) advance() token {
	t := p.toks[p.pos]
	if t.kind != tokEOF {
		p.pos++
	}
	return t
}

func (p *parser) peekPunct(s string) bool {
	t := p.peek()
	return t.kind == tokPunct && t.text == s
}

func (p *parser) peekIdent(names ...string) bool {
	t := p.peek()
	if t.kind != tokIdent {
		return false
	}
	for _, n := range names {
		if t.text == n {
			return true
		}
	}
	return false
}

func (p *parser) expectPunct(s string) error {
	t := p.advance()
	if t.kind != tokPunct || t.text != s {
		return p.errorf(t, "expected %q, got %s", s, t)
	}
	return nil
}

func (p *parser) expectIdent() (string, error) {
	t := p.advance()
	if t.kind != tokIdent {
		return "", p.errorf(t, "expected identifier, got %s", t)
	}
	return t.text, nil
}

func (p *parser) errorf(t token, format string, args ...any) error {
	return fmt.Errorf("line %d: %s", t.line, fmt.Sprintf(format, args...))
}

func (p *parser) prim(parent *Prim, index map[string]*Prim) (*Prim, error) {
	t := p.advance()
	if t.kind != tokIdent || (t.text != "def" && t.text != "over" && t.text != "class") {
		return nil, p.errorf(t, "expected prim definition, got %s", t)
	}
	prim := &Prim{
		Specifier:     t.text,
		Parent:        parent,
		Relationships: make(map[string][]string),
		attrs:         make(map[string]*Attribute),
	}
	if p.peek().kind == tokIdent {
		prim.TypeName = p.advance().text
	}
	name := p.advance()
	if name.kind != tokString || name.text == "" {
		return nil, p.errorf(name, "expected prim name, got %s", name)
	}
	prim.Name = name.text
	if parent == nil {
		prim.Path = "/" + prim.Name
	} else {
		prim.Path = parent.Path + "/" + prim.Name
	}

	if p.peekPunct("(") {
		md, err := p.metadata()
		if err != nil {
			return nil, err
		}
		prim.Metadata = md
	}
	if err := p.expectPunct("{"); err != nil {
		return nil, err
	}

	for !p.peekPunct("}") {
		switch {
		case p.peek().kind == tokEOF:
			return nil, p.errorf(p.peek(), "unterminated prim %s", prim.Path)
		case p.peekIdent("def", "over", "class"):
			child, err := p.prim(prim, index)
			if err != nil {
				return nil, err
			}
			prim.Children = append(prim.Children, child)
		case p.peekIdent("variantSet"):
			if err := p.skipVariantSet(); err != nil {
				return nil, err
			}
		case p.peekIdent("reorder"):
			p.advance()
			if _, err := p.expectIdent(); err != nil {
				return nil, err
			}
			if err := p.expectPunct("="); err != nil {
				return nil, err
			}
			if _, err := p.value(); err != nil {
				return nil, err
			}
		case p.peekPunct(";"):
			p.advance()
		default:
			if err := p.property(prim); err != nil {
				return nil, err
			}
		}
	}
	p.advance()

	if _, dup := index[prim.Path]; !dup {
		index[prim.Path] = prim
	}
	return prim, nil
}

func (p *parser) skipVariantSet() error {
	p.advance()
	if t := p.advance(); t.kind != tokString {
		return p.errorf(t, "expected variant set name, got %s", t)
	}
	if err := p.expectPunct("="); err != nil {
		return err
	}
	return p.skipBalanced()
}

func (p *parser) property(prim *Prim) error {
	listOp := ""
	if p.peekIdent("prepend", "append", "delete", "add") {
		listOp = p.advance().text
	}
	attr := &Attribute{}
	for p.peekIdent("custom", "uniform", "varying", "config") {
		if p.advance().text == "uniform" {
			attr.Uniform = true
		}
	}

	if p.peekIdent("rel") {
		p.advance()
		name, err := p.expectIdent()
		if err != nil {
			return err
		}
		var targets []string
		if p.peekPunct("=") {
			p.advance()
			v, err := p.value()
			if err != nil {
				return err
			}
			targets, _ = v.Texts()
		}
		if err := p.optionalMetadata(nil); err != nil {
			return err
		}
		if listOp != "delete" {
			prim.Relationships[name] = append(prim.Relationships[name], targets...)
		}
		return nil
	}

	typeName, err := p.expectIdent()
	if err != nil {
		return err
	}
	attr.TypeName = typeName
	if p.peekPunct("[") && p.peekAt(1).kind == tokPunct && p.peekAt(1).text == "]" {
		p.advance()
		p.advance()
		attr.Array = true
	}
	if attr.Name, err = p.expectIdent(); err != nil {
		return err
	}
	if p.peekPunct("=") {
		p.advance()
		if attr.Value, err = p.value(); err != nil {
			return err
		}
		attr.HasValue = true
	}
	if err := p.optionalMetadata(&attr.Metadata); err != nil {
		return err
	}
	if listOp == "delete" {
		return nil
	}

	switch {
	case strings.HasSuffix(attr.Name, ".connect"):
		base := strings.TrimSuffix(attr.Name, ".connect")
		targets, _ := attr.Value.Texts()
		existing := prim.setAttr(&Attribute{Name: base, TypeName: attr.TypeName, Array: attr.Array, Uniform: attr.Uniform})
		for _, t := range targets {
			existing.Connections = append(existing.Connections, prim.Resolve(t))
		}
	case strings.HasSuffix(attr.Name, ".timeSamples"), strings.HasSuffix(attr.Name, ".spline"):
		// Animated values are not sampled.
	default:
		existing := prim.setAttr(attr)
		if existing != attr {
			existing.Value, existing.HasValue = attr.Value, attr.HasValue
			existing.TypeName, existing.Array, existing.Uniform = attr.TypeName, attr.Array, attr.Uniform
			if attr.Metadata != nil {
				existing.Metadata = attr.Metadata
			}
		}
	}
	return nil
}

func (p *parser) optionalMetadata(dst *map[string]Value) error {
	if !p.peekPunct("(") {
		return nil
	}
	md, err := p.metadata()
	if err != nil {
		return err
	}
	if dst != nil {
		*dst = md
	}
	return nil
}

// metadata parses a parenthesised block of "key = value" entries. Doc
// strings are stored under "doc"; list-op keywords are dropped.
func (p *parser) metadata() (map[string]Value, error) {
	if err := p.expectPunct("("); err != nil {
		return nil, err
	}
	md := make(map[string]Value)
	for !p.peekPunct(")") {
		t := p.peek()
		switch {
		case t.kind == tokEOF:
			return nil, p.errorf(t, "unterminated metadata block")
		case t.kind == tokString:
			p.advance()
			md["doc"] = Value{Kind: ValueString, Str: t.text}
		case t.kind == tokIdent && (t.text == "prepend" || t.text == "append" || t.text == "delete" || t.text == "add" || t.text == "reorder"):
			p.advance()
		case t.kind == tokIdent:
			p.advance()
			if p.peekPunct("=") {
				p.advance()
				v, err := p.value()
				if err != nil {
					return nil, err
				}
				md[t.text] = v
			}
		case t.kind == tokPunct && (t.text == "(" || t.text == "[" || t.text == "{"):
			if err := p.skipBalanced(); err != nil {
				return nil, err
			}
		default:
			p.advance()
		}
	}
	p.advance()
	return md, nil
}

func (p *parser) value() (Value, error) {
	t := p.advance()
	switch t.kind {
	case tokNumber:
		f, ok := parseNumber(t.text)
		if !ok {
			return Value{}, p.errorf(t, "malformed number %q", t.text)
		}
		return Value{Kind: ValueNumber, Num: f}, nil
	case tokString:
		return Value{Kind: ValueString, Str: t.text}, nil
	case tokAsset:
		if p.peek().kind == tokPath {
			p.advance()
		}
		return Value{Kind: ValueAsset, Str: t.text}, nil
	case tokPath:
		return Value{Kind: ValuePath, Str: t.text}, nil
	case tokIdent:
		if t.text == "None" {
			return Value{Kind: ValueNone}, nil
		}
		if f, ok := parseNumber(t.text); ok {
			return Value{Kind: ValueNumber, Num: f}, nil
		}
		return Value{Kind: ValueToken, Str: t.text}, nil
	case tokPunct:
		switch t.text {
		case "(":
			items, err := p.items(")")
			return Value{Kind: ValueTuple, Items: items}, err
		case "[":
			items, err := p.items("]")
			return Value{Kind: ValueList, Items: items}, err
		case "{":
			p.pos--
			return Value{Kind: ValueDict}, p.skipBalanced()
		}
	}
	return Value{}, p.errorf(t, "expected value, got %s", t)
}

func (p *parser) items(closing string) ([]Value, error) {
	var items []Value
	for {
		if p.peekPunct(closing) {
			p.advance()
			return items, nil
		}
		v, err := p.value()
		if err != nil {
			return nil, err
		}
		items = append(items, v)
		if p.peekPunct(",") {
			p.advance()
			continue
		}
		if err := p.expectPunct(closing); err != nil {
			return nil, err
		}
		return items, nil
	}
}

// skipBalanced consumes one bracketed group starting at the current token.
func (p *parser) skipBalanced() error {
	open := p.advance()
	if open.kind != tokPunct || !strings.Contains("([{", open.text) {
		return p.errorf(open, "expected bracket, got %s", open)
	}
	depth := 1
	for depth > 0 {
		t := p.advance()
		if t.kind == tokEOF {
			return p.errorf(open, "unbalanced %q", open.text)
		}
		if t.kind != tokPunct {
			continue
		}
		switch t.text {
		case "(", "[", "{":
			depth++
		case ")", "]", "}":
			depth--
		}
	}
	return nil
}
