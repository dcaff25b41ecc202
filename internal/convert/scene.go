package convert

import (
	"fmt"
	"strings"

	"github.com/kiranshivaraju/roomscan/internal/convert/usda"
)

// scene is the format-neutral model handed to the GLB writer. Geometry is
// already in world space (Y-up, metres).
type scene struct {
	name      string
	nodes     []*sceneNode
	materials []material
	extras    map[string]any
}

type sceneNode struct {
	name     string
	usdPath  string
	mesh     *meshData
	children []*sceneNode
}

type meshData struct {
	name      string
	positions [][3]float32
	normals   [][3]float32
	indices   []uint32
	material  int
}

type material struct {
	name      string
	baseColor [4]float64
	metallic  float64
	roughness float64
}

// UsdPreviewSurface input defaults.
var defaultMaterial = material{
	baseColor: [4]float64{0.18, 0.18, 0.18, 1},
	metallic:  0,
	roughness: 0.5,
}

func (s *scene) stats() Stats {
	st := Stats{Materials: len(s.materials)}
	var walk func([]*sceneNode)
	walk = func(ns []*sceneNode) {
		for _, n := range ns {
			if n.mesh != nil {
				st.Meshes++
				st.Vertices += len(n.mesh.positions)
				st.Triangles += len(n.mesh.indices) / 3
			}
			walk(n.children)
		}
	}
	walk(s.nodes)
	return st
}

type buildMode int

const (
	// buildStrict fails on any mesh or material it cannot interpret.
	buildStrict buildMode = iota
	// buildGeometryOnly drops materials and skips meshes it cannot read.
	buildGeometryOnly
)

type builder struct {
	stage     *usda.Stage
	mode      buildMode
	materials []material
	matIndex  map[string]int
	skipped   []string
}

// buildScene flattens a parsed stage into a scene.
func buildScene(stage *usda.Stage, mode buildMode) (*scene, []string, *Error) {
	b := &builder{stage: stage, mode: mode, matIndex: make(map[string]int)}
	axes := stageAxes(stage.UpAxis, stage.MetersPerUnit)

	sc := &scene{name: stage.DefaultPrim}
	for _, root := range stage.Roots {
		n, err := b.visit(root, axes)
		if err != nil {
			return nil, b.skipped, err
		}
		if n != nil {
			sc.nodes = append(sc.nodes, n)
		}
	}
	sc.materials = b.materials
	if sc.stats().Triangles == 0 {
		return nil, b.skipped, newError(CodeEmptyGeometry, "stage has no renderable faces")
	}
	return sc, b.skipped, nil
}

var nonGeometryTypes = map[string]bool{
	"Material":   true,
	"Shader":     true,
	"NodeGraph":  true,
	"GeomSubset": true,
	"Camera":     true,
}

func (b *builder) visit(p *usda.Prim, parent mat4) (*sceneNode, *Error) {
	if p.Specifier != "def" || !p.Active() || nonGeometryTypes[p.TypeName] || strings.HasSuffix(p.TypeName, "Light") {
		return nil, nil
	}
	if v := p.Attr("visibility"); v != nil {
		if s, _ := v.Value.Text(); s == "invisible" {
			return nil, nil
		}
	}

	local, reset, err := localTransform(p)
	if err != nil {
		if b.mode == buildGeometryOnly {
			b.skipped = append(b.skipped, p.Path)
			return nil, nil
		}
		return nil, err
	}
	world := parent.mul(local)
	if reset {
		world = stageAxes(b.stage.UpAxis, b.stage.MetersPerUnit).mul(local)
	}

	node := &sceneNode{name: p.Name, usdPath: p.Path}
	if p.TypeName == "Mesh" {
		m, err := b.mesh(p, world)
		switch {
		case err != nil && b.mode == buildGeometryOnly:
			b.skipped = append(b.skipped, p.Path)
		case err != nil:
			return nil, err
		default:
			node.mesh = m
		}
	}
	for _, c := range p.Children {
		cn, err := b.visit(c, world)
		if err != nil {
			return nil, err
		}
		if cn != nil {
			node.children = append(node.children, cn)
		}
	}
	if node.mesh == nil && len(node.children) == 0 {
		return nil, nil
	}
	return node, nil
}

// localTransform composes the prim's xformOpOrder. Ops apply to points
// from last to first, so the product is op0 * op1 * ... * opN.
func localTransform(p *usda.Prim) (mat4, bool, *Error) {
	m := identity()
	orderAttr := p.Attr("xformOpOrder")
	if orderAttr == nil || !orderAttr.HasValue {
		return m, false, nil
	}
	order, ok := orderAttr.Value.Texts()
	if !ok {
		return m, false, newError(CodeUnsupportedSchema, "%s: malformed xformOpOrder", p.Path)
	}

	reset := false
	for _, name := range order {
		if name == "!resetXformStack!" {
			reset = true
			m = identity()
			continue
		}
		invert := strings.HasPrefix(name, "!invert!")
		name = strings.TrimPrefix(name, "!invert!")

		attr := p.Attr(name)
		if attr == nil || !attr.HasValue {
			return m, false, newError(CodeUnsupportedSchema, "%s: xform op %s has no value", p.Path, name)
		}
		op, err := opMatrix(name, attr.Value)
		if err != nil {
			return m, false, newError(CodeUnsupportedSchema, "%s: %v", p.Path, err)
		}
		if invert {
			if op, ok = op.inverse(); !ok {
				return m, false, newError(CodeUnsupportedSchema, "%s: %s is not invertible", p.Path, name)
			}
		}
		m = m.mul(op)
	}
	return m, reset, nil
}

func opMatrix(name string, v usda.Value) (mat4, error) {
	parts := strings.Split(name, ":")
	if len(parts) < 2 || parts[0] != "xformOp" {
		return mat4{}, fmt.Errorf("unknown xform op %s", name)
	}
	kind := parts[1]
	fs, ok := v.Floats()
	if !ok {
		return mat4{}, fmt.Errorf("xform op %s is not numeric", name)
	}
	want := func(n int) error {
		if len(fs) != n {
			return fmt.Errorf("xform op %s needs %d values, has %d", name, n, len(fs))
		}
		return nil
	}

	switch {
	case kind == "translate":
		if err := want(3); err != nil {
			return mat4{}, err
		}
		return translation([3]float64{fs[0], fs[1], fs[2]}), nil
	case kind == "scale":
		if len(fs) == 1 {
			return scaling([3]float64{fs[0], fs[0], fs[0]}), nil
		}
		if err := want(3); err != nil {
			return mat4{}, err
		}
		return scaling([3]float64{fs[0], fs[1], fs[2]}), nil
	case kind == "orient":
		if err := want(4); err != nil {
			return mat4{}, err
		}
		m, ok := quaternion(fs[0], fs[1], fs[2], fs[3])
		if !ok {
			return mat4{}, fmt.Errorf("xform op %s is a zero quaternion", name)
		}
		return m, nil
	case kind == "transform":
		if err := want(16); err != nil {
			return mat4{}, err
		}
		return fromRowVector(fs), nil
	case len(kind) == 7 && strings.HasPrefix(kind, "rotate"):
		if err := want(1); err != nil {
			return mat4{}, err
		}
		return rotation(kind[6], fs[0]), nil
	case len(kind) == 9 && strings.HasPrefix(kind, "rotate"):
		if err := want(3); err != nil {
			return mat4{}, err
		}
		// rotateXYZ rotates about X first, so its matrix is Rz * Ry * Rx.
		axes := kind[6:]
		m := identity()
		for i := 0; i < 3; i++ {
			m = rotation(axes[i], fs[i]).mul(m)
		}
		return m, nil
	}
	return mat4{}, fmt.Errorf("unsupported xform op %s", name)
}

func (b *builder) mesh(p *usda.Prim, world mat4) (*meshData, *Error) {
	points, ok := vec3Attr(p, "points")
	if !ok || len(points) == 0 {
		return nil, newError(CodeUnsupportedSchema, "%s: mesh has no points", p.Path)
	}
	counts, ok1 := intAttr(p, "faceVertexCounts")
	indices, ok2 := intAttr(p, "faceVertexIndices")
	if !ok1 || !ok2 {
		return nil, newError(CodeUnsupportedSchema, "%s: mesh has no face topology", p.Path)
	}
	total := 0
	for _, c := range counts {
		if c < 0 {
			return nil, newError(CodeUnsupportedSchema, "%s: negative face vertex count", p.Path)
		}
		total += c
	}
	if total != len(indices) {
		return nil, newError(CodeUnsupportedSchema, "%s: face counts cover %d indices, mesh has %d", p.Path, total, len(indices))
	}
	for _, i := range indices {
		if i < 0 || i >= len(points) {
			return nil, newError(CodeUnsupportedSchema, "%s: face index %d out of range", p.Path, i)
		}
	}

	matIdx := -1
	if b.mode == buildStrict {
		var err *Error
		if matIdx, err = b.material(p); err != nil {
			return nil, err
		}
	}

	normalSrc, faceVarying := meshNormals(p, len(points), len(indices))
	nm, invertible := world.normalMatrix()
	if !invertible {
		normalSrc, faceVarying = nil, false
	}
	flip := world.det3() < 0
	if o := p.Attr("orientation"); o != nil {
		if s, _ := o.Value.Text(); s == "leftHanded" {
			flip = !flip
		}
	}

	m := &meshData{name: p.Name, material: matIdx}
	emit := func(pt [3]float64, n *[3]float64) (uint32, bool) {
		w := world.point(pt)
		if !finite(w) {
			return 0, false
		}
		m.positions = append(m.positions, to32(w))
		if n != nil {
			m.normals = append(m.normals, to32(normalize(nm.direction(*n))))
		}
		return uint32(len(m.positions) - 1), true
	}

	// Vertex-interpolated data keeps the shared vertices; face-varying
	// normals need one vertex per face corner.
	var corner []uint32
	if faceVarying {
		corner = make([]uint32, len(indices))
		for k, i := range indices {
			idx, ok := emit(points[i], &normalSrc[k])
			if !ok {
				return nil, newError(CodeUnsupportedSchema, "%s: non-finite point", p.Path)
			}
			corner[k] = idx
		}
	} else {
		for i := range points {
			var n *[3]float64
			if normalSrc != nil {
				n = &normalSrc[i]
			}
			if _, ok := emit(points[i], n); !ok {
				return nil, newError(CodeUnsupportedSchema, "%s: non-finite point", p.Path)
			}
		}
		corner = make([]uint32, len(indices))
		for k, i := range indices {
			corner[k] = uint32(i)
		}
	}

	start := 0
	for _, c := range counts {
		face := corner[start : start+c]
		start += c
		for j := 1; j+1 < len(face); j++ {
			if flip {
				m.indices = append(m.indices, face[0], face[j+1], face[j])
			} else {
				m.indices = append(m.indices, face[0], face[j], face[j+1])
			}
		}
	}
	if len(m.indices) == 0 {
		return nil, nil
	}
	return m, nil
}

// meshNormals returns authored normals that match the mesh topology, and
// whether they are per face corner.
func meshNormals(p *usda.Prim, nPoints, nCorners int) ([][3]float64, bool) {
	for _, name := range []string{"normals", "primvars:normals"} {
		a := p.Attr(name)
		if a == nil || !a.HasValue || p.Attr(name+":indices") != nil {
			continue
		}
		ns, ok := a.Value.Vec3s()
		if !ok {
			continue
		}
		interp := "vertex"
		if v, ok := a.Metadata["interpolation"]; ok {
			interp, _ = v.Text()
		}
		switch {
		case interp == "faceVarying" && len(ns) == nCorners:
			return ns, true
		case (interp == "vertex" || interp == "varying") && len(ns) == nPoints:
			return ns, false
		}
	}
	return nil, false
}

// material resolves the prim's bound material, inherited from the nearest
// ancestor with a binding, or a displayColor material. -1 means none.
func (b *builder) material(p *usda.Prim) (int, *Error) {
	for q := p; q != nil; q = q.Parent {
		targets := q.Rel("material:binding")
		if len(targets) == 0 {
			continue
		}
		target := targets[0]
		if idx, ok := b.matIndex[target]; ok {
			return idx, nil
		}
		mat := b.stage.Lookup(target)
		if mat == nil || mat.TypeName != "Material" {
			return -1, newError(CodeUnsupportedSchema, "%s: material binding %s does not resolve", p.Path, target)
		}
		return b.addMaterial(target, materialFromShader(mat.Name, b.surfaceShader(mat))), nil
	}

	color, ok := floatsAttr(p, "primvars:displayColor")
	if !ok || len(color) < 3 {
		return -1, nil
	}
	m := defaultMaterial
	m.name = "displayColor"
	m.baseColor = [4]float64{color[0], color[1], color[2], 1}
	if op, ok := floatsAttr(p, "primvars:displayOpacity"); ok && len(op) > 0 {
		m.baseColor[3] = op[0]
	}
	key := fmt.Sprintf("displayColor:%g,%g,%g,%g", m.baseColor[0], m.baseColor[1], m.baseColor[2], m.baseColor[3])
	if idx, ok := b.matIndex[key]; ok {
		return idx, nil
	}
	return b.addMaterial(key, m), nil
}

func (b *builder) addMaterial(key string, m material) int {
	idx := len(b.materials)
	b.materials = append(b.materials, m)
	b.matIndex[key] = idx
	return idx
}

// surfaceShader follows the material's surface output, falling back to the
// first UsdPreviewSurface shader beneath it.
func (b *builder) surfaceShader(mat *usda.Prim) *usda.Prim {
	if out := mat.Attr("outputs:surface"); out != nil {
		for _, conn := range out.Connections {
			primPath, _ := usda.SplitProperty(conn)
			if s := b.stage.Lookup(primPath); s != nil && s.TypeName == "Shader" {
				return s
			}
		}
	}
	var found *usda.Prim
	var search func(*usda.Prim)
	search = func(q *usda.Prim) {
		for _, c := range q.Children {
			if found != nil {
				return
			}
			if c.TypeName == "Shader" {
				if id, _ := textAttr(c, "info:id"); id == "UsdPreviewSurface" {
					found = c
					return
				}
			}
			search(c)
		}
	}
	search(mat)
	return found
}

func materialFromShader(name string, shader *usda.Prim) material {
	m := defaultMaterial
	m.name = name
	if shader == nil {
		return m
	}
	if c, ok := floatsAttr(shader, "inputs:diffuseColor"); ok && len(c) == 3 {
		m.baseColor[0], m.baseColor[1], m.baseColor[2] = c[0], c[1], c[2]
	}
	if v, ok := floatsAttr(shader, "inputs:opacity"); ok && len(v) == 1 {
		m.baseColor[3] = v[0]
	}
	if v, ok := floatsAttr(shader, "inputs:metallic"); ok && len(v) == 1 {
		m.metallic = v[0]
	}
	if v, ok := floatsAttr(shader, "inputs:roughness"); ok && len(v) == 1 {
		m.roughness = v[0]
	}
	return m
}

func vec3Attr(p *usda.Prim, name string) ([][3]float64, bool) {
	a := p.Attr(name)
	if a == nil || !a.HasValue {
		return nil, false
	}
	return a.Value.Vec3s()
}

func intAttr(p *usda.Prim, name string) ([]int, bool) {
	a := p.Attr(name)
	if a == nil || !a.HasValue {
		return nil, false
	}
	return a.Value.Ints()
}

// floatsAttr ignores values driven by a connection (e.g. a texture).
func floatsAttr(p *usda.Prim, name string) ([]float64, bool) {
	a := p.Attr(name)
	if a == nil || !a.HasValue || len(a.Connections) > 0 {
		return nil, false
	}
	return a.Value.Floats()
}

func textAttr(p *usda.Prim, name string) (string, bool) {
	a := p.Attr(name)
	if a == nil || !a.HasValue {
		return "", false
	}
	return a.Value.Text()
}
