package convert

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
)

// Surface kinds in the order RoomPlan lists them.
var roomPlanKinds = []string{"wall", "door", "window", "opening", "floor", "object"}

// roomPlan is the subset of a CapturedRoom export the converter uses.
type roomPlan struct {
	version    int
	identifier string
	surfaces   []roomSurface
}

type roomSurface struct {
	kind       string
	identifier string
	category   string
	dimensions [3]float64
	transform  mat4
}

type rawRoom struct {
	Version    int          `json:"version"`
	Identifier string       `json:"identifier"`
	Walls      []rawSurface `json:"walls"`
	Doors      []rawSurface `json:"doors"`
	Windows    []rawSurface `json:"windows"`
	Openings   []rawSurface `json:"openings"`
	Floors     []rawSurface `json:"floors"`
	Objects    []rawSurface `json:"objects"`
}

type rawSurface struct {
	Identifier string          `json:"identifier"`
	Category   json.RawMessage `json:"category"`
	Dimensions []float64       `json:"dimensions"`
	Transform  json.RawMessage `json:"transform"`
}

func parseRoomPlan(data []byte) (*roomPlan, error) {
	var raw rawRoom
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode RoomPlan JSON: %w", err)
	}
	rp := &roomPlan{version: raw.Version, identifier: raw.Identifier}
	groups := [][]rawSurface{raw.Walls, raw.Doors, raw.Windows, raw.Openings, raw.Floors, raw.Objects}
	for i, group := range groups {
		kind := roomPlanKinds[i]
		for j, rs := range group {
			s, err := rs.surface(kind)
			if err != nil {
				return nil, fmt.Errorf("%s %d: %w", kind, j, err)
			}
			rp.surfaces = append(rp.surfaces, s)
		}
	}
	return rp, nil
}

func (rs rawSurface) surface(kind string) (roomSurface, error) {
	s := roomSurface{kind: kind, identifier: rs.Identifier, category: kind, transform: identity()}
	if len(rs.Dimensions) != 3 {
		return s, fmt.Errorf("dimensions must have 3 values, has %d", len(rs.Dimensions))
	}
	for i, d := range rs.Dimensions {
		if d < 0 {
			return s, errors.New("negative dimension")
		}
		s.dimensions[i] = d
	}
	if len(rs.Transform) > 0 {
		flat, err := decodeTransform(rs.Transform)
		if err != nil {
			return s, err
		}
		s.transform = fromRowVector(flat)
	}
	if c := decodeCategory(rs.Category); c != "" {
		s.category = c
	}
	return s, nil
}

// decodeTransform accepts a simd_float4x4 encoded either as 16 floats or as
// four columns of four.
func decodeTransform(raw json.RawMessage) ([]float64, error) {
	var flat []float64
	if err := json.Unmarshal(raw, &flat); err == nil {
		if len(flat) != 16 {
			return nil, fmt.Errorf("transform must have 16 values, has %d", len(flat))
		}
		return flat, nil
	}
	flat = make([]float64, 0, 16)
	var cols [][]float64
	if err := json.Unmarshal(raw, &cols); err != nil {
		return nil, fmt.Errorf("transform: %w", err)
	}
	if len(cols) != 4 {
		return nil, fmt.Errorf("transform must have 4 columns, has %d", len(cols))
	}
	for _, c := range cols {
		if len(c) != 4 {
			return nil, errors.New("transform columns must have 4 values")
		}
		flat = append(flat, c...)
	}
	return flat, nil
}

// decodeCategory reads Swift's enum encoding ({"door": {"isOpen": true}})
// or a plain string.
func decodeCategory(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil || len(obj) == 0 {
		return ""
	}
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys[0]
}

func (s roomSurface) center() [3]float64 {
	return [3]float64{s.transform[0][3], s.transform[1][3], s.transform[2][3]}
}

type roomPlanExtras struct {
	Version    int             `json:"version,omitempty"`
	Identifier string          `json:"identifier,omitempty"`
	Counts     map[string]int  `json:"counts"`
	Surfaces   []surfaceExtras `json:"surfaces"`
}

type surfaceExtras struct {
	Kind       string     `json:"kind"`
	Identifier string     `json:"identifier,omitempty"`
	Category   string     `json:"category"`
	Center     [3]float64 `json:"center"`
	Dimensions [3]float64 `json:"dimensions"`
}

// extras summarises the capture for the scene root's extras.
func (rp *roomPlan) extras() roomPlanExtras {
	ex := roomPlanExtras{
		Version:    rp.version,
		Identifier: rp.identifier,
		Counts:     make(map[string]int, len(roomPlanKinds)),
		Surfaces:   make([]surfaceExtras, 0, len(rp.surfaces)),
	}
	for _, k := range roomPlanKinds {
		ex.Counts[k+"s"] = 0
	}
	for _, s := range rp.surfaces {
		ex.Counts[s.kind+"s"]++
		ex.Surfaces = append(ex.Surfaces, surfaceExtras{
			Kind:       s.kind,
			Identifier: s.identifier,
			Category:   s.category,
			Center:     round3(s.center()),
			Dimensions: round3(s.dimensions),
		})
	}
	return ex
}

func round3(v [3]float64) [3]float64 {
	for i := range v {
		v[i] = math.Round(v[i]*1e4) / 1e4
	}
	return v
}

const minThickness = 0.02

var kindMaterials = map[string]material{
	"wall":   {name: "Wall", baseColor: [4]float64{0.86, 0.85, 0.82, 1}, roughness: 0.9},
	"door":   {name: "Door", baseColor: [4]float64{0.55, 0.38, 0.24, 1}, roughness: 0.7},
	"window": {name: "Window", baseColor: [4]float64{0.62, 0.78, 0.92, 0.35}, roughness: 0.1},
	"floor":  {name: "Floor", baseColor: [4]float64{0.58, 0.54, 0.5, 1}, roughness: 0.8},
	"object": {name: "Object", baseColor: [4]float64{0.7, 0.7, 0.74, 1}, roughness: 0.6},
}

// synthesize builds box geometry for every captured surface and object.
// Openings are holes and produce no geometry.
func (rp *roomPlan) synthesize() *scene {
	sc := &scene{name: "Room"}
	matIdx := make(map[string]int)
	groups := make(map[string]*sceneNode)

	for i, s := range rp.surfaces {
		mat, ok := kindMaterials[s.kind]
		if !ok {
			continue
		}
		thin := 0
		dims := s.dimensions
		for j := range dims {
			if dims[j] < minThickness {
				dims[j] = minThickness
				thin++
			}
		}
		if thin > 1 {
			continue
		}

		idx, seen := matIdx[s.kind]
		if !seen {
			idx = len(sc.materials)
			sc.materials = append(sc.materials, mat)
			matIdx[s.kind] = idx
		}
		group, ok := groups[s.kind]
		if !ok {
			group = &sceneNode{name: strings.ToUpper(s.kind[:1]) + s.kind[1:] + "s"}
			groups[s.kind] = group
			sc.nodes = append(sc.nodes, group)
		}
		name := s.identifier
		if name == "" {
			name = fmt.Sprintf("%s-%d", s.kind, i)
		}
		group.children = append(group.children, &sceneNode{name: name, mesh: box(name, dims, s.transform, idx)})
	}
	if len(sc.nodes) == 0 {
		return nil
	}
	return sc
}

var boxFaces = [6]struct {
	normal [3]float64
	// corners as signs of the half extents, counter-clockwise seen from outside
	corners [4][3]float64
}{
	{[3]float64{1, 0, 0}, [4][3]float64{{1, -1, 1}, {1, -1, -1}, {1, 1, -1}, {1, 1, 1}}},
	{[3]float64{-1, 0, 0}, [4][3]float64{{-1, -1, -1}, {-1, -1, 1}, {-1, 1, 1}, {-1, 1, -1}}},
	{[3]float64{0, 1, 0}, [4][3]float64{{-1, 1, 1}, {1, 1, 1}, {1, 1, -1}, {-1, 1, -1}}},
	{[3]float64{0, -1, 0}, [4][3]float64{{-1, -1, -1}, {1, -1, -1}, {1, -1, 1}, {-1, -1, 1}}},
	{[3]float64{0, 0, 1}, [4][3]float64{{-1, -1, 1}, {1, -1, 1}, {1, 1, 1}, {-1, 1, 1}}},
	{[3]float64{0, 0, -1}, [4][3]float64{{1, -1, -1}, {-1, -1, -1}, {-1, 1, -1}, {1, 1, -1}}},
}

func box(name string, dims [3]float64, xf mat4, mat int) *meshData {
	m := &meshData{name: name, material: mat}
	nm, ok := xf.normalMatrix()
	if !ok {
		nm = identity()
	}
	half := [3]float64{dims[0] / 2, dims[1] / 2, dims[2] / 2}
	for _, f := range boxFaces {
		base := uint32(len(m.positions))
		n := to32(normalize(nm.direction(f.normal)))
		for _, c := range f.corners {
			p := xf.point([3]float64{c[0] * half[0], c[1] * half[1], c[2] * half[2]})
			m.positions = append(m.positions, to32(p))
			m.normals = append(m.normals, n)
		}
		m.indices = append(m.indices, base, base+1, base+2, base, base+2, base+3)
	}
	return m
}
