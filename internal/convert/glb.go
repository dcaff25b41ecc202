package convert

import (
	"bytes"
	"fmt"

	"github.com/qmuntal/gltf"
	"github.com/qmuntal/gltf/modeler"
)

// Generator is written to the asset header. It carries no version or
// timestamp so identical input produces identical bytes.
const Generator = "roomscan-convert"

func encodeGLB(sc *scene) ([]byte, error) {
	doc := &gltf.Document{
		Asset:   gltf.Asset{Generator: Generator, Version: "2.0"},
		Scene:   gltf.Index(0),
		Buffers: []*gltf.Buffer{new(gltf.Buffer)},
	}
	for _, m := range sc.materials {
		doc.Materials = append(doc.Materials, gltfMaterial(m))
	}

	name := sc.name
	if name == "" {
		name = "Scene"
	}
	root := &gltf.Node{Name: "root"}
	if len(sc.extras) > 0 {
		root.Extras = sc.extras
	}
	doc.Nodes = append(doc.Nodes, root)
	for _, n := range sc.nodes {
		root.Children = append(root.Children, addNode(doc, n))
	}
	doc.Scenes = []*gltf.Scene{{Name: name, Nodes: []int{0}}}

	var buf bytes.Buffer
	enc := gltf.NewEncoder(&buf)
	enc.AsBinary = true
	if err := enc.Encode(doc); err != nil {
		return nil, fmt.Errorf("encode glb: %w", err)
	}
	return buf.Bytes(), nil
}

func addNode(doc *gltf.Document, n *sceneNode) int {
	node := &gltf.Node{Name: n.name}
	if n.usdPath != "" {
		node.Extras = map[string]any{"usdPath": n.usdPath}
	}
	idx := len(doc.Nodes)
	doc.Nodes = append(doc.Nodes, node)
	if n.mesh != nil {
		node.Mesh = gltf.Index(addMesh(doc, n.mesh))
	}
	for _, c := range n.children {
		node.Children = append(node.Children, addNode(doc, c))
	}
	return idx
}

func addMesh(doc *gltf.Document, m *meshData) int {
	prim := &gltf.Primitive{
		Attributes: map[string]int{
			gltf.POSITION: modeler.WritePosition(doc, m.positions),
		},
		Indices: gltf.Index(writeIndices(doc, m.indices, len(m.positions))),
	}
	if len(m.normals) == len(m.positions) {
		prim.Attributes[gltf.NORMAL] = modeler.WriteNormal(doc, m.normals)
	}
	if m.material >= 0 {
		prim.Material = gltf.Index(m.material)
	}
	doc.Meshes = append(doc.Meshes, &gltf.Mesh{Name: m.name, Primitives: []*gltf.Primitive{prim}})
	return len(doc.Meshes) - 1
}

func writeIndices(doc *gltf.Document, indices []uint32, vertexCount int) int {
	if vertexCount <= 0xFFFF {
		short := make([]uint16, len(indices))
		for i, v := range indices {
			short[i] = uint16(v)
		}
		return modeler.WriteIndices(doc, short)
	}
	return modeler.WriteIndices(doc, indices)
}

func gltfMaterial(m material) *gltf.Material {
	color := m.baseColor
	metallic, roughness := m.metallic, m.roughness
	gm := &gltf.Material{
		Name: m.name,
		PBRMetallicRoughness: &gltf.PBRMetallicRoughness{
			BaseColorFactor: &color,
			MetallicFactor:  &metallic,
			RoughnessFactor: &roughness,
		},
		AlphaMode: gltf.AlphaOpaque,
	}
	if color[3] < 1 {
		gm.AlphaMode = gltf.AlphaBlend
	}
	return gm
}
