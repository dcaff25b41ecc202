package convert_test

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/klauspost/compress/zip"
	"github.com/kiranshivaraju/roomscan/internal/convert"
	"github.com/qmuntal/gltf"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zeebo/blake3"
)

type entry struct {
	name string
	data []byte
}

// packUSDZ builds an uncompressed zip, the way USDZ packages are stored.
func packUSDZ(t *testing.T, entries ...entry) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	for _, e := range entries {
		f, err := w.CreateHeader(&zip.FileHeader{Name: e.name, Method: zip.Store})
		require.NoError(t, err)
		_, err = f.Write(e.data)
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func fixture(t *testing.T, name string) []byte {
	t.Helper()
	data, err := os.ReadFile(filepath.Join("testdata", name))
	require.NoError(t, err)
	return data
}

func roomUSDZ(t *testing.T) []byte {
	return packUSDZ(t, entry{"room.usda", fixture(t, "room.usda")}, entry{"textures/readme.txt", []byte("x")})
}

func decodeGLB(t *testing.T, glb []byte) *gltf.Document {
	t.Helper()
	doc := new(gltf.Document)
	require.NoError(t, gltf.NewDecoder(bytes.NewReader(glb)).Decode(doc))
	return doc
}

func defaultOpts() convert.Options {
	return convert.Options{MaxFileSize: 10 << 20, EnableFallback: true}
}

func TestConvert_Room(t *testing.T) {
	res := convert.NewEngine().Convert(roomUSDZ(t), "room.usdz", defaultOpts())

	require.True(t, res.Success, "%v", res.Err)
	assert.Nil(t, res.Err)
	assert.Empty(t, res.Warning)
	assert.Empty(t, res.Stats.Fallback)
	assert.Equal(t, 2, res.Stats.Meshes)
	assert.Equal(t, 4, res.Stats.Triangles)
	assert.Equal(t, 2, res.Stats.Materials)

	sum := blake3.Sum256(res.GLB)
	assert.Equal(t, hex.EncodeToString(sum[:]), res.Digest)

	doc := decodeGLB(t, res.GLB)
	assert.Equal(t, convert.Generator, doc.Asset.Generator)
	require.Len(t, doc.Meshes, 2)
	require.Len(t, doc.Materials, 2)

	oak := doc.Materials[0]
	assert.Equal(t, "Oak", oak.Name)
	require.NotNil(t, oak.PBRMetallicRoughness)
	require.NotNil(t, oak.PBRMetallicRoughness.BaseColorFactor)
	color := *oak.PBRMetallicRoughness.BaseColorFactor
	assert.InDelta(t, 0.6, color[0], 1e-6)
	assert.InDelta(t, 0.4, color[1], 1e-6)
	assert.InDelta(t, 0.2, color[2], 1e-6)
	assert.Equal(t, "displayColor", doc.Materials[1].Name)

	_, hasNormals := doc.Meshes[0].Primitives[0].Attributes[gltf.NORMAL]
	assert.True(t, hasNormals)
	_, hasNormals = doc.Meshes[1].Primitives[0].Attributes[gltf.NORMAL]
	assert.False(t, hasNormals)
}

func TestConvert_Deterministic(t *testing.T) {
	in := roomUSDZ(t)
	opts := defaultOpts()
	opts.RoomPlanJSON = fixture(t, "room.json")

	first := convert.NewEngine().Convert(in, "room.usdz", opts)
	require.True(t, first.Success)

	var wg sync.WaitGroup
	results := make([]convert.Result, 4)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = convert.NewEngine().Convert(in, "room.usdz", opts)
		}(i)
	}
	wg.Wait()
	for _, r := range results {
		assert.Equal(t, first.GLB, r.GLB)
		assert.Equal(t, first.Digest, r.Digest)
	}
}

func TestConvert_FileTooLarge(t *testing.T) {
	in := roomUSDZ(t)
	opts := defaultOpts()
	opts.MaxFileSize = int64(len(in) - 1)
	opts.RoomPlanJSON = fixture(t, "room.json")

	res := convert.NewEngine().Convert(in, "room.usdz", opts)
	assert.False(t, res.Success)
	assert.Nil(t, res.GLB)
	require.NotNil(t, res.Err)
	assert.Equal(t, convert.CodeFileTooLarge, res.Err.Code)
	assert.Contains(t, res.Err.Message, "size")
	assert.NotEqual(t, string(res.Err.Code), res.Err.Message)
}

func TestConvert_InvalidContainerNeverFallsBack(t *testing.T) {
	opts := defaultOpts()
	opts.RoomPlanJSON = fixture(t, "room.json")

	cases := map[string][]byte{
		"not a zip":    []byte("definitely not a zip archive"),
		"no usd layer": packUSDZ(t, entry{"texture.png", []byte{0x89, 'P', 'N', 'G'}}),
	}
	for name, in := range cases {
		t.Run(name, func(t *testing.T) {
			res := convert.NewEngine().Convert(in, "x.usdz", opts)
			assert.False(t, res.Success)
			require.NotNil(t, res.Err)
			assert.Equal(t, convert.CodeInvalidContainer, res.Err.Code)
		})
	}
}

func TestConvert_CrateLayer(t *testing.T) {
	in := packUSDZ(t, entry{"scan.usdc", append([]byte("PXR-USDC"), make([]byte, 64)...)})

	res := convert.NewEngine().Convert(in, "scan.usdz", convert.Options{MaxFileSize: 1 << 20})
	assert.False(t, res.Success)
	require.NotNil(t, res.Err)
	assert.Equal(t, convert.CodeUnsupportedSchema, res.Err.Code)

	// With the capture sidecar the room is rebuilt from its surfaces.
	opts := defaultOpts()
	opts.RoomPlanJSON = fixture(t, "room.json")
	res = convert.NewEngine().Convert(in, "scan.usdz", opts)
	require.True(t, res.Success)
	assert.NotEmpty(t, res.Warning)
	assert.Equal(t, convert.FallbackRoomPlan, res.Stats.Fallback)
	assert.Equal(t, 3, res.Stats.Meshes, "wall, door and table; openings have no geometry")
	assert.Equal(t, 4, res.Stats.Surfaces)
}

func TestConvert_GeometryOnlyFallback(t *testing.T) {
	in := packUSDZ(t, entry{"room.usda", fixture(t, "broken_binding.usda")})

	res := convert.NewEngine().Convert(in, "room.usdz", convert.Options{MaxFileSize: 1 << 20})
	assert.False(t, res.Success)
	assert.Equal(t, convert.CodeUnsupportedSchema, res.Err.Code)

	res = convert.NewEngine().Convert(in, "room.usdz", defaultOpts())
	require.True(t, res.Success)
	assert.Equal(t, convert.FallbackGeometryOnly, res.Stats.Fallback)
	assert.Contains(t, res.Warning, "without materials")
	assert.Equal(t, 1, res.Stats.Meshes)
	assert.Equal(t, 0, res.Stats.Materials)

	doc := decodeGLB(t, res.GLB)
	assert.Empty(t, doc.Materials)
}

func TestConvert_EmptyGeometry(t *testing.T) {
	in := packUSDZ(t, entry{"room.usda", fixture(t, "empty.usda")})

	res := convert.NewEngine().Convert(in, "room.usdz", convert.Options{MaxFileSize: 1 << 20, EnableFallback: true})
	assert.False(t, res.Success)
	require.NotNil(t, res.Err)
	assert.Equal(t, convert.CodeEmptyGeometry, res.Err.Code)
}

type roomPlanExtras struct {
	Counts   map[string]int `json:"counts"`
	Surfaces []struct {
		Kind     string     `json:"kind"`
		Category string     `json:"category"`
		Center   [3]float64 `json:"center"`
	} `json:"surfaces"`
}

func rootExtras(t *testing.T, doc *gltf.Document) map[string]json.RawMessage {
	t.Helper()
	root := doc.Nodes[doc.Scenes[*doc.Scene].Nodes[0]]
	raw, err := json.Marshal(root.Extras)
	require.NoError(t, err)
	var out map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(raw, &out))
	return out
}

func TestConvert_RoomPlanIsAdditive(t *testing.T) {
	in := roomUSDZ(t)

	without := convert.NewEngine().Convert(in, "room.usdz", defaultOpts())
	require.True(t, without.Success)

	opts := defaultOpts()
	opts.RoomPlanJSON = fixture(t, "room.json")
	with := convert.NewEngine().Convert(in, "room.usdz", opts)
	require.True(t, with.Success)
	assert.Empty(t, with.Warning)
	assert.Equal(t, without.Stats.Meshes, with.Stats.Meshes)
	assert.Equal(t, 4, with.Stats.Surfaces)

	extras := rootExtras(t, decodeGLB(t, with.GLB))
	var rp roomPlanExtras
	require.NoError(t, json.Unmarshal(extras["roomplan"], &rp))
	assert.Equal(t, 1, rp.Counts["walls"])
	assert.Equal(t, 1, rp.Counts["doors"])
	assert.Equal(t, 1, rp.Counts["openings"])
	assert.Equal(t, 0, rp.Counts["windows"])
	require.Len(t, rp.Surfaces, 4)
	assert.Equal(t, [3]float64{0, 1.25, -3}, rp.Surfaces[0].Center)
	assert.Equal(t, [3]float64{1, 1.05, -3}, rp.Surfaces[1].Center)
	assert.Equal(t, "table", rp.Surfaces[3].Category)
}

func TestConvert_MalformedRoomPlanIsIgnored(t *testing.T) {
	opts := defaultOpts()
	opts.RoomPlanJSON = []byte(`{"walls": [{"dimensions": "tall"}]`)

	res := convert.NewEngine().Convert(roomUSDZ(t), "room.usdz", opts)
	require.True(t, res.Success)
	assert.Contains(t, res.Warning, "RoomPlan")
	assert.Equal(t, 0, res.Stats.Surfaces)
}

func TestConvert_CompressedLayerExpansionIsBounded(t *testing.T) {
	layer := append([]byte("#usda 1.0\n"), bytes.Repeat([]byte(" "), 256<<10)...)
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	f, err := w.CreateHeader(&zip.FileHeader{Name: "room.usda", Method: zip.Deflate})
	require.NoError(t, err)
	_, err = f.Write(layer)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	in := buf.Bytes()
	require.Less(t, len(in)*8, len(layer), "package must compress well")

	res := convert.NewEngine().Convert(in, "room.usdz", convert.Options{MaxFileSize: int64(len(in))})
	assert.False(t, res.Success)
	require.NotNil(t, res.Err)
	assert.Equal(t, convert.CodeFileTooLarge, res.Err.Code)
	assert.Contains(t, res.Err.Message, "too large")

	res = convert.NewEngine().Convert(in, "room.usdz", convert.Options{MaxFileSize: int64(len(layer))})
	require.NotNil(t, res.Err)
	assert.NotEqual(t, convert.CodeFileTooLarge, res.Err.Code, "within the expansion limit the layer is parsed")
}
