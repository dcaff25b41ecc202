// Package convert turns a RoomPlan USDZ capture into a binary glTF (GLB)
// model. The engine is stateless and safe for concurrent use.
package convert

import (
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strings"

	"github.com/kiranshivaraju/roomscan/internal/convert/usda"
	"github.com/zeebo/blake3"
)

// Options tune a single conversion.
type Options struct {
	// MaxFileSize rejects larger inputs before any parsing. Zero disables the check.
	MaxFileSize int64
	// EnableFallback allows a degraded model instead of a failure.
	EnableFallback bool
	// RoomPlanJSON is the optional capture sidecar. Its contents are merged
	// into the model's metadata and never cause a failure.
	RoomPlanJSON []byte
}

// Fallback strategies reported in Stats.
const (
	FallbackGeometryOnly = "geometry-only"
	FallbackRoomPlan     = "roomplan"
)

// Stats describe the emitted model.
type Stats struct {
	Meshes    int    `json:"meshes"`
	Triangles int    `json:"triangles"`
	Vertices  int    `json:"vertices"`
	Materials int    `json:"materials"`
	Surfaces  int    `json:"surfaces"`
	Fallback  string `json:"fallback,omitempty"`
}

// Result is the outcome of a conversion. GLB is set iff Success; Err is set
// iff not. Warning may accompany a successful degraded conversion.
type Result struct {
	Success bool
	GLB     []byte
	Err     *Error
	Warning string
	// Digest is the BLAKE3 hex digest of GLB.
	Digest string
	Stats  Stats
}

// Converter is implemented by Engine and by test doubles.
type Converter interface {
	Convert(usdz []byte, fileName string, opts Options) Result
}

// Engine converts USDZ packages.
type Engine struct{}

// NewEngine creates an Engine.
func NewEngine() *Engine {
	return &Engine{}
}

// Convert never panics; unexpected failures are reported as CodeUnknown.
func (e *Engine) Convert(usdz []byte, fileName string, opts Options) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("panic in converter", "file", fileName, "panic", r)
			res = failed(newError(CodeUnknown, "panic: %v", r))
		}
	}()

	if opts.MaxFileSize > 0 && int64(len(usdz)) > opts.MaxFileSize {
		return failed(tooLarge(int64(len(usdz)), opts.MaxFileSize))
	}
	layer, cerr := readRootLayer(usdz, layerLimit(opts.MaxFileSize))
	if cerr != nil {
		return failed(cerr)
	}

	var warnings []string
	var room *roomPlan
	if len(opts.RoomPlanJSON) > 0 {
		rp, err := parseRoomPlan(opts.RoomPlanJSON)
		if err != nil {
			warnings = append(warnings, "RoomPlan metadata was ignored because it could not be read")
			slog.Warn("roomplan sidecar ignored", "file", fileName, "error", err)
		} else {
			room = rp
		}
	}

	stage, sc, cerr := primary(layer)
	fallback := ""
	if cerr != nil {
		if !opts.EnableFallback {
			return failed(cerr)
		}
		var warning string
		sc, fallback, warning = degraded(stage, room)
		if sc == nil {
			return failed(cerr)
		}
		slog.Warn("conversion fell back", "file", fileName, "strategy", fallback, "cause", cerr.Error())
		warnings = append(warnings, warning)
	}

	if sc.name == "" {
		sc.name = strings.TrimSuffix(path.Base(fileName), path.Ext(fileName))
	}
	if room != nil {
		sc.extras = map[string]any{"roomplan": room.extras()}
	}

	glb, err := encodeGLB(sc)
	if err != nil {
		return failed(newError(CodeUnknown, "%v", err))
	}
	sum := blake3.Sum256(glb)

	stats := sc.stats()
	stats.Fallback = fallback
	if room != nil {
		stats.Surfaces = len(room.surfaces)
	}
	return Result{
		Success: true,
		GLB:     glb,
		Warning: strings.Join(warnings, "; "),
		Digest:  hex.EncodeToString(sum[:]),
		Stats:   stats,
	}
}

func failed(err *Error) Result {
	return Result{Err: err}
}

// primary reads the root layer with materials and full validation. The
// parsed stage is returned even when the scene cannot be built so the
// fallback can re-read it.
func primary(layer rootLayer) (*usda.Stage, *scene, *Error) {
	if layer.crate {
		return nil, nil, newError(CodeUnsupportedSchema, "%s is a binary crate layer", layer.name)
	}
	stage, err := usda.Parse(layer.data)
	if errors.Is(err, usda.ErrNotText) {
		return nil, nil, newError(CodeUnsupportedSchema, "%s is not a text layer", layer.name)
	}
	if err != nil {
		return nil, nil, newError(CodeUnsupportedSchema, "parse %s: %v", layer.name, err)
	}
	sc, _, cerr := buildScene(stage, buildStrict)
	if cerr != nil {
		return stage, nil, cerr
	}
	return stage, sc, nil
}

// degraded tries a geometry-only re-read, then box geometry from the
// RoomPlan capture.
func degraded(stage *usda.Stage, room *roomPlan) (*scene, string, string) {
	if stage != nil {
		sc, skipped, err := buildScene(stage, buildGeometryOnly)
		if err == nil {
			warning := "Model converted without materials"
			if len(skipped) > 0 {
				warning += fmt.Sprintf("; %d unreadable part(s) were left out", len(skipped))
			}
			return sc, FallbackGeometryOnly, warning
		}
	}
	if room != nil {
		if sc := room.synthesize(); sc != nil {
			return sc, FallbackRoomPlan, "Scan geometry could not be read; the model was rebuilt from RoomPlan room data"
		}
	}
	return nil, "", ""
}
