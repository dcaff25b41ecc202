package convert

import (
	"bytes"
	"io"
	"path"
	"strings"

	"github.com/klauspost/compress/zip"
)

// A root layer may expand to layerExpansion times the package size limit.
const (
	layerExpansion    = 8
	defaultLayerBytes = 1 << 30
)

var crateMagic = []byte("PXR-USDC")

type rootLayer struct {
	name  string
	data  []byte
	crate bool
}

func layerLimit(maxFileSize int64) int64 {
	if maxFileSize <= 0 {
		return defaultLayerBytes
	}
	return maxFileSize * layerExpansion
}

// readRootLayer opens a USDZ package and returns its first USD layer,
// which the package format defines as the root of the scene. Layers that
// decompress past limit bytes are rejected.
func readRootLayer(b []byte, limit int64) (rootLayer, *Error) {
	zr, err := zip.NewReader(bytes.NewReader(b), int64(len(b)))
	if err != nil {
		return rootLayer{}, newError(CodeInvalidContainer, "open package: %v", err)
	}
	for _, f := range zr.File {
		if f.FileInfo().IsDir() {
			continue
		}
		switch strings.ToLower(path.Ext(f.Name)) {
		case ".usd", ".usda", ".usdc":
		default:
			continue
		}

		if f.UncompressedSize64 > uint64(limit) {
			return rootLayer{}, newError(CodeFileTooLarge, "layer %s declares %d bytes, limit %d", f.Name, f.UncompressedSize64, limit)
		}
		rc, err := f.Open()
		if err != nil {
			return rootLayer{}, newError(CodeInvalidContainer, "open %s: %v", f.Name, err)
		}
		data, err := io.ReadAll(io.LimitReader(rc, limit+1))
		rc.Close()
		if err != nil {
			return rootLayer{}, newError(CodeInvalidContainer, "read %s: %v", f.Name, err)
		}
		if int64(len(data)) > limit {
			return rootLayer{}, newError(CodeFileTooLarge, "layer %s expands past %d bytes", f.Name, limit)
		}
		return rootLayer{name: f.Name, data: data, crate: bytes.HasPrefix(data, crateMagic)}, nil
	}
	return rootLayer{}, newError(CodeInvalidContainer, "package contains no USD layer")
}
