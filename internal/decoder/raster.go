package decoder

import (
	"bytes"
	"context"
	"fmt"

	"github.com/cshum/vipsgen/vips"
	"go.uber.org/zap"

	"mapview/internal/tiling"
)

// RasterDecoder decodes image tiles with libvips. vips.Startup must have been
// called by the process.
type RasterDecoder struct {
	log *zap.Logger
}

func NewRasterDecoder(log *zap.Logger) *RasterDecoder {
	return &RasterDecoder{log: log}
}

func (d *RasterDecoder) Connect(context.Context) error { return nil }

func (d *RasterDecoder) Configure(*Theme, map[string]any) error { return nil }

func (d *RasterDecoder) DecodeTile(ctx context.Context, data []byte, key tiling.TileKey, dataSourceName, _ string) (*DecodedTile, error) {
	if len(data) == 0 {
		return EmptyTile(), nil
	}
	format := imageFormat(data)
	if format == "" {
		return nil, fmt.Errorf("decode %s tile %s: %w", dataSourceName, key, ErrUnsupportedImage)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	image, err := vips.NewImageFromBuffer(data, nil)
	if err != nil {
		return nil, fmt.Errorf("decode %s tile %s: %w", dataSourceName, key, err)
	}
	defer image.Close()

	width, height, bands := image.Width(), image.Height(), image.Bands()
	return &DecodedTile{
		Kind:     KindRaster,
		Format:   format,
		Width:    width,
		Height:   height,
		Bands:    bands,
		ByteSize: int64(width) * int64(height) * int64(bands),
	}, nil
}

func (d *RasterDecoder) GetTileInfo(_ context.Context, data []byte, key tiling.TileKey, dataSourceName, _ string) (*TileInfo, error) {
	info := &TileInfo{TileKey: key.MortonCode(), DataSourceName: dataSourceName, Kind: KindEmpty}
	if len(data) == 0 {
		return info, nil
	}
	if imageFormat(data) == "" {
		return nil, fmt.Errorf("tile info %s tile %s: %w", dataSourceName, key, ErrUnsupportedImage)
	}
	info.Kind = KindRaster
	return info, nil
}

func (d *RasterDecoder) Dispose() {}

// imageFormat sniffs the container format from magic bytes.
func imageFormat(data []byte) string {
	switch {
	case bytes.HasPrefix(data, []byte{0x89, 'P', 'N', 'G'}):
		return "png"
	case bytes.HasPrefix(data, []byte{0xff, 0xd8, 0xff}):
		return "jpeg"
	case len(data) >= 12 && bytes.Equal(data[0:4], []byte("RIFF")) && bytes.Equal(data[8:12], []byte("WEBP")):
		return "webp"
	case bytes.HasPrefix(data, []byte("II*\x00")), bytes.HasPrefix(data, []byte("MM\x00*")):
		return "tiff"
	default:
		return ""
	}
}
