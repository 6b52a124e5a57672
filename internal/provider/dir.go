package provider

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"mapview/internal/tiling"
)

var ErrInvalidPattern = errors.New("provider: invalid file pattern")

// DirProvider reads tiles stored as one file each, at paths like
// "/data/tiles/{z}/{x}/{y}.pbf".
type DirProvider struct {
	pattern    string
	rootDir    string
	pathRegexp *regexp.Regexp
}

func NewDirProvider(pattern string) (*DirProvider, error) {
	for _, p := range []string{"{x}", "{y}", "{z}"} {
		if !strings.Contains(pattern, p) {
			return nil, fmt.Errorf("%w: placeholder %v not found", ErrInvalidPattern, p)
		}
	}

	expr := regexp.QuoteMeta(pattern)
	for _, p := range []string{"x", "y", "z"} {
		expr = strings.ReplaceAll(expr, regexp.QuoteMeta("{"+p+"}"), "(?P<"+p+">\\d+)")
	}
	pathRegexp, err := regexp.Compile("^" + expr + "$")
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidPattern, err)
	}

	path0 := formatPattern(pattern, tiling.NewTileKey(0, 0, 0))
	path1 := formatPattern(pattern, tiling.NewTileKey(1, 1, 1))
	for path0 != path1 {
		path0 = filepath.Dir(path0)
		path1 = filepath.Dir(path1)
	}

	return &DirProvider{pattern: pattern, rootDir: path0, pathRegexp: pathRegexp}, nil
}

func formatPattern(pattern string, key tiling.TileKey) string {
	r := strings.NewReplacer(
		"{x}", strconv.FormatUint(uint64(key.Column), 10),
		"{y}", strconv.FormatUint(uint64(key.Row), 10),
		"{z}", strconv.FormatUint(uint64(key.Level), 10),
	)
	return r.Replace(pattern)
}

func (p *DirProvider) GetTile(ctx context.Context, key tiling.TileKey) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(formatPattern(p.pattern, key))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return data, nil
}

// WriteTile stores data at the path of key, creating directories as needed.
func (p *DirProvider) WriteTile(key tiling.TileKey, data []byte) error {
	path := formatPattern(p.pattern, key)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

func (p *DirProvider) VisitTiles(ctx context.Context, visit func(tiling.TileKey, []byte) error) error {
	return filepath.WalkDir(p.rootDir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}

		matches := p.pathRegexp.FindStringSubmatch(path)
		if matches == nil {
			return nil
		}
		x, _ := strconv.ParseUint(matches[p.pathRegexp.SubexpIndex("x")], 10, 32)
		y, _ := strconv.ParseUint(matches[p.pathRegexp.SubexpIndex("y")], 10, 32)
		z, _ := strconv.ParseUint(matches[p.pathRegexp.SubexpIndex("z")], 10, 32)

		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		return visit(tiling.NewTileKey(uint32(y), uint32(x), uint32(z)), data)
	})
}

func (p *DirProvider) Close() error { return nil }
