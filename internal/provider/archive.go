package provider

import (
	"bufio"
	"cmp"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"

	"go.uber.org/multierr"

	"mapview/internal/tiling"
)

// Archive layout:
//
//	magic "MVTA" | version byte
//	uvarint entry count
//	per entry, sorted by Hilbert tile code: uvarint code delta | uvarint length
//	tile data, concatenated in entry order
const (
	archiveMagic   = "MVTA"
	archiveVersion = 1
)

var ErrInvalidArchive = errors.New("provider: invalid tile archive")

type archiveEntry struct {
	code   uint64
	offset int64
	length int64
}

// ArchiveProvider reads tiles from a single-file archive. The directory is
// loaded once; tile data is read on demand.
type ArchiveProvider struct {
	file    *os.File
	entries []archiveEntry
}

type countingReader struct {
	r *bufio.Reader
	n int64
}

func (c *countingReader) ReadByte() (byte, error) {
	b, err := c.r.ReadByte()
	if err == nil {
		c.n++
	}
	return b, err
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

func NewArchiveProvider(path string) (*ArchiveProvider, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	entries, err := readArchiveDirectory(file)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return &ArchiveProvider{file: file, entries: entries}, nil
}

func readArchiveDirectory(r io.Reader) ([]archiveEntry, error) {
	cr := &countingReader{r: bufio.NewReader(r)}

	header := make([]byte, len(archiveMagic)+1)
	if _, err := io.ReadFull(cr, header); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidArchive, err)
	}
	if string(header[:len(archiveMagic)]) != archiveMagic {
		return nil, fmt.Errorf("%w: bad magic", ErrInvalidArchive)
	}
	if header[len(archiveMagic)] != archiveVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrInvalidArchive, header[len(archiveMagic)])
	}

	count, err := binary.ReadUvarint(cr)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidArchive, err)
	}

	entries := make([]archiveEntry, 0, min(count, 1<<20))
	var code uint64
	var offset int64
	for range count {
		delta, err := binary.ReadUvarint(cr)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidArchive, err)
		}
		length, err := binary.ReadUvarint(cr)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidArchive, err)
		}
		code += delta
		entries = append(entries, archiveEntry{code: code, offset: offset, length: int64(length)})
		offset += int64(length)
	}

	for i := range entries {
		entries[i].offset += cr.n
	}
	return entries, nil
}

func (p *ArchiveProvider) GetTile(ctx context.Context, key tiling.TileKey) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	i, found := slices.BinarySearchFunc(p.entries, key.HilbertCode(), func(e archiveEntry, code uint64) int {
		return cmp.Compare(e.code, code)
	})
	if !found {
		return nil, nil
	}
	return p.read(p.entries[i])
}

func (p *ArchiveProvider) read(e archiveEntry) ([]byte, error) {
	data := make([]byte, e.length)
	if _, err := p.file.ReadAt(data, e.offset); err != nil {
		return nil, fmt.Errorf("read tile %d: %w", e.code, err)
	}
	return data, nil
}

// Len returns the number of tiles in the archive.
func (p *ArchiveProvider) Len() int { return len(p.entries) }

func (p *ArchiveProvider) VisitTiles(ctx context.Context, visit func(tiling.TileKey, []byte) error) error {
	for _, e := range p.entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		data, err := p.read(e)
		if err != nil {
			return err
		}
		if err := visit(tiling.TileKeyFromHilbertCode(e.code), data); err != nil {
			return err
		}
	}
	return nil
}

func (p *ArchiveProvider) Close() error {
	return p.file.Close()
}

// ArchiveWriter collects tiles and writes the archive on Close. Writing the
// same key twice keeps the last data; empty tiles are skipped.
type ArchiveWriter struct {
	path  string
	tiles map[uint64][]byte
}

func NewArchiveWriter(path string) *ArchiveWriter {
	return &ArchiveWriter{path: path, tiles: make(map[uint64][]byte)}
}

func (w *ArchiveWriter) WriteTile(key tiling.TileKey, data []byte) error {
	if !key.IsValid() {
		return fmt.Errorf("invalid tile key %s", key)
	}
	if len(data) == 0 {
		return nil
	}
	w.tiles[key.HilbertCode()] = data
	return nil
}

func (w *ArchiveWriter) Close() (err error) {
	codes := make([]uint64, 0, len(w.tiles))
	for code := range w.tiles {
		codes = append(codes, code)
	}
	slices.Sort(codes)

	file, err := os.Create(w.path)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, file.Close()) }()

	bw := bufio.NewWriter(file)
	buf := make([]byte, binary.MaxVarintLen64)
	putUvarint := func(v uint64) {
		n := binary.PutUvarint(buf, v)
		bw.Write(buf[:n])
	}

	bw.WriteString(archiveMagic)
	bw.WriteByte(archiveVersion)
	putUvarint(uint64(len(codes)))
	var prev uint64
	for _, code := range codes {
		putUvarint(code - prev)
		putUvarint(uint64(len(w.tiles[code])))
		prev = code
	}
	for _, code := range codes {
		bw.Write(w.tiles[code])
	}
	return bw.Flush()
}
