package provider

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/multierr"

	"mapview/internal/tiling"
)

// MBTilesProvider reads tiles from an MBTiles SQLite database. Rows are stored
// in TMS order, flipped on access.
type MBTilesProvider struct {
	db   *sql.DB
	stmt *sql.Stmt
}

func NewMBTilesProvider(path string) (*MBTilesProvider, error) {
	db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?mode=ro", path))
	if err != nil {
		return nil, err
	}

	stmt, err := db.Prepare("SELECT tile_data FROM tiles WHERE zoom_level = ? AND tile_column = ? AND tile_row = ?")
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("open %s: %w", path, err)
	}

	return &MBTilesProvider{db: db, stmt: stmt}, nil
}

func tmsRow(key tiling.TileKey) uint32 {
	return (1 << key.Level) - 1 - key.Row
}

func (p *MBTilesProvider) GetTile(ctx context.Context, key tiling.TileKey) ([]byte, error) {
	var data []byte
	err := p.stmt.QueryRowContext(ctx, key.Level, key.Column, tmsRow(key)).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (p *MBTilesProvider) Metadata(ctx context.Context) (map[string]string, error) {
	rows, err := p.db.QueryContext(ctx, "SELECT name, value FROM metadata")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	metadata := make(map[string]string)
	for rows.Next() {
		var name, value string
		if err := rows.Scan(&name, &value); err != nil {
			return nil, err
		}
		metadata[name] = value
	}
	return metadata, rows.Err()
}

func (p *MBTilesProvider) VisitTiles(ctx context.Context, visit func(tiling.TileKey, []byte) error) error {
	rows, err := p.db.QueryContext(ctx, "SELECT zoom_level, tile_column, tile_row, tile_data FROM tiles")
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var z, x, y uint32
		var data []byte
		if err := rows.Scan(&z, &x, &y, &data); err != nil {
			return err
		}
		y = (1 << z) - 1 - y // TMS -> XYZ
		if err := visit(tiling.NewTileKey(y, x, z), data); err != nil {
			return err
		}
	}
	return rows.Err()
}

func (p *MBTilesProvider) Close() error {
	return multierr.Combine(p.stmt.Close(), p.db.Close())
}

// MBTilesWriter creates an MBTiles database.
type MBTilesWriter struct {
	db   *sql.DB
	stmt *sql.Stmt
}

func NewMBTilesWriter(path string, metadata map[string]string) (_ *MBTilesWriter, err error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			db.Close()
		}
	}()

	_, err = db.Exec(`
		CREATE TABLE metadata (name TEXT, value TEXT);
		CREATE TABLE tiles (
			zoom_level INTEGER,
			tile_column INTEGER,
			tile_row INTEGER,
			tile_data BLOB
		);
	`)
	if err != nil {
		return nil, err
	}

	for k, v := range metadata {
		if _, err = db.Exec("INSERT INTO metadata (name, value) VALUES (?, ?)", k, v); err != nil {
			return nil, err
		}
	}

	stmt, err := db.Prepare("INSERT INTO tiles (zoom_level, tile_column, tile_row, tile_data) VALUES (?, ?, ?, ?)")
	if err != nil {
		return nil, err
	}
	return &MBTilesWriter{db: db, stmt: stmt}, nil
}

func (w *MBTilesWriter) WriteTile(key tiling.TileKey, data []byte) error {
	_, err := w.stmt.Exec(key.Level, key.Column, tmsRow(key), data)
	return err
}

// Close builds the tile index and closes the database.
func (w *MBTilesWriter) Close() error {
	_, err := w.db.Exec("CREATE UNIQUE INDEX tile_index ON tiles (zoom_level, tile_column, tile_row)")
	return multierr.Combine(err, w.stmt.Close(), w.db.Close())
}
