// Package sqlite persists the node store in a single SQLite database file.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	_ "modernc.org/sqlite"

	"github.com/systemshift/contentrepo/internal/content/store"
)

// Backend implements store.Backend using SQLite
type Backend struct {
	db *sql.DB
}

// body is the BSON document kept in nodes.body; the indexed columns are
// stored next to it.
type body struct {
	Mixins     []string                        `bson:"mixins,omitempty"`
	Children   []string                        `bson:"children,omitempty"`
	Properties map[string]store.PropertyRecord `bson:"properties,omitempty"`
}

// New opens (or creates) the database at dbPath
func New(ctx context.Context, dbPath string) (*Backend, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite database: %w", err)
	}
	// one writer at a time; also keeps ":memory:" on a single connection
	db.SetMaxOpenConns(1)

	// Verify connectivity
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("connecting to sqlite: %w", err)
	}

	for _, pragma := range allPragmas() {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("setting pragma: %w", err)
		}
	}

	for _, stmt := range allSchemaStatements() {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("creating schema: %w", err)
		}
	}

	return &Backend{db: db}, nil
}

// Close closes the SQLite connection
func (b *Backend) Close() error {
	return b.db.Close()
}

// Load reads every node and blob.
func (b *Backend) Load(ctx context.Context) (*store.Image, error) {
	img := store.NewImage()

	var seq int64
	err := b.db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = 'seq'`).Scan(&seq)
	if err != nil && err != sql.ErrNoRows {
		return nil, fmt.Errorf("reading sequence: %w", err)
	}
	img.Seq = uint64(seq)

	rows, err := b.db.QueryContext(ctx, `
		SELECT workspace, id, parent_id, name, primary_type, revision, body
		FROM nodes
	`)
	if err != nil {
		return nil, fmt.Errorf("querying nodes: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			ws  string
			rec store.NodeRecord
			raw []byte
			rev int64
		)
		if err := rows.Scan(&ws, &rec.ID, &rec.ParentID, &rec.Name, &rec.PrimaryType, &rev, &raw); err != nil {
			return nil, fmt.Errorf("scanning node: %w", err)
		}
		var doc body
		if err := bson.Unmarshal(raw, &doc); err != nil {
			return nil, fmt.Errorf("decoding node %s: %w", rec.ID, err)
		}
		rec.Revision = uint64(rev)
		rec.Mixins = doc.Mixins
		rec.Children = doc.Children
		rec.Properties = doc.Properties
		if rec.Properties == nil {
			rec.Properties = make(map[string]store.PropertyRecord)
		}
		img.Put(ws, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating nodes: %w", err)
	}

	blobRows, err := b.db.QueryContext(ctx, `SELECT kind, id, data FROM blobs`)
	if err != nil {
		return nil, fmt.Errorf("querying blobs: %w", err)
	}
	defer blobRows.Close()
	for blobRows.Next() {
		var kind, id string
		var data []byte
		if err := blobRows.Scan(&kind, &id, &data); err != nil {
			return nil, fmt.Errorf("scanning blob: %w", err)
		}
		img.Blobs[store.BlobKey{Kind: kind, ID: id}] = data
	}
	return img, blobRows.Err()
}

// Apply writes one commit in a single SQL transaction.
func (b *Backend) Apply(ctx context.Context, cs *store.ChangeSet) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, c := range cs.Nodes {
		if c.Record == nil {
			if _, err := tx.ExecContext(ctx, `DELETE FROM nodes WHERE workspace = ? AND id = ?`, c.Workspace, c.ID); err != nil {
				return fmt.Errorf("deleting node %s: %w", c.ID, err)
			}
			continue
		}
		rec := c.Record
		raw, err := bson.Marshal(body{Mixins: rec.Mixins, Children: rec.Children, Properties: rec.Properties})
		if err != nil {
			return fmt.Errorf("encoding node %s: %w", rec.ID, err)
		}
		query := `
			INSERT INTO nodes (workspace, id, parent_id, name, primary_type, revision, body)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(workspace, id) DO UPDATE SET
				parent_id = excluded.parent_id,
				name = excluded.name,
				primary_type = excluded.primary_type,
				revision = excluded.revision,
				body = excluded.body
		`
		_, err = tx.ExecContext(ctx, query,
			c.Workspace,
			rec.ID,
			rec.ParentID,
			rec.Name,
			rec.PrimaryType,
			int64(rec.Revision),
			raw,
		)
		if err != nil {
			return fmt.Errorf("writing node %s: %w", rec.ID, err)
		}
	}

	for _, bl := range cs.Blobs {
		if bl.Data == nil {
			if _, err := tx.ExecContext(ctx, `DELETE FROM blobs WHERE kind = ? AND id = ?`, bl.Kind, bl.ID); err != nil {
				return fmt.Errorf("deleting blob %s/%s: %w", bl.Kind, bl.ID, err)
			}
			continue
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO blobs (kind, id, data) VALUES (?, ?, ?)
			ON CONFLICT(kind, id) DO UPDATE SET data = excluded.data
		`, bl.Kind, bl.ID, bl.Data)
		if err != nil {
			return fmt.Errorf("writing blob %s/%s: %w", bl.Kind, bl.ID, err)
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO meta (key, value) VALUES ('seq', ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, int64(cs.Seq))
	if err != nil {
		return fmt.Errorf("writing sequence: %w", err)
	}

	return tx.Commit()
}
