// Package neo4j persists the node store in a Neo4j database. Each record is
// a :ContentNode carrying its CBOR body, linked to its parent by a :CHILD
// relationship so the hierarchy can be browsed with Cypher.
package neo4j

import (
	"context"
	"fmt"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/systemshift/contentrepo/internal/content/codec"
	"github.com/systemshift/contentrepo/internal/content/store"
)

// Config holds Neo4j connection configuration
type Config struct {
	URI      string
	Username string
	Password string
	Database string
}

// Backend implements store.Backend on Neo4j
type Backend struct {
	driver   neo4j.DriverWithContext
	database string
}

// New connects to Neo4j and creates the constraints the backend relies on
func New(ctx context.Context, cfg Config) (*Backend, error) {
	driver, err := neo4j.NewDriverWithContext(
		cfg.URI,
		neo4j.BasicAuth(cfg.Username, cfg.Password, ""),
	)
	if err != nil {
		return nil, fmt.Errorf("creating neo4j driver: %w", err)
	}

	// Verify connectivity
	if err := driver.VerifyConnectivity(ctx); err != nil {
		driver.Close(ctx)
		return nil, fmt.Errorf("connecting to neo4j: %w", err)
	}

	database := cfg.Database
	if database == "" {
		database = "neo4j"
	}
	b := &Backend{driver: driver, database: database}
	if err := b.ensureConstraints(ctx); err != nil {
		driver.Close(ctx)
		return nil, err
	}
	return b, nil
}

func (b *Backend) session(ctx context.Context) neo4j.SessionWithContext {
	return b.driver.NewSession(ctx, neo4j.SessionConfig{DatabaseName: b.database})
}

func (b *Backend) ensureConstraints(ctx context.Context) error {
	session := b.session(ctx)
	defer session.Close(ctx)

	statements := []string{
		`CREATE CONSTRAINT content_node_key IF NOT EXISTS FOR (n:ContentNode) REQUIRE (n.workspace, n.id) IS UNIQUE`,
		`CREATE CONSTRAINT content_blob_key IF NOT EXISTS FOR (b:Blob) REQUIRE (b.kind, b.id) IS UNIQUE`,
	}
	for _, stmt := range statements {
		if _, err := session.Run(ctx, stmt, nil); err != nil {
			return fmt.Errorf("creating constraint: %w", err)
		}
	}
	return nil
}

// Close closes the Neo4j connection
func (b *Backend) Close() error {
	return b.driver.Close(context.Background())
}

// Load reads every node and blob
func (b *Backend) Load(ctx context.Context) (*store.Image, error) {
	session := b.session(ctx)
	defer session.Close(ctx)

	result, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		img := store.NewImage()

		res, err := tx.Run(ctx, `MATCH (m:StoreMeta {key: 'seq'}) RETURN m.value AS seq`, nil)
		if err != nil {
			return nil, err
		}
		if res.Next(ctx) {
			seq, _ := res.Record().Get("seq")
			if v, ok := seq.(int64); ok {
				img.Seq = uint64(v)
			}
		}

		res, err = tx.Run(ctx, `MATCH (n:ContentNode) RETURN n.workspace AS ws, n.body AS body`, nil)
		if err != nil {
			return nil, err
		}
		for res.Next(ctx) {
			record := res.Record()
			ws, _ := record.Get("ws")
			raw, _ := record.Get("body")
			body, ok := raw.([]byte)
			if !ok {
				return nil, fmt.Errorf("content node without body in %v", ws)
			}
			var rec store.NodeRecord
			if err := codec.Unmarshal(body, &rec); err != nil {
				return nil, fmt.Errorf("decoding node: %w", err)
			}
			if rec.Properties == nil {
				rec.Properties = make(map[string]store.PropertyRecord)
			}
			img.Put(ws.(string), &rec)
		}
		if err := res.Err(); err != nil {
			return nil, err
		}

		res, err = tx.Run(ctx, `MATCH (b:Blob) RETURN b.kind AS kind, b.id AS id, b.data AS data`, nil)
		if err != nil {
			return nil, err
		}
		for res.Next(ctx) {
			record := res.Record()
			kind, _ := record.Get("kind")
			id, _ := record.Get("id")
			data, _ := record.Get("data")
			bytes, _ := data.([]byte)
			img.Blobs[store.BlobKey{Kind: kind.(string), ID: id.(string)}] = bytes
		}
		return img, res.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("loading from neo4j: %w", err)
	}
	return result.(*store.Image), nil
}

// Apply writes one commit in a single write transaction
func (b *Backend) Apply(ctx context.Context, cs *store.ChangeSet) error {
	session := b.session(ctx)
	defer session.Close(ctx)

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		var puts []store.NodeChange
		for _, c := range cs.Nodes {
			if c.Record == nil {
				query := `MATCH (n:ContentNode {workspace: $ws, id: $id}) DETACH DELETE n`
				if _, err := tx.Run(ctx, query, map[string]any{"ws": c.Workspace, "id": c.ID}); err != nil {
					return nil, fmt.Errorf("deleting node %s: %w", c.ID, err)
				}
				continue
			}
			body, err := codec.Marshal(c.Record)
			if err != nil {
				return nil, fmt.Errorf("encoding node %s: %w", c.ID, err)
			}
			query := `
				MERGE (n:ContentNode {workspace: $ws, id: $id})
				SET n.parentId = $parent_id,
				    n.name = $name,
				    n.primaryType = $primary_type,
				    n.revision = $revision,
				    n.body = $body
			`
			params := map[string]any{
				"ws":           c.Workspace,
				"id":           c.ID,
				"parent_id":    c.Record.ParentID,
				"name":         c.Record.Name,
				"primary_type": c.Record.PrimaryType,
				"revision":     int64(c.Record.Revision),
				"body":         body,
			}
			if _, err := tx.Run(ctx, query, params); err != nil {
				return nil, fmt.Errorf("writing node %s: %w", c.ID, err)
			}
			puts = append(puts, c)
		}

		// parents may be written later in the same commit, so link last
		for _, c := range puts {
			if c.Record.IsRoot() {
				continue
			}
			query := `
				MATCH (n:ContentNode {workspace: $ws, id: $id})
				OPTIONAL MATCH (:ContentNode)-[old:CHILD]->(n)
				DELETE old
				WITH n
				MATCH (p:ContentNode {workspace: $ws, id: $parent_id})
				MERGE (p)-[:CHILD]->(n)
			`
			params := map[string]any{"ws": c.Workspace, "id": c.ID, "parent_id": c.Record.ParentID}
			if _, err := tx.Run(ctx, query, params); err != nil {
				return nil, fmt.Errorf("linking node %s: %w", c.ID, err)
			}
		}

		for _, bl := range cs.Blobs {
			params := map[string]any{"kind": bl.Kind, "id": bl.ID}
			query := `MATCH (b:Blob {kind: $kind, id: $id}) DELETE b`
			if bl.Data != nil {
				query = `MERGE (b:Blob {kind: $kind, id: $id}) SET b.data = $data`
				params["data"] = bl.Data
			}
			if _, err := tx.Run(ctx, query, params); err != nil {
				return nil, fmt.Errorf("writing blob %s/%s: %w", bl.Kind, bl.ID, err)
			}
		}

		_, err := tx.Run(ctx, `MERGE (m:StoreMeta {key: 'seq'}) SET m.value = $seq`, map[string]any{"seq": int64(cs.Seq)})
		return nil, err
	})
	return err
}

// Reset deletes everything the backend owns. Used by tests against a
// shared database.
func (b *Backend) Reset(ctx context.Context) error {
	session := b.session(ctx)
	defer session.Close(ctx)
	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		_, err := tx.Run(ctx, `MATCH (n) WHERE n:ContentNode OR n:Blob OR n:StoreMeta DETACH DELETE n`, nil)
		return nil, err
	})
	return err
}
