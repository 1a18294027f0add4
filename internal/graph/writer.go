// Package graph persists extracted knowledge into Neo4j. The writer is an
// optional pipeline sink; the extraction pipeline runs fully without it.
package graph

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/rdelgatto/graphscribe/internal/config"
	"github.com/rdelgatto/graphscribe/pkg/models"
)

const connectTimeout = 10 * time.Second

// Writer MERGEs episodes, segments, entities and relations into Neo4j so
// repeated runs over the same checkpointed data stay idempotent.
type Writer struct {
	driver   neo4j.DriverWithContext
	database string
	logger   *slog.Logger
}

// NewWriter connects to Neo4j and verifies connectivity before returning.
func NewWriter(ctx context.Context, cfg config.GraphConfig, password string, logger *slog.Logger) (*Writer, error) {
	if logger == nil {
		logger = slog.Default()
	}
	user := cfg.Username
	if user == "" {
		user = "neo4j"
	}

	driver, err := neo4j.NewDriverWithContext(cfg.URI, neo4j.BasicAuth(user, password, ""), func(c *neo4j.Config) {
		c.SocketConnectTimeout = connectTimeout
	})
	if err != nil {
		return nil, fmt.Errorf("init neo4j driver: %w", err)
	}

	verifyCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	if err := driver.VerifyConnectivity(verifyCtx); err != nil {
		_ = driver.Close(ctx)
		return nil, fmt.Errorf("verify neo4j connectivity: %w", err)
	}

	logger.Info("Connected to Neo4j", "uri", cfg.URI, "database", cfg.Database)
	return &Writer{driver: driver, database: cfg.Database, logger: logger}, nil
}

// WriteExtraction merges one segment's extraction into the graph. Writing
// the same extraction twice produces no duplicate nodes or relationships.
func (w *Writer) WriteExtraction(ctx context.Context, episodeID, segmentID string, ex models.Extraction) error {
	session := w.driver.NewSession(ctx, neo4j.SessionConfig{DatabaseName: w.database})
	defer func() { _ = session.Close(ctx) }()

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		if _, err := tx.Run(ctx, `
			MERGE (e:Episode {id: $episodeID})
			MERGE (s:Segment {id: $segmentID})
			MERGE (e)-[:HAS_SEGMENT]->(s)`,
			map[string]any{"episodeID": episodeID, "segmentID": segmentID}); err != nil {
			return nil, err
		}

		for _, entity := range ex.Entities {
			if _, err := tx.Run(ctx, `
				MERGE (n:Entity {name: $name})
				SET n.type = $type, n.description = coalesce($description, n.description)
				WITH n
				MATCH (s:Segment {id: $segmentID})
				MERGE (s)-[:MENTIONS]->(n)`,
				map[string]any{
					"name":        entity.Name,
					"type":        entity.Type,
					"description": entity.Description,
					"segmentID":   segmentID,
				}); err != nil {
				return nil, err
			}
		}

		for _, rel := range ex.Relations {
			if _, err := tx.Run(ctx, `
				MERGE (a:Entity {name: $source})
				MERGE (b:Entity {name: $target})
				MERGE (a)-[r:RELATES_TO {predicate: $predicate}]->(b)`,
				map[string]any{
					"source":    rel.Source,
					"target":    rel.Target,
					"predicate": rel.Predicate,
				}); err != nil {
				return nil, err
			}
		}

		for i, insight := range ex.Insights {
			if _, err := tx.Run(ctx, `
				MATCH (s:Segment {id: $segmentID})
				MERGE (n:Insight {segment_id: $segmentID, ordinal: $ordinal})
				SET n.text = $text
				MERGE (s)-[:YIELDS]->(n)`,
				map[string]any{
					"segmentID": segmentID,
					"ordinal":   i,
					"text":      insight,
				}); err != nil {
				return nil, err
			}
		}
		return nil, nil
	})
	if err != nil {
		return fmt.Errorf("write extraction for %s/%s: %w", episodeID, segmentID, err)
	}
	return nil
}

// Close releases the driver.
func (w *Writer) Close(ctx context.Context) error {
	if w == nil || w.driver == nil {
		return nil
	}
	return w.driver.Close(ctx)
}
