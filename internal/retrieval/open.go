package retrieval

import (
	"context"
	"fmt"

	"github.com/kalambet/localrecall/internal/config"
)

// Open builds the VectorStore selected by cfg.Index.Backend.
func Open(ctx context.Context, cfg config.Config) (VectorStore, error) {
	switch cfg.Index.Backend {
	case "", "sqlite":
		return OpenSQLite(cfg.IndexDir(), cfg.Index.Dimension)
	case "chromem":
		return OpenChromem(cfg.IndexDir(), cfg.Index.Collection, cfg.Index.Dimension)
	case "qdrant":
		return OpenQdrant(ctx, cfg.Index.QdrantURL, cfg.Index.Collection, cfg.Index.Dimension)
	default:
		return nil, fmt.Errorf("unknown index backend %q (want sqlite, chromem or qdrant)", cfg.Index.Backend)
	}
}

// Copy upserts every record of src into dst and returns how many were copied.
func Copy(ctx context.Context, src, dst VectorStore) (int, error) {
	records, err := src.GetAll(ctx)
	if err != nil {
		return 0, fmt.Errorf("reading source index: %w", err)
	}
	for i, r := range records {
		if err := ctx.Err(); err != nil {
			return i, err
		}
		if err := dst.Upsert(ctx, r); err != nil {
			return i, err
		}
	}
	return len(records), nil
}
