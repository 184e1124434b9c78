package recorder

import (
	"context"

	"video-anonymizer/internal/models"
)

// Catalog persists recording rows. The recorder calls it when a
// recording opens and once more when it finalizes.
type Catalog interface {
	Create(ctx context.Context, rec *models.Recording) error
	Complete(ctx context.Context, rec *models.Recording) error
}

// NopCatalog satisfies Catalog without persisting anything. It stands
// in when the database is disabled; the sidecar files remain the only
// recording index.
type NopCatalog struct{}

func (NopCatalog) Create(context.Context, *models.Recording) error   { return nil }
func (NopCatalog) Complete(context.Context, *models.Recording) error { return nil }
