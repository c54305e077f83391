package artifacts

import (
	"context"
	"time"

	"github.com/divio/ac-wheelsproxy/pkg/async"
	"github.com/divio/ac-wheelsproxy/pkg/observability"
)

// Reaper deletes orphaned blobs in the background when the catalog drops
// their owning builds. Implements catalog.ArtifactReaper.
type Reaper struct {
	storage Storage
	logger  *observability.Logger
}

// NewReaper wraps a storage backend.
func NewReaper(storage Storage, logger *observability.Logger) *Reaper {
	return &Reaper{storage: storage, logger: logger}
}

// DeleteArtifact removes the blob without blocking the caller; deletion
// failures are logged and left for a later manual sweep.
func (r *Reaper) DeleteArtifact(_ context.Context, path string) {
	logger := r.logger.WithField("artifact", path)
	async.SafeGo(context.Background(), logger, time.Minute, "artifact deletion",
		func(ctx context.Context) error {
			if err := r.storage.Delete(ctx, path); err != nil {
				return err
			}
			logger.Debug("Deleted orphaned artifact")
			return nil
		})
}
