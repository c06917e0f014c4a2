package capability

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/colloq/colloq/internal/storage"
)

// Reviews gates access to submission reviews.
type Reviews struct {
	perms  Set
	domain storage.DomainStore
}

// List returns a submission's reviews. Requires reviews:read.
func (r *Reviews) List(ctx context.Context, submissionID string) ([]storage.Review, error) {
	if err := r.perms.require(PermReviewsRead); err != nil {
		return nil, err
	}
	return r.domain.ListReviews(ctx, submissionID)
}

// Create records a new review. Requires reviews:write.
func (r *Reviews) Create(ctx context.Context, rev storage.Review) error {
	if err := r.perms.require(PermReviewsWrite); err != nil {
		return err
	}
	if rev.ID == "" {
		rev.ID = uuid.NewString()
	}
	if rev.CreatedAt.IsZero() {
		rev.CreatedAt = time.Now().UTC()
	}
	return r.domain.CreateReview(ctx, rev)
}
