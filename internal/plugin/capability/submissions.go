package capability

import (
	"context"
	"time"

	"github.com/colloq/colloq/internal/storage"
)

// Submissions gates access to CFP submissions.
type Submissions struct {
	perms  Set
	domain storage.DomainStore
}

// Get returns one submission. Requires submissions:read.
func (s *Submissions) Get(ctx context.Context, id string) (storage.Submission, error) {
	if err := s.perms.require(PermSubmissionsRead); err != nil {
		return storage.Submission{}, err
	}
	return s.domain.GetSubmission(ctx, id)
}

// List returns an event's submissions. Requires submissions:read.
func (s *Submissions) List(ctx context.Context, eventID string) ([]storage.Submission, error) {
	if err := s.perms.require(PermSubmissionsRead); err != nil {
		return nil, err
	}
	return s.domain.ListSubmissions(ctx, eventID)
}

// UpdateStatus changes a submission's status. Requires submissions:manage.
func (s *Submissions) UpdateStatus(ctx context.Context, id, status string) error {
	if err := s.perms.require(PermSubmissionsManage); err != nil {
		return err
	}
	return s.domain.UpdateSubmissionStatus(ctx, id, status, time.Now().UTC())
}
