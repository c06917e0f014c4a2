package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/colloq/colloq/internal/storage"
)

// CreateSubmission inserts a submission row. Submission CRUD belongs to the
// host application; this insert exists for seeding and host-side writes.
func (s *Store) CreateSubmission(ctx context.Context, sub storage.Submission) error {
	if strings.TrimSpace(sub.ID) == "" {
		return fmt.Errorf("submission id is required")
	}
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = time.Now().UTC()
	}
	if sub.UpdatedAt.IsZero() {
		sub.UpdatedAt = sub.CreatedAt
	}
	if sub.Status == "" {
		sub.Status = storage.SubmissionSubmitted
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO submissions (id, event_id, speaker_id, title, abstract, status, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
`, sub.ID, sub.EventID, sub.SpeakerID, sub.Title, sub.Abstract, sub.Status, toMillis(sub.CreatedAt), toMillis(sub.UpdatedAt))
	if err != nil {
		return fmt.Errorf("create submission: %w", err)
	}
	return nil
}

// CreateUser inserts a user row.
func (s *Store) CreateUser(ctx context.Context, user storage.User) error {
	if strings.TrimSpace(user.ID) == "" {
		return fmt.Errorf("user id is required")
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO users (id, name, email, role, created_at)
VALUES (?, ?, ?, ?, ?)
`, user.ID, user.Name, user.Email, user.Role, toMillis(user.CreatedAt))
	if err != nil {
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

// CreateEvent inserts an event row.
func (s *Store) CreateEvent(ctx context.Context, evt storage.Event) error {
	if strings.TrimSpace(evt.ID) == "" {
		return fmt.Errorf("event id is required")
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO events (id, name, slug, published, cfp_open, starts_at)
VALUES (?, ?, ?, ?, ?, ?)
`, evt.ID, evt.Name, evt.Slug, boolToInt(evt.Published), boolToInt(evt.CFPOpen), toMillis(evt.StartsAt))
	if err != nil {
		return fmt.Errorf("create event: %w", err)
	}
	return nil
}

// GetSubmission returns one submission by id.
func (s *Store) GetSubmission(ctx context.Context, id string) (storage.Submission, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, event_id, speaker_id, title, abstract, status, created_at, updated_at
FROM submissions WHERE id = ?
`, id)

	var (
		sub              storage.Submission
		created, updated int64
	)
	err := row.Scan(&sub.ID, &sub.EventID, &sub.SpeakerID, &sub.Title, &sub.Abstract, &sub.Status, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.Submission{}, fmt.Errorf("submission %q: %w", id, storage.ErrNotFound)
	}
	if err != nil {
		return storage.Submission{}, fmt.Errorf("get submission: %w", err)
	}
	sub.CreatedAt = fromMillis(created)
	sub.UpdatedAt = fromMillis(updated)
	return sub, nil
}

// ListSubmissions lists an event's submissions, oldest first.
func (s *Store) ListSubmissions(ctx context.Context, eventID string) ([]storage.Submission, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, event_id, speaker_id, title, abstract, status, created_at, updated_at
FROM submissions WHERE event_id = ?
ORDER BY created_at ASC, id ASC
`, eventID)
	if err != nil {
		return nil, fmt.Errorf("list submissions: %w", err)
	}
	defer rows.Close()

	var subs []storage.Submission
	for rows.Next() {
		var (
			sub              storage.Submission
			created, updated int64
		)
		if err := rows.Scan(&sub.ID, &sub.EventID, &sub.SpeakerID, &sub.Title, &sub.Abstract, &sub.Status, &created, &updated); err != nil {
			return nil, fmt.Errorf("scan submission: %w", err)
		}
		sub.CreatedAt = fromMillis(created)
		sub.UpdatedAt = fromMillis(updated)
		subs = append(subs, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate submissions: %w", err)
	}
	return subs, nil
}

// UpdateSubmissionStatus sets a submission's status.
func (s *Store) UpdateSubmissionStatus(ctx context.Context, id, status string, now time.Time) error {
	if strings.TrimSpace(status) == "" {
		return fmt.Errorf("submission status is required")
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}
	result, err := s.db.ExecContext(ctx, `
UPDATE submissions SET status = ?, updated_at = ? WHERE id = ?
`, status, toMillis(now), id)
	if err != nil {
		return fmt.Errorf("update submission status: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update submission status rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("submission %q: %w", id, storage.ErrNotFound)
	}
	return nil
}

// GetUser returns one user by id. Email is returned as stored (encrypted at
// rest); the capability layer decrypts before plugins see it.
func (s *Store) GetUser(ctx context.Context, id string) (storage.User, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, name, email, role, created_at FROM users WHERE id = ?
`, id)

	var (
		user    storage.User
		created int64
	)
	err := row.Scan(&user.ID, &user.Name, &user.Email, &user.Role, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.User{}, fmt.Errorf("user %q: %w", id, storage.ErrNotFound)
	}
	if err != nil {
		return storage.User{}, fmt.Errorf("get user: %w", err)
	}
	user.CreatedAt = fromMillis(created)
	return user, nil
}

// ListUsers lists all users ordered by name.
func (s *Store) ListUsers(ctx context.Context) ([]storage.User, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, name, email, role, created_at FROM users ORDER BY name ASC, id ASC
`)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	var users []storage.User
	for rows.Next() {
		var (
			user    storage.User
			created int64
		)
		if err := rows.Scan(&user.ID, &user.Name, &user.Email, &user.Role, &created); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		user.CreatedAt = fromMillis(created)
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate users: %w", err)
	}
	return users, nil
}

// UpdateUserRole changes a user's platform role.
func (s *Store) UpdateUserRole(ctx context.Context, id, role string) error {
	if strings.TrimSpace(role) == "" {
		return fmt.Errorf("user role is required")
	}
	result, err := s.db.ExecContext(ctx, `
UPDATE users SET role = ? WHERE id = ?
`, role, id)
	if err != nil {
		return fmt.Errorf("update user role: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update user role rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("user %q: %w", id, storage.ErrNotFound)
	}
	return nil
}

// GetEvent returns one event by id.
func (s *Store) GetEvent(ctx context.Context, id string) (storage.Event, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, name, slug, published, cfp_open, starts_at FROM events WHERE id = ?
`, id)

	var (
		evt                storage.Event
		published, cfpOpen int
		starts             int64
	)
	err := row.Scan(&evt.ID, &evt.Name, &evt.Slug, &published, &cfpOpen, &starts)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.Event{}, fmt.Errorf("event %q: %w", id, storage.ErrNotFound)
	}
	if err != nil {
		return storage.Event{}, fmt.Errorf("get event: %w", err)
	}
	evt.Published = published != 0
	evt.CFPOpen = cfpOpen != 0
	evt.StartsAt = fromMillis(starts)
	return evt, nil
}

// ListEvents lists all events by start date.
func (s *Store) ListEvents(ctx context.Context) ([]storage.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, name, slug, published, cfp_open, starts_at FROM events
ORDER BY starts_at ASC, id ASC
`)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var events []storage.Event
	for rows.Next() {
		var (
			evt                storage.Event
			published, cfpOpen int
			starts             int64
		)
		if err := rows.Scan(&evt.ID, &evt.Name, &evt.Slug, &published, &cfpOpen, &starts); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		evt.Published = published != 0
		evt.CFPOpen = cfpOpen != 0
		evt.StartsAt = fromMillis(starts)
		events = append(events, evt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return events, nil
}

// SetEventCFPOpen opens or closes an event's CFP window.
func (s *Store) SetEventCFPOpen(ctx context.Context, id string, open bool) error {
	result, err := s.db.ExecContext(ctx, `
UPDATE events SET cfp_open = ? WHERE id = ?
`, boolToInt(open), id)
	if err != nil {
		return fmt.Errorf("set event cfp open: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("set event cfp open rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("event %q: %w", id, storage.ErrNotFound)
	}
	return nil
}

// ListReviews lists reviews for a submission, oldest first.
func (s *Store) ListReviews(ctx context.Context, submissionID string) ([]storage.Review, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, submission_id, reviewer_id, score, comment, created_at
FROM reviews WHERE submission_id = ?
ORDER BY created_at ASC, id ASC
`, submissionID)
	if err != nil {
		return nil, fmt.Errorf("list reviews: %w", err)
	}
	defer rows.Close()

	var reviews []storage.Review
	for rows.Next() {
		var (
			rev     storage.Review
			created int64
		)
		if err := rows.Scan(&rev.ID, &rev.SubmissionID, &rev.ReviewerID, &rev.Score, &rev.Comment, &created); err != nil {
			return nil, fmt.Errorf("scan review: %w", err)
		}
		rev.CreatedAt = fromMillis(created)
		reviews = append(reviews, rev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate reviews: %w", err)
	}
	return reviews, nil
}

// CreateReview inserts a review row.
func (s *Store) CreateReview(ctx context.Context, rev storage.Review) error {
	if strings.TrimSpace(rev.ID) == "" {
		return fmt.Errorf("review id is required")
	}
	if strings.TrimSpace(rev.SubmissionID) == "" {
		return fmt.Errorf("review submission id is required")
	}
	if rev.CreatedAt.IsZero() {
		rev.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO reviews (id, submission_id, reviewer_id, score, comment, created_at)
VALUES (?, ?, ?, ?, ?, ?)
`, rev.ID, rev.SubmissionID, rev.ReviewerID, rev.Score, rev.Comment, toMillis(rev.CreatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("review %q: %w", rev.ID, storage.ErrConflict)
		}
		return fmt.Errorf("create review: %w", err)
	}
	return nil
}
