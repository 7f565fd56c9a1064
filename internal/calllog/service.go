package calllog

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Repository is the persistence contract for decision records.
//
// It MUST be append-only.
// No Update/Delete methods are provided by design.

type Repository interface {
	Append(ctx context.Context, e Entry) error
}

var ErrInvalidEntry = errors.New("calllog: invalid entry")

const recordTimeout = 5 * time.Second

// Service records routing decisions. Record is fire-and-forget: it returns
// before the write happens and converts failures into a warning log, so the
// caller's webhook response can never be delayed or broken by logging.
type Service struct {
	repo  Repository
	log   *slog.Logger
	clock func() time.Time
}

func NewService(repo Repository, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{repo: repo, log: log, clock: time.Now}
}

// Append validates and writes one entry synchronously.
func (s *Service) Append(ctx context.Context, e Entry) error {
	if s.repo == nil {
		return errors.New("calllog: repository not configured")
	}
	if e.OrgID == "" {
		return ErrInvalidEntry
	}
	if e.CallSID == "" {
		return ErrInvalidEntry
	}
	if e.Decision == "" {
		return ErrInvalidEntry
	}

	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.clock().UTC()
	}
	return s.repo.Append(ctx, e)
}

// Record writes the entry in the background, detached from the request
// context so a finished webhook does not cancel the write.
func (s *Service) Record(e Entry) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
		defer cancel()
		if err := s.Append(ctx, e); err != nil {
			s.log.Warn("call decision record dropped",
				"org_id", e.OrgID,
				"call_sid", e.CallSID,
				"error", err,
			)
		}
	}()
}
