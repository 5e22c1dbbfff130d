package claim

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a claim or payer does not exist.
var ErrNotFound = errors.New("not found")

// GraphProvider loads a claim together with the entities it references.
type GraphProvider interface {
	LoadGraph(ctx context.Context, claimID uuid.UUID) (*Graph, error)
}

// PayerRepository reads payer (insurance plan) configuration.
type PayerRepository interface {
	GetByID(ctx context.Context, id uuid.UUID) (*InsurancePlan, error)
	List(ctx context.Context, ediOnly bool, limit, offset int) ([]*InsurancePlan, int, error)
}
