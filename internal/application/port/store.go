package port

import (
	"context"
	"errors"

	"pairarb/internal/domain/model"
)

var (
	ErrNotFound = errors.New("record not found")
	// ErrStaleState means the record was not in the expected state when the transition ran.
	ErrStaleState = errors.New("record state changed concurrently")
)

// OpportunityStore persists rebalancing opportunities.
// TransitionOpportunity is a compare-and-set on state and returns the record after the update.
type OpportunityStore interface {
	CreateOpportunity(ctx context.Context, o *model.Opportunity) error
	GetOpportunity(ctx context.Context, id string) (*model.Opportunity, error)
	ListOpportunitiesByState(ctx context.Context, state model.OpportunityState) ([]*model.Opportunity, error)
	TransitionOpportunity(ctx context.Context, id string, from, to model.OpportunityState) (*model.Opportunity, error)
}

// TokenStore persists tokens of the sell pipeline, keyed by token code.
type TokenStore interface {
	CreateToken(ctx context.Context, t *model.TradeableToken) error
	GetToken(ctx context.Context, code string) (*model.TradeableToken, error)
	ListTokensByStatus(ctx context.Context, status model.TokenStatus) ([]*model.TradeableToken, error)
	TransitionToken(ctx context.Context, code string, from, to model.TokenStatus) (*model.TradeableToken, error)
}

// CloseRequests carries operator requests to stop one running opportunity. The
// process that owns the run picks them up on its next poll and acknowledges them.
type CloseRequests interface {
	RequestClose(ctx context.Context, id string) error
	PendingCloses(ctx context.Context) ([]string, error)
	AckClose(ctx context.Context, id string) error
}
