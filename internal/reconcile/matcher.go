package reconcile

import (
	"context"

	"github.com/wgfleet/wgfleet/internal/gateway"
	"github.com/wgfleet/wgfleet/internal/models"
	"github.com/wgfleet/wgfleet/internal/store"
)

// UserMatcher picks the logical user an imported peer belongs to.
// Returning nil asks the engine to create a new user named after the peer.
type UserMatcher interface {
	Match(ctx context.Context, tx *store.Store, gatewayID uint64, peer gateway.Peer) (*models.LogicalUser, error)
}

// NameMatcher reuses the oldest user with exactly the peer's name that has no binding on the gateway yet.
type NameMatcher struct{}

func (NameMatcher) Match(ctx context.Context, tx *store.Store, gatewayID uint64, peer gateway.Peer) (*models.LogicalUser, error) {
	users, errFind := tx.FindUsersWithoutBinding(ctx, peerUserName(peer), gatewayID)
	if errFind != nil {
		return nil, errFind
	}
	if len(users) == 0 {
		return nil, nil
	}
	return &users[0], nil
}

// MatcherFunc adapts a function to UserMatcher.
type MatcherFunc func(ctx context.Context, tx *store.Store, gatewayID uint64, peer gateway.Peer) (*models.LogicalUser, error)

func (f MatcherFunc) Match(ctx context.Context, tx *store.Store, gatewayID uint64, peer gateway.Peer) (*models.LogicalUser, error) {
	return f(ctx, tx, gatewayID, peer)
}
