package referral

import (
	"context"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ClosureStore maintains the transitive closure of the referral forest: one row per
// ancestor→descendant pair at its cumulative depth. Writes happen only inside the
// attribution transaction; every other component reads.
//
// Attaching a child costs one row per ancestor of the parent, so write amplification
// is bounded by the depth of the forest. In exchange, upline and downline queries are
// single indexed range reads with no recursion.
type ClosureStore struct {
	db *gorm.DB
}

// NewClosureStore constructs a ClosureStore over the shared database handle.
func NewClosureStore(db *gorm.DB) *ClosureStore {
	return &ClosureStore{db: db}
}

// InsertSelfEdge writes the depth-0 edge every invite must carry. The composite
// primary key makes the insert idempotent at the storage layer; a repeated call
// reports ErrEdgeExists instead of duplicating the row.
func (s *ClosureStore) InsertSelfEdge(tx *gorm.DB, inviteID uint) error {
	edge := ClosureEdge{
		AncestorInviteID:   inviteID,
		DescendantInviteID: inviteID,
		Depth:              0,
	}
	result := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&edge)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: self edge for invite %d", ErrEdgeExists, inviteID)
	}
	return nil
}

// AttachChild extends the closure for a new child under parent: a depth-1 edge from
// the parent plus one edge per ancestor of the parent at depth+1. Must run in the
// same transaction as the child's self edge and the lead write; a partial extension
// would corrupt the closure invariant.
func (s *ClosureStore) AttachChild(tx *gorm.DB, parentInviteID, childInviteID uint) error {
	if parentInviteID == childInviteID {
		return ErrSelfReferral
	}

	var parentAncestors []ClosureEdge
	if err := tx.
		Where("descendant_invite_id = ? AND depth > 0", parentInviteID).
		Order("depth ASC").
		Find(&parentAncestors).Error; err != nil {
		return err
	}

	edges := make([]ClosureEdge, 0, len(parentAncestors)+1)
	edges = append(edges, ClosureEdge{
		AncestorInviteID:   parentInviteID,
		DescendantInviteID: childInviteID,
		Depth:              1,
	})
	for _, ancestorEdge := range parentAncestors {
		edges = append(edges, ClosureEdge{
			AncestorInviteID:   ancestorEdge.AncestorInviteID,
			DescendantInviteID: childInviteID,
			Depth:              ancestorEdge.Depth + 1,
		})
	}

	return tx.Create(&edges).Error
}

// AncestorsOf returns the upline of an invite ordered by ascending depth, the
// immediate referrer first. Pass minDepth 0 to include the invite itself.
func (s *ClosureStore) AncestorsOf(ctx context.Context, inviteID uint, minDepth int) ([]InviteDepth, error) {
	var edges []ClosureEdge
	if err := s.db.WithContext(ctx).
		Where("descendant_invite_id = ? AND depth >= ?", inviteID, minDepth).
		Order("depth ASC, ancestor_invite_id ASC").
		Find(&edges).Error; err != nil {
		return nil, err
	}
	return s.resolveEdges(ctx, edges, func(edge ClosureEdge) uint {
		return edge.AncestorInviteID
	})
}

// DescendantsOf returns the downline of an invite ordered by ascending depth, which
// by construction is a breadth-first walk of the subtree.
func (s *ClosureStore) DescendantsOf(ctx context.Context, inviteID uint, minDepth int) ([]InviteDepth, error) {
	var edges []ClosureEdge
	if err := s.db.WithContext(ctx).
		Where("ancestor_invite_id = ? AND depth >= ?", inviteID, minDepth).
		Order("depth ASC, descendant_invite_id ASC").
		Find(&edges).Error; err != nil {
		return nil, err
	}
	return s.resolveEdges(ctx, edges, func(edge ClosureEdge) uint {
		return edge.DescendantInviteID
	})
}

// resolveEdges loads the invites named by each edge and pairs them with their depth,
// preserving the query order.
func (s *ClosureStore) resolveEdges(ctx context.Context, edges []ClosureEdge, inviteIDOf func(ClosureEdge) uint) ([]InviteDepth, error) {
	if len(edges) == 0 {
		return []InviteDepth{}, nil
	}

	inviteIDs := make([]uint, 0, len(edges))
	for _, edge := range edges {
		inviteIDs = append(inviteIDs, inviteIDOf(edge))
	}

	var invites []Invite
	if err := s.db.WithContext(ctx).Where("id IN ?", inviteIDs).Find(&invites).Error; err != nil {
		return nil, err
	}
	invitesByID := make(map[uint]Invite, len(invites))
	for _, invite := range invites {
		invitesByID[invite.ID] = invite
	}

	results := make([]InviteDepth, 0, len(edges))
	for _, edge := range edges {
		invite, ok := invitesByID[inviteIDOf(edge)]
		if !ok {
			return nil, fmt.Errorf("%w: closure references invite %d", ErrInviteNotFound, inviteIDOf(edge))
		}
		results = append(results, InviteDepth{Invite: invite, Depth: edge.Depth})
	}
	return results, nil
}
