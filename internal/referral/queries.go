package referral

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/magnet/backend/internal/pages"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	opUserLeads        = "referral.user_leads"
	opListLeads        = "referral.list_leads"
	opUpdateLeadStatus = "referral.update_lead_status"
	opReferralTree     = "referral.referral_tree"
)

// UserLeads returns the leads a user submitted plus the leads referred through any of
// their invites, newest first. Pagination belongs to the caller.
func (s *Service) UserLeads(ctx context.Context, userID string) ([]Lead, error) {
	var leads []Lead
	err := s.db.WithContext(ctx).
		Where("submitter_user_id = ? OR referrer_invite_id IN (?)",
			userID,
			s.db.Model(&Invite{}).Select("id").Where("user_id = ?", userID)).
		Order("created_at DESC").
		Find(&leads).Error
	if err != nil {
		s.logError(opUserLeads, "query_failed", err)
		return nil, newServiceError(opUserLeads, "query_failed", err)
	}
	return leads, nil
}

// LeadFilters narrows a lead listing; zero values leave that dimension unfiltered.
type LeadFilters struct {
	Status *LeadStatus
	PageID *uint
	From   *time.Time
	To     *time.Time
	Search string
}

// Leads returns all leads matching the filters, newest first.
func (s *Service) Leads(ctx context.Context, filters LeadFilters) ([]Lead, error) {
	query := s.db.WithContext(ctx).Model(&Lead{})
	if filters.Status != nil {
		query = query.Where("status = ?", *filters.Status)
	}
	if filters.PageID != nil {
		query = query.Where("page_id = ?", *filters.PageID)
	}
	if filters.From != nil {
		query = query.Where("created_at >= ?", *filters.From)
	}
	if filters.To != nil {
		query = query.Where("created_at <= ?", *filters.To)
	}
	if filters.Search != "" {
		pattern := "%" + filters.Search + "%"
		query = query.Where("name LIKE ? OR email LIKE ? OR phone LIKE ?", pattern, pattern, pattern)
	}

	var leads []Lead
	if err := query.Order("created_at DESC").Find(&leads).Error; err != nil {
		s.logError(opListLeads, "query_failed", err)
		return nil, newServiceError(opListLeads, "query_failed", err)
	}
	return leads, nil
}

// UpdateLeadStatus advances a lead along the follow-up progression and replaces its
// notes. Regressions report ErrInvalidTransition.
func (s *Service) UpdateLeadStatus(ctx context.Context, leadID uint, status LeadStatus, notes string) (Lead, error) {
	if !status.Valid() {
		return Lead{}, newServiceError(opUpdateLeadStatus, "unknown_status", fmt.Errorf("%w: %q", ErrInvalidTransition, status))
	}

	var lead Lead
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ?", leadID).
			Take(&lead).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return newServiceError(opUpdateLeadStatus, "not_found", fmt.Errorf("%w: lead %d", ErrLeadNotFound, leadID))
		}
		if err != nil {
			return newServiceError(opUpdateLeadStatus, "lookup_failed", err)
		}

		if !lead.Status.CanAdvanceTo(status) {
			return newServiceError(opUpdateLeadStatus, "invalid_transition",
				fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, lead.Status, status))
		}

		updates := map[string]interface{}{"status": status, "notes": notes}
		if err := tx.Model(&Lead{}).Where("id = ?", leadID).Updates(updates).Error; err != nil {
			return newServiceError(opUpdateLeadStatus, "update_failed", err)
		}
		lead.Status = status
		lead.Notes = notes
		return nil
	})
	if txErr != nil {
		return Lead{}, txErr
	}
	return lead, nil
}

// ReferralTree bundles an invite with its upline and downline.
type ReferralTree struct {
	Invite   Invite
	Upline   []InviteDepth
	Downline []InviteDepth
}

// ReferralTree returns the full ancestor chain and descendant subtree of an invite,
// each ordered by ascending depth. Both come from indexed closure reads; no recursive
// traversal happens at query time.
func (s *Service) ReferralTree(ctx context.Context, inviteID uint) (ReferralTree, error) {
	invite, err := s.GetInvite(ctx, inviteID)
	if err != nil {
		return ReferralTree{}, err
	}

	upline, err := s.closure.AncestorsOf(ctx, inviteID, 1)
	if err != nil {
		return ReferralTree{}, newServiceError(opReferralTree, "upline_query_failed", err)
	}
	downline, err := s.closure.DescendantsOf(ctx, inviteID, 1)
	if err != nil {
		return ReferralTree{}, newServiceError(opReferralTree, "downline_query_failed", err)
	}

	return ReferralTree{Invite: invite, Upline: upline, Downline: downline}, nil
}

// PageAnalyticsBySlug resolves the page by slug before computing its analytics.
func (s *Service) PageAnalyticsBySlug(ctx context.Context, slug string, window DateRange) (PageAnalytics, error) {
	page, err := pages.FindBySlug(s.db.WithContext(ctx), slug)
	if errors.Is(err, pages.ErrPageNotFound) {
		return PageAnalytics{}, newServiceError(opPageAnalytics, "page_not_found", fmt.Errorf("%w: %s", ErrPageNotFound, slug))
	}
	if err != nil {
		return PageAnalytics{}, newServiceError(opPageAnalytics, "page_lookup_failed", err)
	}
	return s.PageAnalytics(ctx, page.ID, window)
}
