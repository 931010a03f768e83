package referral

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/magnet/backend/internal/pages"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	opCreateInvite   = "referral.create_invite"
	opUpdateInvite   = "referral.update_invite"
	opDeleteInvite   = "referral.delete_invite"
	opTrackClick     = "referral.track_click"
	opIncrementLeads = "referral.increment_leads"
	opFindInvite     = "referral.find_invite"
)

var errMissingHandle = errors.New("handle is required")

// CreateInviteRequest describes an explicitly created invite, e.g. the page owner's
// root invite or one handed out by an admin.
type CreateInviteRequest struct {
	PageID  uint
	UserID  string
	Handle  string
	JoinURL string
}

// CreateInvite registers a new invite with zeroed counters and writes its closure
// self edge. The invite is a root of the referral forest until leads attach under it.
func (s *Service) CreateInvite(ctx context.Context, request CreateInviteRequest) (Invite, error) {
	handle := strings.TrimSpace(request.Handle)
	if handle == "" {
		return Invite{}, newServiceError(opCreateInvite, "missing_handle", errMissingHandle)
	}
	if len(handle) > maxHandleSeedLength {
		return Invite{}, newServiceError(opCreateInvite, "handle_too_long", fmt.Errorf("handle exceeds %d characters", maxHandleSeedLength))
	}

	var invite Invite
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var page pages.Page
		if err := tx.Select("id").Where("id = ?", request.PageID).Take(&page).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return newServiceError(opCreateInvite, "page_not_found", fmt.Errorf("%w: page %d", ErrPageNotFound, request.PageID))
			}
			return newServiceError(opCreateInvite, "page_lookup_failed", err)
		}

		invite = Invite{
			PageID:   request.PageID,
			UserID:   request.UserID,
			Handle:   handle,
			JoinURL:  request.JoinURL,
			IsActive: true,
		}
		result := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&invite)
		if result.Error != nil {
			return newServiceError(opCreateInvite, "insert_failed", result.Error)
		}
		if result.RowsAffected == 0 {
			return newServiceError(opCreateInvite, "duplicate_handle", fmt.Errorf("%w: %s", ErrDuplicateHandle, handle))
		}

		if err := s.closure.InsertSelfEdge(tx, invite.ID); err != nil {
			return newServiceError(opCreateInvite, "self_edge_failed", err)
		}
		return nil
	})
	if txErr != nil {
		s.logError(opCreateInvite, "failed", txErr, zap.Uint("page_id", request.PageID), zap.String("handle", handle))
		return Invite{}, txErr
	}
	return invite, nil
}

// UpdateInviteRequest carries the mutable invite fields; nil pointers leave a field
// untouched.
type UpdateInviteRequest struct {
	Handle   *string
	JoinURL  *string
	IsActive *bool
}

// UpdateInvite changes an invite's handle, join URL or active flag. Ownership and
// permission checks belong to the calling layer.
func (s *Service) UpdateInvite(ctx context.Context, inviteID uint, request UpdateInviteRequest) (Invite, error) {
	var invite Invite
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ?", inviteID).
			Take(&invite).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return newServiceError(opUpdateInvite, "not_found", fmt.Errorf("%w: invite %d", ErrInviteNotFound, inviteID))
		}
		if err != nil {
			return newServiceError(opUpdateInvite, "lookup_failed", err)
		}

		updates := map[string]interface{}{}
		if request.Handle != nil {
			newHandle := strings.TrimSpace(*request.Handle)
			if newHandle == "" {
				return newServiceError(opUpdateInvite, "missing_handle", errMissingHandle)
			}
			if newHandle != invite.Handle {
				var conflicting int64
				if err := tx.Model(&Invite{}).
					Where("page_id = ? AND handle = ? AND id <> ?", invite.PageID, newHandle, invite.ID).
					Count(&conflicting).Error; err != nil {
					return newServiceError(opUpdateInvite, "handle_check_failed", err)
				}
				if conflicting > 0 {
					return newServiceError(opUpdateInvite, "duplicate_handle", fmt.Errorf("%w: %s", ErrDuplicateHandle, newHandle))
				}
				updates["handle"] = newHandle
				invite.Handle = newHandle
			}
		}
		if request.JoinURL != nil {
			updates["join_url"] = *request.JoinURL
			invite.JoinURL = *request.JoinURL
		}
		if request.IsActive != nil {
			updates["is_active"] = *request.IsActive
			invite.IsActive = *request.IsActive
		}
		if len(updates) == 0 {
			return nil
		}

		if err := tx.Model(&Invite{}).Where("id = ?", inviteID).Updates(updates).Error; err != nil {
			return newServiceError(opUpdateInvite, "update_failed", err)
		}
		return nil
	})
	if txErr != nil {
		return Invite{}, txErr
	}
	return invite, nil
}

// DeleteInvite hard-deletes a leaf invite. Invites with descendants are refused:
// deleting an interior node would orphan every closure row beneath it. The rows
// naming the invite as descendant (its self edge and upline links) go with it.
func (s *Service) DeleteInvite(ctx context.Context, inviteID uint) error {
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var invite Invite
		err := tx.Select("id").Where("id = ?", inviteID).Take(&invite).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return newServiceError(opDeleteInvite, "not_found", fmt.Errorf("%w: invite %d", ErrInviteNotFound, inviteID))
		}
		if err != nil {
			return newServiceError(opDeleteInvite, "lookup_failed", err)
		}

		var descendants int64
		if err := tx.Model(&ClosureEdge{}).
			Where("ancestor_invite_id = ? AND depth > 0", inviteID).
			Count(&descendants).Error; err != nil {
			return newServiceError(opDeleteInvite, "descendant_check_failed", err)
		}
		if descendants > 0 {
			return newServiceError(opDeleteInvite, "has_descendants", fmt.Errorf("%w: invite %d has %d descendants", ErrInviteHasDescendants, inviteID, descendants))
		}

		if err := tx.Where("descendant_invite_id = ?", inviteID).Delete(&ClosureEdge{}).Error; err != nil {
			return newServiceError(opDeleteInvite, "closure_delete_failed", err)
		}
		if err := tx.Where("id = ?", inviteID).Delete(&Invite{}).Error; err != nil {
			return newServiceError(opDeleteInvite, "invite_delete_failed", err)
		}
		return nil
	})
	if txErr != nil {
		s.logError(opDeleteInvite, "failed", txErr, zap.Uint("invite_id", inviteID))
	}
	return txErr
}

// FindInvite resolves an invite by page and handle regardless of its active flag.
func (s *Service) FindInvite(ctx context.Context, pageID uint, handle string) (Invite, error) {
	var invite Invite
	err := s.db.WithContext(ctx).
		Where("page_id = ? AND handle = ?", pageID, handle).
		Take(&invite).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Invite{}, newServiceError(opFindInvite, "not_found", fmt.Errorf("%w: %s", ErrInviteNotFound, handle))
	}
	if err != nil {
		return Invite{}, newServiceError(opFindInvite, "lookup_failed", err)
	}
	return invite, nil
}

// GetInvite loads an invite by id.
func (s *Service) GetInvite(ctx context.Context, inviteID uint) (Invite, error) {
	var invite Invite
	err := s.db.WithContext(ctx).Where("id = ?", inviteID).Take(&invite).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Invite{}, newServiceError(opFindInvite, "not_found", fmt.Errorf("%w: invite %d", ErrInviteNotFound, inviteID))
	}
	if err != nil {
		return Invite{}, newServiceError(opFindInvite, "lookup_failed", err)
	}
	return invite, nil
}

// TrackClick bumps an invite's click counter with an atomic relative update. Typically
// invoked standalone from the public tracking endpoint, so a missing invite is an
// error to report, never a reason to abort an enclosing flow.
func (s *Service) TrackClick(ctx context.Context, inviteID uint) error {
	err := incrementInviteCounter(s.db.WithContext(ctx), inviteID, "clicks")
	if err != nil {
		if errors.Is(err, ErrInviteNotFound) {
			return newServiceError(opTrackClick, "not_found", err)
		}
		return newServiceError(opTrackClick, "update_failed", err)
	}
	return nil
}

// TrackClickByHandle resolves the invite from the public (slug, handle) pair and bumps
// its click counter.
func (s *Service) TrackClickByHandle(ctx context.Context, pageSlug, handle string) error {
	page, err := pages.FindBySlug(s.db.WithContext(ctx), pageSlug)
	if errors.Is(err, pages.ErrPageNotFound) {
		return newServiceError(opTrackClick, "page_not_found", fmt.Errorf("%w: %s", ErrPageNotFound, pageSlug))
	}
	if err != nil {
		return newServiceError(opTrackClick, "page_lookup_failed", err)
	}

	invite, err := s.FindInvite(ctx, page.ID, handle)
	if err != nil {
		return err
	}
	return s.TrackClick(ctx, invite.ID)
}

// IncrementLeads bumps an invite's lead counter with an atomic relative update.
func (s *Service) IncrementLeads(ctx context.Context, inviteID uint) error {
	err := incrementInviteCounter(s.db.WithContext(ctx), inviteID, "leads_count")
	if err != nil {
		if errors.Is(err, ErrInviteNotFound) {
			return newServiceError(opIncrementLeads, "not_found", err)
		}
		return newServiceError(opIncrementLeads, "update_failed", err)
	}
	return nil
}
