package referral

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/magnet/backend/internal/pages"
	"github.com/MarcoPoloResearchLab/magnet/backend/internal/users"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	errMissingAccounts = errors.New("accounts service is required")
	errMissingContact  = errors.New("contact name and email are required")
	errMissingTarget   = errors.New("page slug and referrer handle are required")
	noOpLogger         = zap.NewNop()
)

const (
	maxHandleAttempts  = 20
	maxSubmitAttempts  = 3
	defaultRedirectURL = "#"
)

const (
	opServiceNew = "referral.service.new"
	opSubmitLead = "referral.submit_lead"
)

// ServiceError carries a stable machine-readable code alongside the underlying cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// ServiceConfig describes the dependencies of the referral service.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Accounts *users.Service
	// BaseURL prefixes personalized share links; empty yields site-relative links.
	BaseURL string
	Logger  *zap.Logger
}

// Service is the referral core: invite registry, lead attribution engine, closure
// maintenance and the read-side analytics over all three.
type Service struct {
	db       *gorm.DB
	clock    func() time.Time
	accounts *users.Service
	closure  *ClosureStore
	baseURL  string
	logger   *zap.Logger
}

// NewService constructs the referral service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.Accounts == nil {
		return nil, newServiceError(opServiceNew, "missing_accounts", errMissingAccounts)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Service{
		db:       cfg.Database,
		clock:    clock,
		accounts: cfg.Accounts,
		closure:  NewClosureStore(cfg.Database),
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		logger:   logger,
	}, nil
}

// Closure exposes the read side of the closure store.
func (s *Service) Closure() *ClosureStore {
	return s.closure
}

// SubmitLeadRequest carries one validated lead submission. All mutation it triggers
// happens in a single transaction; the caller may retry the whole request on
// ErrTransactionConflict, accepting that a retry of an already committed submission
// creates a second lead unless deduplicated upstream.
type SubmitLeadRequest struct {
	PageSlug       string
	ReferrerHandle string
	Name           string
	Email          string
	Phone          string
	UTMSource      string
	UTMMedium      string
	UTMCampaign    string
	IPAddress      string
	UserAgent      string
}

// SubmitLeadResult reports the committed lead, the account it was attributed to, the
// submitter's personalized share link and where to redirect the browser.
type SubmitLeadResult struct {
	Lead             Lead
	Account          users.Account
	AccountCreated   bool
	SubmitterInvite  Invite
	PersonalizedLink string
	RedirectURL      string
}

// SubmitLead attributes one lead submission: it validates the referrer invite, resolves
// or creates the submitting account, mints a unique invite for the submitter, records
// the lead, extends the closure and bumps the counters — all or nothing.
func (s *Service) SubmitLead(ctx context.Context, request SubmitLeadRequest) (SubmitLeadResult, error) {
	if strings.TrimSpace(request.PageSlug) == "" || strings.TrimSpace(request.ReferrerHandle) == "" {
		return SubmitLeadResult{}, newServiceError(opSubmitLead, "missing_target", errMissingTarget)
	}
	if strings.TrimSpace(request.Name) == "" || strings.TrimSpace(request.Email) == "" {
		return SubmitLeadResult{}, newServiceError(opSubmitLead, "missing_contact", errMissingContact)
	}

	var (
		page       pages.Page
		resolution users.Resolution
		submitter  Invite
		referrer   Invite
		lead       Lead
	)

	var txErr error
	for attempt := 0; attempt < maxSubmitAttempts; attempt++ {
		txErr = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var stepErr error

			page, stepErr = pages.FindBySlug(tx, request.PageSlug)
			if errors.Is(stepErr, pages.ErrPageNotFound) {
				return newServiceError(opSubmitLead, "page_not_found", fmt.Errorf("%w: %s", ErrPageNotFound, request.PageSlug))
			}
			if stepErr != nil {
				return newServiceError(opSubmitLead, "page_lookup_failed", stepErr)
			}

			referrer, stepErr = findActiveInvite(tx, page.ID, request.ReferrerHandle)
			if stepErr != nil {
				return stepErr
			}

			resolution, stepErr = s.accounts.Resolve(tx, users.ResolveRequest{
				Email:       request.Email,
				DisplayName: request.Name,
				Phone:       request.Phone,
			})
			if stepErr != nil {
				return newServiceError(opSubmitLead, "account_resolve_failed", stepErr)
			}

			submitter, stepErr = createInviteWithUniqueHandle(tx, page.ID, resolution.Account.ID, request.Name)
			if stepErr != nil {
				if errors.Is(stepErr, ErrHandleGenerationExhausted) {
					return newServiceError(opSubmitLead, "handle_exhausted", stepErr)
				}
				return newServiceError(opSubmitLead, "invite_create_failed", stepErr)
			}

			lead = Lead{
				PageID:            page.ID,
				ReferrerInviteID:  referrer.ID,
				SubmitterInviteID: submitter.ID,
				SubmitterUserID:   resolution.Account.ID,
				Name:              request.Name,
				Email:             request.Email,
				Phone:             request.Phone,
				UTMSource:         request.UTMSource,
				UTMMedium:         request.UTMMedium,
				UTMCampaign:       request.UTMCampaign,
				IPAddress:         request.IPAddress,
				UserAgent:         request.UserAgent,
				Status:            LeadStatusNew,
				CreatedAt:         s.clock().UTC(),
			}
			if stepErr = tx.Create(&lead).Error; stepErr != nil {
				return newServiceError(opSubmitLead, "lead_insert_failed", stepErr)
			}

			if stepErr = s.closure.InsertSelfEdge(tx, submitter.ID); stepErr != nil {
				return newServiceError(opSubmitLead, "self_edge_failed", stepErr)
			}
			if stepErr = s.closure.AttachChild(tx, referrer.ID, submitter.ID); stepErr != nil {
				return newServiceError(opSubmitLead, "closure_extend_failed", stepErr)
			}

			if stepErr = incrementInviteCounter(tx, referrer.ID, "leads_count"); stepErr != nil {
				return newServiceError(opSubmitLead, "leads_counter_failed", stepErr)
			}
			if stepErr = pages.IncrementViews(tx, page.ID); stepErr != nil {
				return newServiceError(opSubmitLead, "views_counter_failed", stepErr)
			}

			return nil
		})

		if txErr == nil || !isBusyError(txErr) {
			break
		}
	}

	if txErr != nil {
		if isBusyError(txErr) {
			conflictErr := newServiceError(opSubmitLead, "transaction_conflict", fmt.Errorf("%w: %v", ErrTransactionConflict, txErr))
			s.logError(opSubmitLead, "transaction_conflict", txErr, zap.String("page_slug", request.PageSlug))
			return SubmitLeadResult{}, conflictErr
		}
		s.logError(opSubmitLead, "transaction_failed", txErr,
			zap.String("page_slug", request.PageSlug),
			zap.String("referrer_handle", request.ReferrerHandle))
		return SubmitLeadResult{}, txErr
	}

	// Link computation is derived, not stored; it happens after commit on purpose.
	return SubmitLeadResult{
		Lead:             lead,
		Account:          resolution.Account,
		AccountCreated:   resolution.Created,
		SubmitterInvite:  submitter,
		PersonalizedLink: s.personalizedLink(page.Slug, submitter.Handle),
		RedirectURL:      redirectURL(page, referrer.Handle),
	}, nil
}

// findActiveInvite resolves the referrer invite; absent and inactive look the same to
// the caller.
func findActiveInvite(tx *gorm.DB, pageID uint, handle string) (Invite, error) {
	var invite Invite
	err := tx.Where("page_id = ? AND handle = ? AND is_active = ?", pageID, handle, true).
		Take(&invite).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Invite{}, newServiceError(opSubmitLead, "referrer_not_found", fmt.Errorf("%w: %s", ErrInviteNotFound, handle))
	}
	if err != nil {
		return Invite{}, newServiceError(opSubmitLead, "referrer_lookup_failed", err)
	}
	return invite, nil
}

// createInviteWithUniqueHandle mints the submitter's invite. Uniqueness is enforced by
// the (page_id, handle) index, not by a read-then-write check: the insert either lands
// or reports a conflict, and on conflict the next numeric suffix is tried. Two
// concurrent submissions with the same seed name therefore end up with distinct
// handles instead of both winning the same one.
func createInviteWithUniqueHandle(tx *gorm.DB, pageID uint, userID string, seedName string) (Invite, error) {
	seed := Slugify(seedName)
	for attempt := 0; attempt < maxHandleAttempts; attempt++ {
		candidate := seed
		if attempt > 0 {
			candidate = fmt.Sprintf("%s%d", seed, attempt)
		}

		invite := Invite{
			PageID:   pageID,
			UserID:   userID,
			Handle:   candidate,
			IsActive: true,
		}
		result := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&invite)
		if result.Error != nil {
			return Invite{}, result.Error
		}
		if result.RowsAffected == 1 {
			return invite, nil
		}
	}
	return Invite{}, fmt.Errorf("%w: seed %q", ErrHandleGenerationExhausted, seedName)
}

func incrementInviteCounter(tx *gorm.DB, inviteID uint, column string) error {
	result := tx.Model(&Invite{}).
		Where("id = ?", inviteID).
		UpdateColumn(column, gorm.Expr(column+" + ?", 1))
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: invite %d", ErrInviteNotFound, inviteID)
	}
	return nil
}

func (s *Service) personalizedLink(pageSlug, handle string) string {
	return fmt.Sprintf("%s/%s?ref=%s", s.baseURL, pageSlug, url.QueryEscape(handle))
}

// redirectURL points the submitter's browser at the page's platform signup for the
// referrer, falling back to the page's default join URL.
func redirectURL(page pages.Page, referrerHandle string) string {
	if page.PlatformBaseURL != "" {
		return strings.TrimRight(page.PlatformBaseURL, "/") + "/signup/" + referrerHandle
	}
	if page.DefaultJoinURL != "" {
		return page.DefaultJoinURL
	}
	return defaultRedirectURL
}

// isBusyError reports sqlite writer contention, which surfaces as a busy/locked
// database rather than a serialization failure.
func isBusyError(err error) bool {
	if err == nil {
		return false
	}
	message := err.Error()
	return strings.Contains(message, "database is locked") ||
		strings.Contains(message, "database table is locked") ||
		strings.Contains(message, "SQLITE_BUSY")
}

func (s *Service) loggerOrDefault() *zap.Logger {
	if s == nil || s.logger == nil {
		return noOpLogger
	}
	return s.logger
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Error("referral service error", attrs...)
}
