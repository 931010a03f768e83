package referral

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/MarcoPoloResearchLab/magnet/backend/internal/pages"
	"github.com/MarcoPoloResearchLab/magnet/backend/internal/users"
	"gorm.io/gorm"
)

const (
	opUserStats     = "referral.user_stats"
	opPageAnalytics = "referral.page_analytics"
)

// DateRange bounds a report window; nil endpoints leave that side open.
type DateRange struct {
	From *time.Time
	To   *time.Time
}

func (r DateRange) apply(query *gorm.DB) *gorm.DB {
	if r.From != nil {
		query = query.Where("created_at >= ?", *r.From)
	}
	if r.To != nil {
		query = query.Where("created_at <= ?", *r.To)
	}
	return query
}

// UserStats aggregates one user's referral performance across all pages.
type UserStats struct {
	SubmittedLeads int64
	ReferredLeads  int64
	TotalLeads     int64
	TotalInvites   int64
	TotalClicks    int64
	ConversionRate float64
}

// UserStats computes the read-only rollup for one account. Empty result sets produce
// zeroed stats, never errors; only a missing account reports ErrUserNotFound.
func (s *Service) UserStats(ctx context.Context, userID string) (UserStats, error) {
	db := s.db.WithContext(ctx)

	var account users.Account
	err := db.Select("id").Where("id = ?", userID).Take(&account).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return UserStats{}, newServiceError(opUserStats, "user_not_found", fmt.Errorf("%w: %s", ErrUserNotFound, userID))
	}
	if err != nil {
		return UserStats{}, newServiceError(opUserStats, "user_lookup_failed", err)
	}

	var stats UserStats
	if err := db.Model(&Lead{}).
		Where("submitter_user_id = ?", userID).
		Count(&stats.SubmittedLeads).Error; err != nil {
		return UserStats{}, newServiceError(opUserStats, "submitted_count_failed", err)
	}
	if err := db.Model(&Lead{}).
		Joins("JOIN page_invites ON page_invites.id = leads.referrer_invite_id").
		Where("page_invites.user_id = ?", userID).
		Count(&stats.ReferredLeads).Error; err != nil {
		return UserStats{}, newServiceError(opUserStats, "referred_count_failed", err)
	}
	if err := db.Model(&Invite{}).
		Where("user_id = ?", userID).
		Count(&stats.TotalInvites).Error; err != nil {
		return UserStats{}, newServiceError(opUserStats, "invite_count_failed", err)
	}
	if err := db.Model(&Invite{}).
		Where("user_id = ?", userID).
		Select("COALESCE(SUM(clicks), 0)").
		Scan(&stats.TotalClicks).Error; err != nil {
		return UserStats{}, newServiceError(opUserStats, "click_sum_failed", err)
	}

	stats.TotalLeads = stats.SubmittedLeads + stats.ReferredLeads
	stats.ConversionRate = roundPercent(stats.TotalLeads, stats.TotalClicks)
	return stats, nil
}

// InvitePerformance reports one invite's lead yield within the report window.
type InvitePerformance struct {
	Invite         Invite
	Leads          int64
	ConversionRate float64
}

// DailyLeadCount is one bucket of the per-day lead series, keyed by UTC date.
type DailyLeadCount struct {
	Date  string
	Count int64
}

// PageAnalytics aggregates lead capture performance for one page.
type PageAnalytics struct {
	TotalLeads        int64
	LeadsByStatus     map[LeadStatus]int64
	InvitePerformance []InvitePerformance
	DailyLeads        []DailyLeadCount
	ConversionRate    float64
}

// PageAnalytics computes the read-only rollup for one page, optionally restricted to
// a date window. Percentages are rounded half-up to two decimals; zero denominators
// yield zero rates.
func (s *Service) PageAnalytics(ctx context.Context, pageID uint, window DateRange) (PageAnalytics, error) {
	db := s.db.WithContext(ctx)

	var page pages.Page
	err := db.Where("id = ?", pageID).Take(&page).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return PageAnalytics{}, newServiceError(opPageAnalytics, "page_not_found", fmt.Errorf("%w: page %d", ErrPageNotFound, pageID))
	}
	if err != nil {
		return PageAnalytics{}, newServiceError(opPageAnalytics, "page_lookup_failed", err)
	}

	var leads []Lead
	leadsQuery := window.apply(db.Where("page_id = ?", pageID))
	if err := leadsQuery.Find(&leads).Error; err != nil {
		return PageAnalytics{}, newServiceError(opPageAnalytics, "lead_query_failed", err)
	}

	analytics := PageAnalytics{
		TotalLeads:    int64(len(leads)),
		LeadsByStatus: make(map[LeadStatus]int64),
	}
	dailyCounts := make(map[string]int64)
	leadsByReferrer := make(map[uint]int64)
	for _, lead := range leads {
		analytics.LeadsByStatus[lead.Status]++
		dailyCounts[lead.CreatedAt.UTC().Format("2006-01-02")]++
		leadsByReferrer[lead.ReferrerInviteID]++
	}

	dates := make([]string, 0, len(dailyCounts))
	for date := range dailyCounts {
		dates = append(dates, date)
	}
	sort.Strings(dates)
	analytics.DailyLeads = make([]DailyLeadCount, 0, len(dates))
	for _, date := range dates {
		analytics.DailyLeads = append(analytics.DailyLeads, DailyLeadCount{Date: date, Count: dailyCounts[date]})
	}

	var invites []Invite
	if err := db.Where("page_id = ?", pageID).Find(&invites).Error; err != nil {
		return PageAnalytics{}, newServiceError(opPageAnalytics, "invite_query_failed", err)
	}
	analytics.InvitePerformance = make([]InvitePerformance, 0, len(invites))
	for _, invite := range invites {
		leadCount := leadsByReferrer[invite.ID]
		analytics.InvitePerformance = append(analytics.InvitePerformance, InvitePerformance{
			Invite:         invite,
			Leads:          leadCount,
			ConversionRate: roundPercent(leadCount, invite.Clicks),
		})
	}
	sort.SliceStable(analytics.InvitePerformance, func(i, j int) bool {
		left, right := analytics.InvitePerformance[i], analytics.InvitePerformance[j]
		if left.Leads != right.Leads {
			return left.Leads > right.Leads
		}
		return left.Invite.Handle < right.Invite.Handle
	})

	analytics.ConversionRate = roundPercent(analytics.TotalLeads, page.Views)
	return analytics, nil
}

// roundPercent returns 100×numerator/denominator rounded half-up to two decimals,
// or 0 for an empty denominator.
func roundPercent(numerator, denominator int64) float64 {
	if denominator <= 0 {
		return 0
	}
	percent := float64(numerator) / float64(denominator) * 100
	return math.Floor(percent*100+0.5) / 100
}
