package referral

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/magnet/backend/internal/pages"
	"github.com/MarcoPoloResearchLab/magnet/backend/internal/users"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

type staticIDGenerator struct {
	ids   []string
	index int
}

func (g *staticIDGenerator) NewID() (string, error) {
	if g.index >= len(g.ids) {
		return "", errors.New("exhausted ids")
	}
	id := g.ids[g.index]
	g.index++
	return id, nil
}

func newTestDatabase(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:magnet_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&pages.Page{}, &users.Account{}, &Invite{}, &Lead{}, &ClosureEdge{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return db
}

func newTestService(t *testing.T, accountIDs []string) (*Service, *gorm.DB) {
	t.Helper()

	db := newTestDatabase(t)
	clock := func() time.Time { return time.Unix(1756600000, 0).UTC() }

	accounts := users.NewService(users.ServiceConfig{
		Clock:      clock,
		IDProvider: &staticIDGenerator{ids: accountIDs},
	})

	service, err := NewService(ServiceConfig{
		Database: db,
		Clock:    clock,
		Accounts: accounts,
		BaseURL:  "https://links.example.com",
	})
	if err != nil {
		t.Fatalf("failed to construct referral service: %v", err)
	}

	return service, db
}

func seedPage(t *testing.T, db *gorm.DB, slug string) pages.Page {
	t.Helper()

	page := pages.Page{
		Slug:            slug,
		OwnerID:         "owner-1",
		Title:           "Capture Page",
		PlatformBaseURL: "https://platform.example.com",
	}
	if err := db.Create(&page).Error; err != nil {
		t.Fatalf("failed to seed page: %v", err)
	}
	return page
}

// seedInvite creates an invite with its self edge, matching how creation paths write
// them in production.
func seedInvite(t *testing.T, db *gorm.DB, pageID uint, userID, handle string) Invite {
	t.Helper()

	invite := Invite{
		PageID:   pageID,
		UserID:   userID,
		Handle:   handle,
		IsActive: true,
	}
	if err := db.Create(&invite).Error; err != nil {
		t.Fatalf("failed to seed invite %s: %v", handle, err)
	}
	edge := ClosureEdge{AncestorInviteID: invite.ID, DescendantInviteID: invite.ID, Depth: 0}
	if err := db.Create(&edge).Error; err != nil {
		t.Fatalf("failed to seed self edge for %s: %v", handle, err)
	}
	return invite
}

func seedAccount(t *testing.T, db *gorm.DB, id, email string) users.Account {
	t.Helper()

	account := users.Account{
		ID:          id,
		Email:       email,
		DisplayName: id,
		Credential:  "unclaimed$test",
		Unclaimed:   true,
	}
	if err := db.Create(&account).Error; err != nil {
		t.Fatalf("failed to seed account %s: %v", id, err)
	}
	return account
}

func mustSubmitLead(t *testing.T, service *Service, request SubmitLeadRequest) SubmitLeadResult {
	t.Helper()

	result, err := service.SubmitLead(context.Background(), request)
	if err != nil {
		t.Fatalf("unexpected submission error: %v", err)
	}
	return result
}
