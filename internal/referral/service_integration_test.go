package referral

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/MarcoPoloResearchLab/magnet/backend/internal/users"
)

func TestSubmitLeadAttributesFullChain(t *testing.T) {
	service, db := newTestService(t, []string{"account-bob"})
	page := seedPage(t, db, "abc")
	alice := seedInvite(t, db, page.ID, "account-alice", "alice")
	if err := db.Model(&Invite{}).Where("id = ?", alice.ID).Update("clicks", 3).Error; err != nil {
		t.Fatalf("failed to seed clicks: %v", err)
	}

	result := mustSubmitLead(t, service, SubmitLeadRequest{
		PageSlug:       "abc",
		ReferrerHandle: "alice",
		Name:           "Bob",
		Email:          "bob@example.com",
		Phone:          "+15550100",
		UTMSource:      "newsletter",
	})

	if result.Lead.ID == 0 {
		t.Fatalf("expected persisted lead")
	}
	if result.Lead.Status != LeadStatusNew {
		t.Fatalf("expected new lead status, got %s", result.Lead.Status)
	}
	if result.Lead.ReferrerInviteID != alice.ID {
		t.Fatalf("expected attribution to alice's invite")
	}
	if !result.AccountCreated {
		t.Fatalf("expected a new unclaimed account")
	}
	if result.Account.ID != "account-bob" {
		t.Fatalf("unexpected account id %s", result.Account.ID)
	}
	if result.SubmitterInvite.Handle != "bob" {
		t.Fatalf("expected minted handle bob, got %s", result.SubmitterInvite.Handle)
	}
	if result.PersonalizedLink != "https://links.example.com/abc?ref=bob" {
		t.Fatalf("unexpected personalized link %s", result.PersonalizedLink)
	}
	if result.RedirectURL != "https://platform.example.com/signup/alice" {
		t.Fatalf("unexpected redirect %s", result.RedirectURL)
	}

	var bobInvite Invite
	if err := db.Where("page_id = ? AND handle = ?", page.ID, "bob").Take(&bobInvite).Error; err != nil {
		t.Fatalf("failed to load minted invite: %v", err)
	}

	var selfEdge ClosureEdge
	if err := db.Where("ancestor_invite_id = ? AND descendant_invite_id = ? AND depth = 0",
		bobInvite.ID, bobInvite.ID).Take(&selfEdge).Error; err != nil {
		t.Fatalf("missing self edge for minted invite: %v", err)
	}
	var parentEdge ClosureEdge
	if err := db.Where("ancestor_invite_id = ? AND descendant_invite_id = ? AND depth = 1",
		alice.ID, bobInvite.ID).Take(&parentEdge).Error; err != nil {
		t.Fatalf("missing depth-1 edge from alice: %v", err)
	}

	var refreshedAlice Invite
	if err := db.Where("id = ?", alice.ID).Take(&refreshedAlice).Error; err != nil {
		t.Fatalf("failed to reload alice: %v", err)
	}
	if refreshedAlice.LeadsCount != 1 {
		t.Fatalf("expected alice leads_count 1, got %d", refreshedAlice.LeadsCount)
	}
	if refreshedAlice.Clicks != 3 {
		t.Fatalf("click counter must not change on submission, got %d", refreshedAlice.Clicks)
	}

	var refreshedPage int64
	if err := db.Table("pages").Select("views").Where("id = ?", page.ID).Scan(&refreshedPage).Error; err != nil {
		t.Fatalf("failed to reload page views: %v", err)
	}
	if refreshedPage != 1 {
		t.Fatalf("expected page views 1, got %d", refreshedPage)
	}
}

func TestSubmitLeadReusesAccountByEmail(t *testing.T) {
	service, db := newTestService(t, []string{"account-1", "account-2"})
	page := seedPage(t, db, "abc")
	seedInvite(t, db, page.ID, "account-alice", "alice")

	first := mustSubmitLead(t, service, SubmitLeadRequest{
		PageSlug:       "abc",
		ReferrerHandle: "alice",
		Name:           "Bob",
		Email:          "Bob@Example.com",
	})
	second := mustSubmitLead(t, service, SubmitLeadRequest{
		PageSlug:       "abc",
		ReferrerHandle: "alice",
		Name:           "Bobby",
		Email:          "bob@example.com",
	})

	if !first.AccountCreated {
		t.Fatalf("first submission should create the account")
	}
	if second.AccountCreated {
		t.Fatalf("second submission should reuse the account")
	}
	if first.Account.ID != second.Account.ID {
		t.Fatalf("expected same account, got %s and %s", first.Account.ID, second.Account.ID)
	}

	var accounts int64
	if err := db.Model(&users.Account{}).Count(&accounts).Error; err != nil {
		t.Fatalf("failed to count accounts: %v", err)
	}
	if accounts != 1 {
		t.Fatalf("expected 1 account, got %d", accounts)
	}
}

func TestSubmitLeadResolvesHandleCollisions(t *testing.T) {
	service, db := newTestService(t, []string{"account-1", "account-2"})
	page := seedPage(t, db, "abc")
	seedInvite(t, db, page.ID, "account-alice", "alice")

	first := mustSubmitLead(t, service, SubmitLeadRequest{
		PageSlug:       "abc",
		ReferrerHandle: "alice",
		Name:           "Jane Doe",
		Email:          "jane1@example.com",
	})
	second := mustSubmitLead(t, service, SubmitLeadRequest{
		PageSlug:       "abc",
		ReferrerHandle: "alice",
		Name:           "Jane Doe",
		Email:          "jane2@example.com",
	})

	if first.SubmitterInvite.Handle != "jane-doe" {
		t.Fatalf("expected jane-doe, got %s", first.SubmitterInvite.Handle)
	}
	if second.SubmitterInvite.Handle != "jane-doe1" {
		t.Fatalf("expected jane-doe1, got %s", second.SubmitterInvite.Handle)
	}
}

func TestSubmitLeadExhaustsHandleSuffixes(t *testing.T) {
	service, db := newTestService(t, []string{"account-jane"})
	page := seedPage(t, db, "abc")
	alice := seedInvite(t, db, page.ID, "account-alice", "alice")

	// Occupy the seed handle and every suffix the bounded retry will try.
	seedInvite(t, db, page.ID, "account-0", "jane-doe")
	for i := 1; i < 20; i++ {
		seedInvite(t, db, page.ID, fmt.Sprintf("account-%d", i), fmt.Sprintf("jane-doe%d", i))
	}

	_, err := service.SubmitLead(context.Background(), SubmitLeadRequest{
		PageSlug:       "abc",
		ReferrerHandle: "alice",
		Name:           "Jane Doe",
		Email:          "jane@example.com",
	})
	if !errors.Is(err, ErrHandleGenerationExhausted) {
		t.Fatalf("expected ErrHandleGenerationExhausted, got %v", err)
	}

	var invites int64
	if err := db.Model(&Invite{}).Count(&invites).Error; err != nil {
		t.Fatalf("failed to count invites: %v", err)
	}
	if invites != 21 {
		t.Fatalf("expected only the seeded invites to remain, got %d", invites)
	}

	var accounts int64
	if err := db.Model(&users.Account{}).Count(&accounts).Error; err != nil {
		t.Fatalf("failed to count accounts: %v", err)
	}
	if accounts != 0 {
		t.Fatalf("expected account creation to roll back, got %d", accounts)
	}

	var leads int64
	if err := db.Model(&Lead{}).Count(&leads).Error; err != nil {
		t.Fatalf("failed to count leads: %v", err)
	}
	if leads != 0 {
		t.Fatalf("expected no leads, got %d", leads)
	}

	var refreshedAlice Invite
	if err := db.Where("id = ?", alice.ID).Take(&refreshedAlice).Error; err != nil {
		t.Fatalf("failed to reload alice: %v", err)
	}
	if refreshedAlice.LeadsCount != 0 {
		t.Fatalf("leads counter must roll back, got %d", refreshedAlice.LeadsCount)
	}
}

func TestSubmitLeadBuildsMultiLevelClosure(t *testing.T) {
	service, db := newTestService(t, []string{"account-b", "account-c"})
	page := seedPage(t, db, "abc")
	root := seedInvite(t, db, page.ID, "account-root", "root")

	first := mustSubmitLead(t, service, SubmitLeadRequest{
		PageSlug:       "abc",
		ReferrerHandle: "root",
		Name:           "Second Level",
		Email:          "second@example.com",
	})
	second := mustSubmitLead(t, service, SubmitLeadRequest{
		PageSlug:       "abc",
		ReferrerHandle: first.SubmitterInvite.Handle,
		Name:           "Third Level",
		Email:          "third@example.com",
	})

	upline, err := service.Closure().AncestorsOf(context.Background(), second.SubmitterInvite.ID, 1)
	if err != nil {
		t.Fatalf("ancestors query failed: %v", err)
	}
	if len(upline) != 2 {
		t.Fatalf("expected 2 ancestors, got %d", len(upline))
	}
	if upline[0].Invite.ID != first.SubmitterInvite.ID || upline[0].Depth != 1 {
		t.Fatalf("expected immediate referrer at depth 1")
	}
	if upline[1].Invite.ID != root.ID || upline[1].Depth != 2 {
		t.Fatalf("expected root at depth 2, got invite %d at depth %d", upline[1].Invite.ID, upline[1].Depth)
	}
}

func TestSubmitLeadRejectsUnknownPage(t *testing.T) {
	service, _ := newTestService(t, []string{"account-1"})

	_, err := service.SubmitLead(context.Background(), SubmitLeadRequest{
		PageSlug:       "missing",
		ReferrerHandle: "alice",
		Name:           "Bob",
		Email:          "bob@example.com",
	})
	if !errors.Is(err, ErrPageNotFound) {
		t.Fatalf("expected ErrPageNotFound, got %v", err)
	}
}

func TestSubmitLeadRejectsUnknownReferrer(t *testing.T) {
	service, db := newTestService(t, []string{"account-1"})
	seedPage(t, db, "abc")

	_, err := service.SubmitLead(context.Background(), SubmitLeadRequest{
		PageSlug:       "abc",
		ReferrerHandle: "ghost",
		Name:           "Bob",
		Email:          "bob@example.com",
	})
	if !errors.Is(err, ErrInviteNotFound) {
		t.Fatalf("expected ErrInviteNotFound, got %v", err)
	}
}

func TestSubmitLeadRejectsInactiveReferrer(t *testing.T) {
	service, db := newTestService(t, []string{"account-1"})
	page := seedPage(t, db, "abc")
	alice := seedInvite(t, db, page.ID, "account-alice", "alice")
	if err := db.Model(&Invite{}).Where("id = ?", alice.ID).Update("is_active", false).Error; err != nil {
		t.Fatalf("failed to deactivate invite: %v", err)
	}

	_, err := service.SubmitLead(context.Background(), SubmitLeadRequest{
		PageSlug:       "abc",
		ReferrerHandle: "alice",
		Name:           "Bob",
		Email:          "bob@example.com",
	})
	if !errors.Is(err, ErrInviteNotFound) {
		t.Fatalf("expected ErrInviteNotFound for inactive referrer, got %v", err)
	}
}

func TestSubmitLeadRequiresContactFields(t *testing.T) {
	service, _ := newTestService(t, []string{"account-1"})

	_, err := service.SubmitLead(context.Background(), SubmitLeadRequest{
		PageSlug:       "abc",
		ReferrerHandle: "alice",
		Name:           "",
		Email:          "bob@example.com",
	})
	if err == nil {
		t.Fatalf("expected error for missing name")
	}

	_, err = service.SubmitLead(context.Background(), SubmitLeadRequest{
		PageSlug:       "",
		ReferrerHandle: "alice",
		Name:           "Bob",
		Email:          "bob@example.com",
	})
	if err == nil {
		t.Fatalf("expected error for missing page slug")
	}
}

func TestSubmitLeadRollsBackAtomically(t *testing.T) {
	service, db := newTestService(t, []string{"account-1"})
	page := seedPage(t, db, "abc")
	alice := seedInvite(t, db, page.ID, "account-alice", "alice")

	// Force the lead insert to fail after account and invite creation have run
	// inside the transaction; nothing may survive the rollback.
	if err := db.Migrator().DropTable(&Lead{}); err != nil {
		t.Fatalf("failed to drop leads table: %v", err)
	}

	_, err := service.SubmitLead(context.Background(), SubmitLeadRequest{
		PageSlug:       "abc",
		ReferrerHandle: "alice",
		Name:           "Bob",
		Email:          "bob@example.com",
	})
	if err == nil {
		t.Fatalf("expected submission to fail")
	}

	var invites int64
	if err := db.Model(&Invite{}).Count(&invites).Error; err != nil {
		t.Fatalf("failed to count invites: %v", err)
	}
	if invites != 1 {
		t.Fatalf("expected only alice's invite to remain, got %d", invites)
	}

	var accounts int64
	if err := db.Model(&users.Account{}).Count(&accounts).Error; err != nil {
		t.Fatalf("failed to count accounts: %v", err)
	}
	if accounts != 0 {
		t.Fatalf("expected no accounts after rollback, got %d", accounts)
	}

	var edges int64
	if err := db.Model(&ClosureEdge{}).Where("depth > 0").Count(&edges).Error; err != nil {
		t.Fatalf("failed to count edges: %v", err)
	}
	if edges != 0 {
		t.Fatalf("expected no hierarchy edges after rollback, got %d", edges)
	}

	var refreshedAlice Invite
	if err := db.Where("id = ?", alice.ID).Take(&refreshedAlice).Error; err != nil {
		t.Fatalf("failed to reload alice: %v", err)
	}
	if refreshedAlice.LeadsCount != 0 {
		t.Fatalf("leads counter must roll back, got %d", refreshedAlice.LeadsCount)
	}
}

func TestRedirectURLFallbacks(t *testing.T) {
	service, db := newTestService(t, []string{"account-1", "account-2"})
	page := seedPage(t, db, "abc")
	seedInvite(t, db, page.ID, "account-alice", "alice")

	// Platform URL absent, default join URL present.
	if err := db.Table("pages").Where("id = ?", page.ID).
		Updates(map[string]interface{}{"platform_base_url": "", "default_join_url": "https://join.example.com"}).Error; err != nil {
		t.Fatalf("failed to update page: %v", err)
	}
	result := mustSubmitLead(t, service, SubmitLeadRequest{
		PageSlug:       "abc",
		ReferrerHandle: "alice",
		Name:           "Bob",
		Email:          "bob@example.com",
	})
	if result.RedirectURL != "https://join.example.com" {
		t.Fatalf("expected default join fallback, got %s", result.RedirectURL)
	}

	// Both absent.
	if err := db.Table("pages").Where("id = ?", page.ID).
		Update("default_join_url", "").Error; err != nil {
		t.Fatalf("failed to clear join url: %v", err)
	}
	result = mustSubmitLead(t, service, SubmitLeadRequest{
		PageSlug:       "abc",
		ReferrerHandle: "alice",
		Name:           "Carol",
		Email:          "carol@example.com",
	})
	if result.RedirectURL != "#" {
		t.Fatalf("expected '#' fallback, got %s", result.RedirectURL)
	}
}
