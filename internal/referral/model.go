package referral

import (
	"errors"
	"time"
)

var (
	// ErrPageNotFound indicates the submission referenced a page that does not exist.
	ErrPageNotFound = errors.New("referral: page not found")
	// ErrInviteNotFound indicates the referenced invite is absent or inactive.
	ErrInviteNotFound = errors.New("referral: invite not found")
	// ErrLeadNotFound indicates the referenced lead does not exist.
	ErrLeadNotFound = errors.New("referral: lead not found")
	// ErrUserNotFound indicates the referenced account does not exist.
	ErrUserNotFound = errors.New("referral: user not found")
	// ErrDuplicateHandle indicates the (page, handle) pair is already taken.
	ErrDuplicateHandle = errors.New("referral: duplicate handle")
	// ErrEdgeExists indicates the closure edge was already written.
	ErrEdgeExists = errors.New("referral: closure edge already exists")
	// ErrSelfReferral indicates an invite was attached as its own ancestor.
	ErrSelfReferral = errors.New("referral: invite cannot refer itself")
	// ErrInvalidTransition indicates a lead status regression was attempted.
	ErrInvalidTransition = errors.New("referral: invalid status transition")
	// ErrTransactionConflict indicates concurrent writers collided; the submission
	// may be retried as a whole.
	ErrTransactionConflict = errors.New("referral: transaction conflict")
	// ErrHandleGenerationExhausted indicates no free handle was found within the
	// suffix retry budget.
	ErrHandleGenerationExhausted = errors.New("referral: handle generation exhausted")
	// ErrInviteHasDescendants indicates a delete was refused to protect the closure.
	ErrInviteHasDescendants = errors.New("referral: invite has descendants")
)

// Invite is one person's unique, trackable entry link into a page. The owning user is
// fixed at creation; counters only ever grow.
type Invite struct {
	ID         uint      `gorm:"column:id;primaryKey"`
	PageID     uint      `gorm:"column:page_id;not null;uniqueIndex:idx_invites_page_handle,priority:1"`
	UserID     string    `gorm:"column:user_id;size:36;not null;index"`
	Handle     string    `gorm:"column:handle;size:64;not null;uniqueIndex:idx_invites_page_handle,priority:2"`
	JoinURL    string    `gorm:"column:join_url;size:512"`
	Clicks     int64     `gorm:"column:clicks;not null;default:0"`
	LeadsCount int64     `gorm:"column:leads_count;not null;default:0"`
	IsActive   bool      `gorm:"column:is_active;not null;default:true"`
	CreatedAt  time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt  time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName provides the explicit table binding for GORM.
func (Invite) TableName() string {
	return "page_invites"
}

// Lead is one captured contact event. The referrer invite gets attribution credit;
// the submitter invite is the one minted for the person who submitted. Only status
// and notes change after creation.
type Lead struct {
	ID                uint       `gorm:"column:id;primaryKey"`
	PageID            uint       `gorm:"column:page_id;not null;index"`
	ReferrerInviteID  uint       `gorm:"column:referrer_invite_id;not null;index"`
	SubmitterInviteID uint       `gorm:"column:submitter_invite_id;not null;uniqueIndex"`
	SubmitterUserID   string     `gorm:"column:submitter_user_id;size:36;not null;index"`
	Name              string     `gorm:"column:name;size:190;not null"`
	Email             string     `gorm:"column:email;size:320;not null;index"`
	Phone             string     `gorm:"column:phone;size:32"`
	UTMSource         string     `gorm:"column:utm_source;size:190"`
	UTMMedium         string     `gorm:"column:utm_medium;size:190"`
	UTMCampaign       string     `gorm:"column:utm_campaign;size:190"`
	IPAddress         string     `gorm:"column:ip_address;size:64"`
	UserAgent         string     `gorm:"column:user_agent;size:512"`
	Status            LeadStatus `gorm:"column:status;size:16;not null;default:new;index"`
	Notes             string     `gorm:"column:notes;type:text"`
	CreatedAt         time.Time  `gorm:"column:created_at;autoCreateTime;index"`
	UpdatedAt         time.Time  `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName provides the explicit table binding for GORM.
func (Lead) TableName() string {
	return "leads"
}

// ClosureEdge is one ancestor→descendant pair in the referral forest at a known depth.
// Every invite carries a depth-0 self edge; non-root invites carry one edge per
// ancestor at the correct cumulative depth. Rows are append-only.
type ClosureEdge struct {
	AncestorInviteID   uint `gorm:"column:ancestor_invite_id;primaryKey;autoIncrement:false"`
	DescendantInviteID uint `gorm:"column:descendant_invite_id;primaryKey;autoIncrement:false;index:idx_closure_descendant"`
	Depth              int  `gorm:"column:depth;not null"`
}

// TableName provides the explicit table binding for GORM.
func (ClosureEdge) TableName() string {
	return "invite_closure_edges"
}

// InviteDepth pairs an invite with its distance from the queried node.
type InviteDepth struct {
	Invite Invite
	Depth  int
}
