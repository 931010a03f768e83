package referral

import (
	"fmt"
	"strings"
)

// LeadStatus enumerates the lead follow-up progression. The order is forward-only:
// a contacted lead never becomes new again, a joined lead is terminal.
type LeadStatus string

const (
	// LeadStatusNew marks a freshly captured lead.
	LeadStatusNew LeadStatus = "new"
	// LeadStatusContacted marks a lead the referrer has reached out to.
	LeadStatusContacted LeadStatus = "contacted"
	// LeadStatusJoined marks a lead that registered on the platform.
	LeadStatusJoined LeadStatus = "joined"
)

// statusPresentation carries display-only metadata; no behavior attaches to it.
var statusPresentation = map[LeadStatus]struct {
	label string
	color string
}{
	LeadStatusNew:       {label: "New Lead", color: "blue"},
	LeadStatusContacted: {label: "Contacted", color: "yellow"},
	LeadStatusJoined:    {label: "Joined Platform", color: "green"},
}

var statusRank = map[LeadStatus]int{
	LeadStatusNew:       0,
	LeadStatusContacted: 1,
	LeadStatusJoined:    2,
}

// ParseLeadStatus validates raw input and returns a LeadStatus.
func ParseLeadStatus(value string) (LeadStatus, error) {
	status := LeadStatus(strings.ToLower(strings.TrimSpace(value)))
	if !status.Valid() {
		return "", fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, value)
	}
	return status, nil
}

// Valid reports whether the status is a known progression step.
func (s LeadStatus) Valid() bool {
	_, ok := statusRank[s]
	return ok
}

// Label returns the display label for the status.
func (s LeadStatus) Label() string {
	return statusPresentation[s].label
}

// Color returns the display color for the status.
func (s LeadStatus) Color() string {
	return statusPresentation[s].color
}

// CanAdvanceTo reports whether moving to next respects the forward-only progression.
// Re-asserting the current status is allowed so note-only updates stay valid.
func (s LeadStatus) CanAdvanceTo(next LeadStatus) bool {
	currentRank, currentOK := statusRank[s]
	nextRank, nextOK := statusRank[next]
	if !currentOK || !nextOK {
		return false
	}
	return nextRank >= currentRank
}
