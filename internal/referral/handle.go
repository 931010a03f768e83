package referral

import (
	"strings"
)

const (
	// maxHandleSeedLength leaves room for the numeric collision suffix within the
	// 64-character handle column.
	maxHandleSeedLength = 60
	// fallbackHandleSeed stands in when a display name slugifies to nothing.
	fallbackHandleSeed = "invite"
)

// Slugify lowercases a display name into a URL-safe handle seed: ASCII letters and
// digits are kept, every other run of characters collapses to a single dash.
func Slugify(name string) string {
	var builder strings.Builder
	builder.Grow(len(name))
	pendingDash := false
	for _, r := range strings.ToLower(name) {
		isAlphanumeric := (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9')
		if isAlphanumeric {
			if pendingDash && builder.Len() > 0 {
				builder.WriteByte('-')
			}
			pendingDash = false
			builder.WriteRune(r)
			continue
		}
		pendingDash = true
	}

	slug := builder.String()
	if len(slug) > maxHandleSeedLength {
		slug = strings.TrimRight(slug[:maxHandleSeedLength], "-")
	}
	if slug == "" {
		return fallbackHandleSeed
	}
	return slug
}
