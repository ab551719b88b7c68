package timer

import "fmt"

// FormatSeconds renders remaining time for display: "1h05" from one hour up,
// "4:07" below, and "∞" for unlimited sessions.
func FormatSeconds(s int64) string {
	if s == Unlimited {
		return "∞"
	}
	if s < 0 {
		s = 0
	}
	if s >= 3600 {
		return fmt.Sprintf("%dh%02d", s/3600, (s%3600)/60)
	}
	return fmt.Sprintf("%d:%02d", s/60, s%60)
}
