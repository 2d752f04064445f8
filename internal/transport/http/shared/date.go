package shared

import "time"

// ParseDate accepts RFC3339 or YYYY-MM-DD (midnight UTC). Empty is zero.
func ParseDate(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, nil
	}
	if parsed, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return parsed.UTC(), nil
	}
	return time.Parse("2006-01-02", value)
}
