package util

// IsValidEnum reports whether value is one of validValues. The empty string
// is accepted so callers can fall back to a default.
func IsValidEnum(value string, validValues []string) bool {
	if value == "" {
		return true
	}
	for _, v := range validValues {
		if value == v {
			return true
		}
	}
	return false
}
