package util

// Enabled formats a boolean flag for log lines.
func Enabled(flag bool) string {
	if flag {
		return "Enabled"
	}
	return "Disabled"
}
