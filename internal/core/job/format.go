package job

import "fmt"

// FormatDuration renders a millisecond metric for display: "850.0 ms", "1.23 s".
func FormatDuration(ms float64) string {
	if ms >= 1000 {
		return fmt.Sprintf("%.2f s", ms/1000)
	}
	return fmt.Sprintf("%.1f ms", ms)
}

// FormatBytes renders a byte count as KB or MB.
func FormatBytes(n int64) string {
	const mb = 1024 * 1024
	if n >= mb {
		return fmt.Sprintf("%.2f MB", float64(n)/mb)
	}
	return fmt.Sprintf("%.2f KB", float64(n)/1024)
}
