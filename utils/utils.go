package utils
import (
	"fmt"
	"math"
	"strings"
)
// FormatClock renders seconds as MM:SS, or HH:MM:SS once an hour has passed.
// Negative input is treated as zero.
func FormatClock(totalSeconds int) string {
	if totalSeconds < 0 {
		totalSeconds = 0
	}
	hours := totalSeconds / 3600
	minutes := (totalSeconds % 3600) / 60
	secs := totalSeconds % 60
	if hours > 0 {
		return fmt.Sprintf("%02d:%02d:%02d", hours, minutes, secs)
	}
	return fmt.Sprintf("%02d:%02d", minutes, secs)
}
// Percent returns round(100*part/total), or 0 when total is 0.
func Percent(part, total int) int {
	if total <= 0 {
		return 0
	}
	return int(math.Round(float64(part) / float64(total) * 100))
}
// ContainsString checks if a string slice contains a specific string.
func ContainsString(slice []string, item string) bool {
	for _, a := range slice {
		if a == item {
			return true
		}
	}
	return false
}
// OptionLetter returns A, B, C... for a 0-based option index.
func OptionLetter(index int) string {
	if index < 0 || index >= 26 {
		return "?"
	}
	return string(rune('A' + index))
}
// CleanEndpoint strips a leading "/api/" or "/" so endpoints can be joined to a base URL.
func CleanEndpoint(endpoint string) string {
	if strings.HasPrefix(endpoint, "/api/") {
		return endpoint[len("/api/"):]
	}
	return strings.TrimPrefix(endpoint, "/")
}
