package recovery

import "strings"

// Classification partitions errors into those worth retrying and those that
// cannot succeed no matter how often they are repeated.
type Classification int

const (
	Retriable Classification = iota
	Fatal
)

// fatalPatterns are matched case-insensitively against the error message.
// Order matters only for readability; any match short-circuits the retry
// budget.
var fatalPatterns = []string{
	"does not exist",
	"no such file",
	"no such key",
	"not found",
	"permission denied",
	"access denied",
	"invalid",
	"constraint violation",
}

// Classify decides whether an error is worth retrying.
func Classify(err error) Classification {
	if err == nil {
		return Retriable
	}

	msg := strings.ToLower(err.Error())
	for _, pattern := range fatalPatterns {
		if strings.Contains(msg, pattern) {
			return Fatal
		}
	}
	return Retriable
}
