package llm

import (
	"fmt"
	"strings"

	apperrors "github.com/drammen94/mira-OSS/pkg/errors"
)

// MapStatusError translates an upstream HTTP failure to the error taxonomy.
// Both wire clients share these mappings so failover and friendly-error
// translation behave identically on either path.
func MapStatusError(status int, body string) error {
	lower := strings.ToLower(body)
	switch {
	case status == 400 && (strings.Contains(lower, "context_length") ||
		strings.Contains(lower, "context length") ||
		strings.Contains(lower, "reduce the length")):
		return apperrors.NewContextLengthError("request exceeds the model context window")
	case status == 400:
		return apperrors.NewInvalidInputError(fmt.Sprintf("upstream rejected request: %s", truncateBody(body)))
	case status == 401 || status == 403:
		return apperrors.NewUnauthorizedError("upstream authentication failed")
	case status == 429:
		return apperrors.NewRateLimitedError("upstream rate limit exceeded")
	case status >= 500:
		return apperrors.NewUpstreamError(fmt.Sprintf("upstream server error %d", status), nil)
	default:
		return apperrors.NewInternalError(fmt.Sprintf("unexpected upstream status %d: %s", status, truncateBody(body)))
	}
}

// MapTransportError wraps connection-level failures so they trigger failover.
func MapTransportError(err error) error {
	if strings.Contains(err.Error(), "context deadline exceeded") ||
		strings.Contains(err.Error(), "Client.Timeout") {
		return apperrors.NewTimeoutError("upstream request timed out")
	}
	return apperrors.NewUpstreamError("upstream connection failed", err)
}

func truncateBody(s string) string {
	if len(s) > 300 {
		return s[:300]
	}
	return s
}
