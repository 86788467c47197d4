package service

import (
	"errors"

	apperrors "github.com/drammen94/mira-OSS/pkg/errors"
)

// FriendlyError translates an internal failure into the message shown to
// the user. Internal details are logged elsewhere, never exposed here.
func FriendlyError(err error) string {
	switch apperrors.CodeOf(err) {
	case apperrors.CodeRateLimited:
		return "I'm currently rate limited by the language model provider. Please wait a moment and try again."
	case apperrors.CodeUnauthorized:
		return "There's an issue with API authentication. Please contact the administrator."
	case apperrors.CodeContextLength:
		return "The conversation content is too large to process. Please try something shorter."
	case apperrors.CodeTimeout:
		return "The request took too long to complete. Please try again."
	case apperrors.CodeUpstream:
		var appErr *apperrors.AppError
		if errors.As(err, &appErr) && appErr.Err != nil {
			// A wrapped cause means we never reached the provider.
			return "I'm having trouble connecting to the language model right now. Please try again."
		}
		return "The language model provider is experiencing technical difficulties. Please try again shortly."
	default:
		return "Something went wrong while processing your message. Please try again."
	}
}
