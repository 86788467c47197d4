package websocket

import (
	"encoding/base64"

	apperrors "github.com/drammen94/mira-OSS/pkg/errors"
)

// MessageType labels wire frames in both directions.
type MessageType string

const (
	// client → server
	MessageTypeAuth    MessageType = "auth"
	MessageTypePing    MessageType = "ping"
	MessageTypeMessage MessageType = "message"

	// server → client
	MessageTypeAuthSuccess    MessageType = "auth_success"
	MessageTypePong           MessageType = "pong"
	MessageTypeText           MessageType = "text"
	MessageTypeThinking       MessageType = "thinking"
	MessageTypeTool           MessageType = "tool"
	MessageTypeError          MessageType = "error"
	MessageTypeComplete       MessageType = "complete"
	MessageTypeServerShutdown MessageType = "server_shutdown"
)

// ClientMessage is an inbound frame.
type ClientMessage struct {
	Type      MessageType `json:"type"`
	Token     string      `json:"token,omitempty"`
	Content   string      `json:"content,omitempty"`
	Image     string      `json:"image,omitempty"`
	ImageType string      `json:"image_type,omitempty"`
}

// ServerMessage is an outbound frame.
type ServerMessage struct {
	Type        MessageType    `json:"type"`
	Message     string         `json:"message,omitempty"`
	Content     string         `json:"content,omitempty"`
	UserID      string         `json:"user_id,omitempty"`
	ContinuumID string         `json:"continuum_id,omitempty"`
	Response    string         `json:"response,omitempty"`
	ToolName    string         `json:"tool_name,omitempty"`
	ToolStatus  string         `json:"tool_status,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	Timestamp   int64          `json:"timestamp"`
}

// maxImageBytes is the decoded image size ceiling. Exactly this size is
// accepted.
const maxImageBytes = 5 * 1024 * 1024

var allowedImageTypes = map[string]bool{
	"image/jpeg": true,
	"image/png":  true,
	"image/gif":  true,
	"image/webp": true,
}

// ValidateImage checks an inbound image attachment: known media type, valid
// base64, decoded size within the limit.
func ValidateImage(image, imageType string) error {
	if !allowedImageTypes[imageType] {
		return apperrors.NewInvalidInputError("unsupported image type: " + imageType)
	}
	decoded, err := base64.StdEncoding.DecodeString(image)
	if err != nil {
		return apperrors.NewInvalidInputError("image data is not valid base64")
	}
	if len(decoded) > maxImageBytes {
		return apperrors.NewInvalidInputError("image exceeds the 5 MB limit")
	}
	return nil
}
