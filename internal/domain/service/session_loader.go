package service

import (
	"context"

	"go.uber.org/zap"

	"github.com/drammen94/mira-OSS/internal/domain/entity"
	"github.com/drammen94/mira-OSS/internal/domain/repository"
)

const (
	defaultSessionSummaryCount = 5
	continuityPairCount        = 3

	// recentMessageWindow bounds how much history is pulled from the store
	// when hydrating a cold continuum.
	recentMessageWindow = 200
)

// SessionLoader assembles a cold continuum's message cache from the store:
// a collapse marker, the last archived summaries, a few continuity turns, a
// session boundary, then the active segment.
type SessionLoader struct {
	messages     repository.MessageRepository
	summaryCount int
	logger       *zap.Logger
}

func NewSessionLoader(messages repository.MessageRepository, summaryCount int, logger *zap.Logger) *SessionLoader {
	if summaryCount <= 0 {
		summaryCount = defaultSessionSummaryCount
	}
	return &SessionLoader{messages: messages, summaryCount: summaryCount, logger: logger}
}

// Load hydrates continuum.Messages. An empty store yields an empty cache
// with no sentinels.
func (l *SessionLoader) Load(ctx context.Context, continuum *entity.Continuum) error {
	recent, err := l.messages.FindRecent(ctx, continuum.ID, recentMessageWindow)
	if err != nil {
		return err
	}
	if len(recent) == 0 {
		continuum.Messages = nil
		return nil
	}

	summaries, err := l.messages.FindCollapsedSummaries(ctx, continuum.ID, l.summaryCount)
	if err != nil {
		return err
	}

	active, continuity := splitActiveSegment(recent)

	assembled := make([]*entity.Message, 0, len(summaries)+len(continuity)+len(active)+2)
	assembled = append(assembled, entity.NewCollapseMarker())
	assembled = append(assembled, summaries...)
	assembled = append(assembled, continuity...)
	assembled = append(assembled, entity.NewSessionBoundary())
	assembled = append(assembled, active...)

	continuum.Messages = assembled
	l.logger.Debug("Hydrated continuum cache",
		zap.String("continuum_id", continuum.ID),
		zap.Int("summaries", len(summaries)),
		zap.Int("continuity", len(continuity)),
		zap.Int("active", len(active)))
	return nil
}

// splitActiveSegment separates the active segment (everything after the
// last sentinel, archived summaries excluded) from the continuity pairs
// immediately before it.
func splitActiveSegment(recent []*entity.Message) (active, continuity []*entity.Message) {
	boundary := -1
	for i := len(recent) - 1; i >= 0; i-- {
		if recent[i].IsSentinel() {
			boundary = i
			break
		}
	}

	for _, msg := range recent[boundary+1:] {
		if msg.IsSegmentSummary() {
			continue
		}
		active = append(active, msg)
	}

	if boundary < 0 {
		return active, nil
	}

	continuity = continuityPairs(recent[:boundary], continuityPairCount)
	return active, continuity
}

// continuityPairs walks backwards collecting the last n complete
// user→assistant exchanges, returned in chronological order.
func continuityPairs(messages []*entity.Message, n int) []*entity.Message {
	var pairs [][]*entity.Message
	var pendingAssistant *entity.Message

	for i := len(messages) - 1; i >= 0 && len(pairs) < n; i-- {
		msg := messages[i]
		if msg.IsSentinel() || msg.IsSegmentSummary() {
			continue
		}
		switch msg.Role {
		case entity.RoleAssistant:
			pendingAssistant = msg
		case entity.RoleUser:
			if pendingAssistant != nil {
				pairs = append(pairs, []*entity.Message{msg, pendingAssistant})
				pendingAssistant = nil
			}
		}
	}

	var out []*entity.Message
	for i := len(pairs) - 1; i >= 0; i-- {
		out = append(out, pairs[i]...)
	}
	return out
}
