package dal

import "github.com/kpeters/chargetrack/backend/models"

// LiveSource is implemented by the session monitor: it can answer for the
// one session that is currently charging, and nothing else.
type LiveSource interface {
	CurrentSession() *models.SessionRecord
}

type liveResolver struct {
	source LiveSource
}

func (l *liveResolver) Name() string { return "live" }

func (l *liveResolver) Resolve(sessionID string, _ *Date) TierResult {
	current := l.source.CurrentSession()
	if current == nil || current.SessionID != sessionID {
		return notFound()
	}
	return found(current)
}
