package projector

import (
	"time"

	"relaychat/internal/models"
)

// View is the in-flight part of a request that the UI shows before it is
// committed. A nil View, or one that is not Live, renders nothing extra.
type View struct {
	// Live is set while the request is streaming or observing.
	Live      bool
	StartedAt time.Time
	Content   string
	Asset     string
	Citations []models.Citation
}

// Project returns the messages the UI renders: the committed history plus, for
// a live request, one trailing non-final agent message. It never mutates its
// inputs and returns equal output for equal input.
func Project(committed []models.Message, view *View) []models.Message {
	size := len(committed)
	if view != nil && view.Live {
		size++
	}
	out := make([]models.Message, 0, size)
	out = append(out, models.CloneMessages(committed)...)
	if view == nil || !view.Live {
		return out
	}

	msg := models.Message{
		Role:      models.RoleAgent,
		Content:   view.Content,
		Timestamp: view.StartedAt,
		Asset:     view.Asset,
		Partial:   true,
		Streaming: true,
	}
	if len(view.Citations) > 0 {
		msg.Citations = append([]models.Citation(nil), view.Citations...)
	}
	return append(out, msg)
}
