package gateway

import (
	"time"

	"careline/cmd/internal/escalation"
	"careline/cmd/internal/message"
	"careline/cmd/internal/realtime"
	"careline/cmd/internal/status"
	v1 "careline/shared/contracts/realtime/v1"
)

// eventEnvelope maps a hub event onto its wire envelope.
func eventEnvelope(ev realtime.Event, now time.Time) (v1.Envelope, bool) {
	var (
		typ     string
		payload any
	)
	switch ev.Type {
	case realtime.EventMessageNew, realtime.EventMessageEdited, realtime.EventMessageDeleted:
		m, ok := ev.Payload.(message.Message)
		if !ok {
			return v1.Envelope{}, false
		}
		typ = map[realtime.EventType]string{
			realtime.EventMessageNew:     v1.TypeMessageNew,
			realtime.EventMessageEdited:  v1.TypeMessageEdited,
			realtime.EventMessageDeleted: v1.TypeMessageDeleted,
		}[ev.Type]
		payload = messagePayload(m)
	case realtime.EventStatusChanged:
		c, ok := ev.Payload.(status.Change)
		if !ok {
			return v1.Envelope{}, false
		}
		typ = v1.TypeStatusChanged
		payload = v1.StatusChangedPayload{
			MessageID:      c.MessageID,
			ConversationID: c.ConversationID,
			UserID:         c.UserID,
			Seq:            c.Seq,
			State:          string(c.State),
		}
	case realtime.EventEscalationUpdated:
		e, ok := ev.Payload.(escalation.Event)
		if !ok {
			return v1.Envelope{}, false
		}
		typ = v1.TypeEscalationUpdated
		payload = v1.EscalationUpdatedPayload{
			EventID:        e.ID,
			ConversationID: e.ConversationID,
			RuleID:         e.RuleID,
			Priority:       e.Priority,
			State:          string(e.State),
			Attempts:       e.Attempts,
			MessageIDs:     e.MessageIDs,
			AcknowledgedBy: e.AcknowledgedBy,
			AcknowledgedAt: e.AcknowledgedAt,
		}
	default:
		return v1.Envelope{}, false
	}
	return newEnvelope(typ, "", ev.ConversationID, payload, now), true
}

func messagePayload(m message.Message) v1.MessagePayload {
	p := v1.MessagePayload{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		Seq:            m.Seq,
		Type:           string(m.Type),
		Content:        m.Content,
		Priority:       string(m.Priority),
		ReplyTo:        m.ReplyTo,
		Metadata:       m.Metadata,
		IsEdited:       m.IsEdited,
		EditVersion:    m.EditVersion,
		IsDeleted:      m.IsDeleted,
		CreatedAt:      m.CreatedAt,
		UpdatedAt:      m.UpdatedAt,
	}
	if m.IsDeleted {
		p.Content = ""
	}
	return p
}
