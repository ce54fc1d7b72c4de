// Package normalize converts verified raw webhook bodies into canonical
// events. Anything that leaves this package either carries every field a
// handler needs or was rejected before touching a queue.
package normalize

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"threadline.dev/bridge/internal/model"
	"threadline.dev/bridge/internal/platform"
)

// Inbound is the verified, parsed webhook body handed over by the HTTP
// layer: an event name plus a platform-specific data object. The reserved
// "url_verification" event never reaches this package.
type Inbound struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// inboundData is the superset of fields either platform sends. Which ones
// are required depends on the event type.
type inboundData struct {
	ConversationID string `json:"conversation_id"`
	Text           string `json:"text"`
	Title          string `json:"title"`
	Status         string `json:"status"`
	Origin         string `json:"origin"`
	Author         struct {
		ID    string `json:"id"`
		Name  string `json:"name"`
		Email string `json:"email"`
	} `json:"author"`
	Attachments []struct {
		Name string `json:"name"`
		URL  string `json:"url"`
	} `json:"attachments"`
}

// eventTypeNames maps the wire event names of both platforms onto the
// canonical event types.
var eventTypeNames = map[string]model.EventType{
	"message_created":             model.EventMessageCreated,
	"message.created":             model.EventMessageCreated,
	"attachment_added":            model.EventAttachmentAdded,
	"attachment.added":            model.EventAttachmentAdded,
	"thread_created":              model.EventThreadCreated,
	"conversation.created":        model.EventThreadCreated,
	"conversation_status_changed": model.EventConversationStatusChanged,
	"conversation.status_changed": model.EventConversationStatusChanged,
}

// Normalize builds a canonical Event from a raw inbound body and the
// detected source platform. Malformed payloads fail with a non-retryable
// validation error and must never be queued.
func Normalize(in Inbound, source model.Platform) (*model.Event, error) {
	eventType, ok := eventTypeNames[in.Event]
	if !ok {
		return nil, fmt.Errorf("%w: unsupported event %q", platform.ErrValidation, in.Event)
	}

	var data inboundData
	if err := json.Unmarshal(in.Data, &data); err != nil {
		return nil, fmt.Errorf("%w: decoding data: %v", platform.ErrValidation, err)
	}

	if data.ConversationID == "" {
		return nil, fmt.Errorf("%w: missing conversation_id", platform.ErrValidation)
	}

	switch eventType {
	case model.EventMessageCreated:
		if data.Text == "" {
			return nil, fmt.Errorf("%w: message_created without text", platform.ErrValidation)
		}
	case model.EventAttachmentAdded:
		if len(data.Attachments) == 0 {
			return nil, fmt.Errorf("%w: attachment_added without attachments", platform.ErrValidation)
		}
	case model.EventConversationStatusChanged:
		if data.Status == "" {
			return nil, fmt.Errorf("%w: status change without status", platform.ErrValidation)
		}
	}

	origin := source
	if data.Origin != "" {
		parsed, err := model.ParsePlatform(data.Origin)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", platform.ErrValidation, err)
		}
		origin = parsed
	}

	payload := model.Payload{
		ConversationID: data.ConversationID,
		Text:           data.Text,
		Title:          data.Title,
		Status:         data.Status,
		AuthorID:       data.Author.ID,
		AuthorName:     data.Author.Name,
		AuthorEmail:    data.Author.Email,
		Origin:         origin,
	}
	for _, a := range data.Attachments {
		payload.Attachments = append(payload.Attachments, model.Attachment{Name: a.Name, URL: a.URL})
	}

	return &model.Event{
		EventID:        uuid.NewString(),
		SourcePlatform: source,
		TargetPlatform: source.Other(),
		Type:           eventType,
		ReceivedAt:     time.Now().UTC(),
		Payload:        payload,
		Priority:       model.PriorityFor(eventType),
		AttemptCount:   0,
		Source:         model.SourceWebhook,
	}, nil
}
