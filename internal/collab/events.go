package collab

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

type EventType string

const (
	EventCommentCreated   EventType = "commentCreated"
	EventThreadResolved   EventType = "threadResolved"
	EventThreadUnresolved EventType = "threadUnresolved"
)

// Event is the subset of a provider webhook the router needs.
type Event struct {
	Type       EventType
	RoomID     string
	ThreadID   string
	CommentID  string
	UserID     string
	AuthorName string
	Body       string
}

type rawEvent struct {
	Type string `json:"type"`
	Data struct {
		RoomID     string          `json:"roomId"`
		ThreadID   string          `json:"threadId"`
		CommentID  string          `json:"commentId"`
		UserID     string          `json:"userId"`
		CreatedBy  json.RawMessage `json:"createdBy"`
		ResolvedBy json.RawMessage `json:"resolvedBy"`
		Comment    *struct {
			ID        string          `json:"id"`
			Body      json.RawMessage `json:"body"`
			CreatedBy json.RawMessage `json:"createdBy"`
		} `json:"comment"`
	} `json:"data"`
}

type actor struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// parseActor accepts either a bare user id or an object with id and name.
func parseActor(raw json.RawMessage) actor {
	if len(raw) == 0 {
		return actor{}
	}
	var id string
	if err := json.Unmarshal(raw, &id); err == nil {
		return actor{ID: id}
	}
	var out actor
	_ = json.Unmarshal(raw, &out)
	return out
}

func ParseEvent(payload []byte) (Event, error) {
	var raw rawEvent
	if err := json.Unmarshal(payload, &raw); err != nil {
		return Event{}, fmt.Errorf("decode event: %w", err)
	}
	if raw.Type == "" {
		return Event{}, errors.New("decode event: missing type")
	}

	event := Event{
		Type:      EventType(raw.Type),
		RoomID:    raw.Data.RoomID,
		ThreadID:  raw.Data.ThreadID,
		CommentID: raw.Data.CommentID,
		UserID:    raw.Data.UserID,
	}

	author := parseActor(raw.Data.CreatedBy)
	if event.UserID == "" {
		event.UserID = author.ID
	}
	if event.UserID == "" {
		event.UserID = parseActor(raw.Data.ResolvedBy).ID
	}
	event.AuthorName = author.Name

	if comment := raw.Data.Comment; comment != nil {
		if event.CommentID == "" {
			event.CommentID = comment.ID
		}
		event.Body = PlainText(comment.Body)
		commenter := parseActor(comment.CreatedBy)
		if event.AuthorName == "" {
			event.AuthorName = commenter.Name
		}
		if event.UserID == "" {
			event.UserID = commenter.ID
		}
	}
	return event, nil
}

type bodyNode struct {
	Type     string     `json:"type"`
	Text     string     `json:"text"`
	URL      string     `json:"url"`
	ID       string     `json:"id"`
	Children []bodyNode `json:"children"`
}

type richBody struct {
	Content []bodyNode `json:"content"`
}

// PlainText flattens a comment body. Plain strings pass through; rich bodies
// render one line per block.
func PlainText(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return strings.TrimSpace(text)
	}

	var body richBody
	if err := json.Unmarshal(raw, &body); err != nil {
		return ""
	}
	lines := make([]string, 0, len(body.Content))
	for _, block := range body.Content {
		var b strings.Builder
		writeInline(&b, block.Children)
		if line := strings.TrimSpace(b.String()); line != "" {
			lines = append(lines, line)
		}
	}
	return strings.Join(lines, "\n")
}

func writeInline(b *strings.Builder, nodes []bodyNode) {
	for _, node := range nodes {
		switch node.Type {
		case "mention":
			b.WriteString("@" + node.ID)
		case "link":
			if node.Text != "" {
				b.WriteString(node.Text)
			} else {
				b.WriteString(node.URL)
			}
		default:
			b.WriteString(node.Text)
			writeInline(b, node.Children)
		}
	}
}
