package chat

import (
	"labchat/internal/content"
	"labchat/internal/models"
)

// ReplySnippetLength is the rune limit of a quoted reply.
const ReplySnippetLength = 80

// ReactionGroup is the per-emoji aggregate of a message's reactions.
type ReactionGroup struct {
	Emoji     string
	Count     int
	UserNames []string
	Mine      bool
}

// Aggregate groups reactions by emoji in order of first appearance.
func Aggregate(reactions []models.Reaction, selfID string) []ReactionGroup {
	var groups []ReactionGroup
	index := make(map[string]int)
	for _, r := range reactions {
		i, ok := index[r.Emoji]
		if !ok {
			i = len(groups)
			index[r.Emoji] = i
			groups = append(groups, ReactionGroup{Emoji: r.Emoji})
		}
		g := &groups[i]
		g.Count++
		g.UserNames = append(g.UserNames, r.UserName)
		if r.UserID == selfID {
			g.Mine = true
		}
	}
	return groups
}

type ReplyView struct {
	MessageID  int64
	SenderName string
	Snippet    string // plain text
}

// MessageView is a message prepared for display.
type MessageView struct {
	ID           int64
	SenderID     string
	SenderName   string
	SenderAvatar string
	Type         models.MessageType
	HTML         string
	Media        *models.Media
	CreatedAt    int64
	Edited       bool
	Deleted      bool
	Reply        *ReplyView
	Reactions    []ReactionGroup
}

// View renders msg. A deleted message shows only the placeholder: no
// content, media, reply or reactions. lookup resolves reply targets so a
// quote of a deleted message is hidden too; it may be nil.
func View(msg models.Message, selfID string, lookup func(id int64) (models.Message, bool)) MessageView {
	v := MessageView{
		ID:           msg.ID,
		SenderID:     msg.SenderID,
		SenderName:   msg.SenderName,
		SenderAvatar: msg.SenderAvatar,
		Type:         msg.Type,
		CreatedAt:    msg.CreatedAt,
	}
	if msg.IsDeleted() {
		v.Deleted = true
		v.HTML = content.Escape(models.DeletedPlaceholder)
		return v
	}

	v.Edited = msg.EditedAt != nil
	v.Media = msg.Media
	v.Reactions = Aggregate(msg.Reactions, selfID)
	if msg.Type == models.MessageTypeText {
		v.HTML = content.Render(msg.Content)
	} else {
		v.HTML = content.Escape(msg.Content)
	}

	if ref := msg.ReplyTo; ref != nil {
		v.Reply = &ReplyView{
			MessageID:  ref.MessageID,
			SenderName: ref.SenderName,
			Snippet:    content.Snippet(ref.Content, ReplySnippetLength),
		}
		if lookup != nil {
			if target, ok := lookup(ref.MessageID); ok && target.IsDeleted() {
				v.Reply.Snippet = models.DeletedPlaceholder
			}
		}
	}
	return v
}

// Views renders the whole timeline in order.
func (t *Timeline) Views(selfID string) []MessageView {
	messages := t.Messages()
	lookup := func(id int64) (models.Message, bool) {
		i, ok := find(messages, id)
		if !ok {
			return models.Message{}, false
		}
		return messages[i], true
	}

	views := make([]MessageView, len(messages))
	for i, m := range messages {
		views[i] = View(m, selfID, lookup)
	}
	return views
}
