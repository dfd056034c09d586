package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"labchat/internal/chat"
	"labchat/internal/content"
	"labchat/internal/coordinator"
	"labchat/internal/models"
)

const snippetLength = 72

// Rooms prints the room list with unread counts and previews.
func Rooms(ctx context.Context, s *coordinator.Session, w io.Writer) error {
	if err := s.Start(ctx); err != nil {
		if len(s.Rooms()) == 0 {
			return err
		}
		fmt.Fprintf(w, "(offline, showing cached rooms: %v)\n", err)
	}

	for _, room := range s.Rooms() {
		fmt.Fprintf(w, "%6d  %-30s", room.ID, roomTitle(s, room))
		if room.UnreadCount > 0 {
			fmt.Fprintf(w, " [%d unread]", room.UnreadCount)
		}
		if p := room.LastMessage; p != nil {
			fmt.Fprintf(w, "  %s: %s", p.SenderName, content.Snippet(p.Content, snippetLength))
		}
		fmt.Fprintln(w)
	}
	return nil
}

func roomTitle(s *coordinator.Session, room models.Room) string {
	title := room.DisplayName(s.SelfID())
	if room.Type != models.RoomTypeDirect {
		return title
	}
	for _, m := range room.Members {
		if m.UserID != s.SelfID() && s.IsOnline(m.UserID) {
			return title + " •"
		}
	}
	return title
}

// Watch opens a room and prints its messages, typing and presence changes
// until ctx is done.
func Watch(ctx context.Context, s *coordinator.Session, roomID int64, w io.Writer) error {
	w = &lockedWriter{w: w}
	if err := s.Start(ctx); err != nil {
		fmt.Fprintf(w, "! %v\n", err)
	}

	var mu sync.Mutex
	printed := make(map[int64]bool)
	printNew := func(views []chat.MessageView) {
		mu.Lock()
		defer mu.Unlock()
		for _, v := range views {
			if printed[v.ID] {
				continue
			}
			printed[v.ID] = true
			printView(w, v)
		}
	}

	unsubTimeline := s.SubscribeTimeline(func(snap chat.Snapshot) {
		if snap.RoomID == roomID {
			printNew(s.Views())
		}
	})
	defer unsubTimeline()

	unsubTyping := s.SubscribeTyping(roomID, func(typing map[string]string) {
		if len(typing) == 0 {
			return
		}
		names := make([]string, 0, len(typing))
		for _, name := range typing {
			names = append(names, name)
		}
		slices.Sort(names)
		fmt.Fprintf(w, "… %s typing\n", strings.Join(names, ", "))
	})
	defer unsubTyping()

	unsubPresence := s.SubscribePresence(func(online []string) {
		fmt.Fprintf(w, "~ %d online\n", len(online))
	})
	defer unsubPresence()

	if err := s.OpenRoom(ctx, roomID); err != nil {
		return err
	}
	if room, ok := s.CurrentRoom(); ok {
		fmt.Fprintf(w, "# %s\n", roomTitle(s, room))
	}

	<-ctx.Done()
	return nil
}

// lockedWriter serializes subscriber output from the stream and caller goroutines.
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}

// Send opens a room and posts a text message, or a file when path is set.
// An audio file is sent as a voice message of the given duration.
func Send(ctx context.Context, s *coordinator.Session, roomID int64, text string, replyTo int64, path string, duration time.Duration, w io.Writer) error {
	if err := s.Start(ctx); err != nil {
		return err
	}
	if err := s.OpenRoom(ctx, roomID); err != nil {
		return err
	}

	var (
		msg models.Message
		err error
	)
	switch {
	case path == "":
		msg, err = s.Send(ctx, text, replyTo)
	case duration > 0:
		msg, err = withFile(path, func(u models.Upload) (models.Message, error) {
			return s.SendAudio(ctx, u, duration.Seconds())
		})
	default:
		msg, err = withFile(path, func(u models.Upload) (models.Message, error) {
			return s.SendFile(ctx, u)
		})
	}
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "sent message %d\n", msg.ID)
	return nil
}

func withFile(path string, send func(models.Upload) (models.Message, error)) (models.Message, error) {
	f, err := os.Open(path)
	if err != nil {
		return models.Message{}, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()
	return send(models.Upload{Name: path, Reader: f})
}

// History prints the newest page of a room and up to older further pages.
// When the server cannot be reached the cached page is printed instead.
func History(ctx context.Context, s *coordinator.Session, roomID int64, older int, w io.Writer) error {
	startErr := s.Start(ctx)
	openErr := s.OpenRoom(ctx, roomID)
	if err := errors.Join(startErr, openErr); err != nil {
		cached, cacheErr := s.CachedMessages(roomID)
		if cacheErr != nil || len(cached) == 0 {
			return err
		}
		fmt.Fprintf(w, "(offline, showing cached history: %v)\n", err)
		for _, msg := range cached {
			printView(w, chat.View(msg, s.SelfID(), nil))
		}
		return nil
	}

	for i := 0; i < older && s.HasMore(); i++ {
		if _, err := s.LoadOlder(ctx); err != nil {
			return err
		}
	}
	for _, v := range s.Views() {
		printView(w, v)
	}
	return nil
}

// Summarize prints a summary of the last count messages of a room.
func Summarize(ctx context.Context, s *coordinator.Session, roomID int64, count int, w io.Writer) error {
	summary, err := s.Summarize(ctx, roomID, count)
	if err != nil {
		return err
	}
	fmt.Fprintln(w, summary)
	return nil
}

func printView(w io.Writer, v chat.MessageView) {
	stamp := time.Unix(v.CreatedAt, 0).Format("2006-01-02 15:04")
	fmt.Fprintf(w, "[%d] %s %s: ", v.ID, stamp, v.SenderName)
	if v.Reply != nil {
		fmt.Fprintf(w, "(re %s: %s) ", v.Reply.SenderName, v.Reply.Snippet)
	}

	switch {
	case v.Deleted:
		fmt.Fprint(w, models.DeletedPlaceholder)
	case v.Media != nil && v.Type == models.MessageTypeAudio:
		fmt.Fprintf(w, "voice message %.0fs %s", v.Media.DurationSeconds, v.Media.URL)
	case v.Media != nil:
		fmt.Fprintf(w, "file %s %s", v.Media.FileName, v.Media.URL)
	default:
		fmt.Fprint(w, content.Snippet(v.HTML, 0))
	}
	if v.Edited {
		fmt.Fprint(w, " (edited)")
	}
	for _, g := range v.Reactions {
		fmt.Fprintf(w, " %s%d", g.Emoji, g.Count)
	}
	fmt.Fprintln(w)
}
