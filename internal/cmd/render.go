package cmd

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"chat-client/internal/models"
	"chat-client/internal/outbound"
)

// renderer prints the entries of the message log that changed since the
// previous snapshot.
type renderer struct {
	mu     sync.Mutex
	out    io.Writer
	userID string
	seen   map[string]string
}

func newRenderer(out io.Writer, userID string) *renderer {
	return &renderer{out: out, userID: userID, seen: make(map[string]string)}
}

func (r *renderer) render(list []models.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()

	present := make(map[string]struct{}, len(list))
	for _, m := range list {
		present[m.ID] = struct{}{}
		line := r.format(m)
		if r.seen[m.ID] == line {
			continue
		}
		r.seen[m.ID] = line
		fmt.Fprintln(r.out, line)
	}
	for id := range r.seen {
		if _, ok := present[id]; ok {
			continue
		}
		delete(r.seen, id)
		// a vanished local id was replaced by its confirmed copy
		if !strings.HasPrefix(id, outbound.LocalIDPrefix) {
			fmt.Fprintf(r.out, "  (message %s deleted)\n", id)
		}
	}
}

func (r *renderer) printAll(list []models.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range list {
		fmt.Fprintln(r.out, r.format(m))
	}
}

func (r *renderer) printf(format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Fprintf(r.out, format, args...)
}

func (r *renderer) format(m models.Message) string {
	var b strings.Builder
	b.WriteString(m.Timestamp.Local().Format("15:04:05"))
	b.WriteString(" ")
	if m.SenderID == r.userID {
		b.WriteString("me")
	} else {
		b.WriteString(m.SenderID)
	}
	b.WriteString(": ")
	if m.Kind.IsMedia() {
		fmt.Fprintf(&b, "[%s] ", m.Kind)
	}
	b.WriteString(m.Body)
	if m.EditedAt != nil {
		b.WriteString(" (edited)")
	}
	switch m.DeliveryState {
	case models.StatePending:
		b.WriteString(" …")
	case models.StateFailed:
		b.WriteString(" [failed]")
	}
	fmt.Fprintf(&b, "  #%s", m.ID)
	return b.String()
}
