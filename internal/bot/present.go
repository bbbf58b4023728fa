package bot

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/pveiga/oraculo/internal/catalog"
	"github.com/pveiga/oraculo/internal/observe"
	"github.com/pveiga/oraculo/internal/session"
	"github.com/pveiga/oraculo/internal/transcribe"
	"github.com/pveiga/oraculo/pkg/transport"
)

// pageFooterReserve keeps room for the page indicator under every page when
// content splits.
const pageFooterReserve = 64

// sentenceSeps are the boundaries tried when no paragraph break fits.
var sentenceSeps = []string{". ", "! ", "? ", ".\n", "!\n", "?\n"}

// paginate splits text into chunks of at most byteCap bytes, preferring
// paragraph breaks, then sentence ends, then word boundaries. Text at or
// under the cap stays whole.
func paginate(text string, byteCap int) []string {
	if byteCap <= 0 || len(text) <= byteCap {
		return []string{text}
	}
	var pages []string
	rest := text
	for len(rest) > byteCap {
		cut := splitPoint(rest, byteCap)
		pages = append(pages, strings.TrimRight(rest[:cut], " \n"))
		rest = strings.TrimLeft(rest[cut:], " \n")
	}
	if rest != "" {
		pages = append(pages, rest)
	}
	return pages
}

// splitPoint finds the best break at or before limit: the last paragraph
// break, else the last sentence end, else the last space, else a rune
// boundary.
func splitPoint(s string, limit int) int {
	window := s[:limit]
	if i := strings.LastIndex(window, "\n\n"); i > 0 {
		return i
	}
	best := -1
	for _, sep := range sentenceSeps {
		if i := strings.LastIndex(window, sep); i > 0 && i+len(sep) > best {
			best = i + len(sep)
		}
	}
	if best > 0 {
		return best
	}
	if i := strings.LastIndexByte(window, ' '); i > 0 {
		return i
	}
	if i := strings.LastIndexByte(window, '\n'); i > 0 {
		return i
	}
	// One unbreakable word: cut at a rune boundary.
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return cut
}

// pageText renders the current page of ps with its position footer.
func pageText(reg catalog.Register, ps *pageState) string {
	if len(ps.pages) == 1 {
		return ps.pages[0]
	}
	return ps.pages[ps.index-1] + "\n\n" + catalog.Text(reg, catalog.MsgPageIndicator, ps.index, len(ps.pages))
}

// renderEntry builds the humanized text for a catalog error entry: a
// severity glyph in the decorated register, the message, then suggestion
// lines.
func renderEntry(reg catalog.Register, entry catalog.ErrorEntry) string {
	var b strings.Builder
	if reg == catalog.RegisterDecorated {
		switch entry.Severity {
		case catalog.SeverityError:
			b.WriteString("❌ ")
		case catalog.SeverityWarn:
			b.WriteString("⚠️ ")
		default:
			b.WriteString("ℹ️ ")
		}
	}
	b.WriteString(entry.Message)
	for _, s := range entry.Suggestions {
		b.WriteString("\n")
		b.WriteString(s)
	}
	return b.String()
}

// recoveryActions renders entry.Recovery as one keyboard row per action,
// nil when the entry offers none.
func recoveryActions(entry catalog.ErrorEntry) *transport.Keyboard {
	if len(entry.Recovery) == 0 {
		return nil
	}
	rows := make([][]transport.Button, 0, len(entry.Recovery))
	for _, a := range entry.Recovery {
		rows = append(rows, transport.Row(transport.Button{Label: a.Label, Token: a.Token}))
	}
	return &transport.Keyboard{Rows: rows}
}

// formatDuration renders a duration the way the status and receipt lines
// expect: "2h05min", "3min", "42s".
func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	switch {
	case h > 0:
		return fmt.Sprintf("%dh%02dmin", h, m)
	case m > 0:
		return fmt.Sprintf("%dmin", m)
	default:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
}

// audioMeta renders the receipt detail of one voice note: the reported
// duration when known, the payload size otherwise.
func audioMeta(d time.Duration, size int) string {
	if d > 0 {
		return formatDuration(d)
	}
	return fmt.Sprintf("%d KB", (size+1023)/1024)
}

// progressState tracks the single edited message of one running operation.
type progressState struct {
	ref      transport.MessageRef
	lastEdit time.Time
	lastText string
	state    session.State
}

// Presenter renders transcription progress onto one edited message per
// session, throttled to the configured interval. It is owned by the router
// loop and needs no locking.
type Presenter struct {
	tr       transport.ChatTransport
	metrics  *observe.Metrics
	interval time.Duration
	clock    func() time.Time

	progress map[string]*progressState
}

func newPresenter(tr transport.ChatTransport, metrics *observe.Metrics, interval time.Duration, clock func() time.Time) *Presenter {
	return &Presenter{
		tr:       tr,
		metrics:  metrics,
		interval: interval,
		clock:    clock,
		progress: make(map[string]*progressState),
	}
}

// Progress applies one queue event to the session's pinned message. The
// first event sends the message; later ones edit it in place, suppressed
// until interval has elapsed unless the event is terminal or the session
// state changed. The queue emits an all-settled event before the state
// flips to TRANSCRIBED, so the pin is only released once the session left
// TRANSCRIBING.
func (p *Presenter) Progress(ctx context.Context, chat transport.ChatID, reg catalog.Register, ev transcribe.ProgressEvent) {
	text := progressText(reg, ev)
	now := p.clock()
	terminal := ev.Done && ev.State != session.StateTranscribing
	st, ok := p.progress[ev.SessionID]
	if !ok {
		ref, err := p.tr.SendText(ctx, chat, text, nil)
		if err != nil {
			slog.Warn("bot: progress send failed", "session_id", ev.SessionID, "error", err)
			return
		}
		p.metrics.RecordTransportSend(ctx, "text")
		if terminal {
			return
		}
		p.progress[ev.SessionID] = &progressState{ref: ref, lastEdit: now, lastText: text, state: ev.State}
		return
	}
	transition := ev.State != st.state
	if !ev.Done && !transition && now.Sub(st.lastEdit) < p.interval {
		return
	}
	if text == st.lastText {
		return
	}
	if err := p.tr.EditText(ctx, st.ref, text, nil); err != nil {
		slog.Warn("bot: progress edit failed", "session_id", ev.SessionID, "error", err)
		return
	}
	p.metrics.RecordTransportSend(ctx, "edit")
	st.lastEdit, st.lastText, st.state = now, text, ev.State
	if terminal {
		delete(p.progress, ev.SessionID)
	}
}

func progressText(reg catalog.Register, ev transcribe.ProgressEvent) string {
	if ev.Done && ev.State == session.StateTranscribed {
		return catalog.Text(reg, catalog.MsgTranscribeDone, ev.Current, ev.Total)
	}
	return catalog.Text(reg, catalog.MsgTranscribing, ev.Current, ev.Total)
}
