package bot

import (
	"time"

	"github.com/pveiga/oraculo/pkg/transport"
)

// intentKind names what the next plain-text message of a chat will be
// consumed as.
type intentKind string

const (
	intentSearchQuery intentKind = "awaiting_search_query"
	intentRename      intentKind = "awaiting_rename"
)

// pendingIntent is one armed text-consumption intent. A chat holds at most
// one; arming a new intent replaces the previous one.
type pendingIntent struct {
	kind intentKind
	// sessionID is the rename target; unused for search.
	sessionID string
	expiresAt time.Time
}

// pageState remembers a paginated message so page:<n> callbacks can edit it
// in place.
type pageState struct {
	pages []string
	// index is the 1-based page currently shown.
	index int
	ref   transport.MessageRef
	// fileRel is the sessions-root-relative file offered via get_file, empty
	// when the content has no single backing file.
	fileRel string
	// extra holds keyboard rows kept below the navigation row.
	extra [][]transport.Button
}

// lastOracle remembers the most recent oracle exchange of a chat for
// retry:oracle, retry:tts and action:listen.
type lastOracle struct {
	sessionID string
	personaID string
	sequence  int
	text      string
}

// chatState is the per-chat conversational state. It is owned by the router
// loop and never touched from other goroutines.
type chatState struct {
	intent *pendingIntent
	// recovery is the session targeted by recover:* tokens.
	recovery string
	// selected is the session targeted by session-scoped actions, set by
	// search:select.
	selected string
	// retryTarget is the session the last humanized error referred to.
	retryTarget string
	page        *pageState
	oracle      *lastOracle
	// prefsRef is the preferences message, edited in place on toggles.
	prefsRef *transport.MessageRef
	// warned marks that a disallowed chat already got the refusal reply.
	warned bool
}
