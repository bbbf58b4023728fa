package bot

import (
	"fmt"
	"strings"
)

// Callback token namespaces. The set is closed: a token whose namespace is
// not listed here never routes.
const (
	NSAction  = "action"
	NSConfirm = "confirm"
	NSRecover = "recover"
	NSPage    = "page"
	NSSearch  = "search"
	NSPref    = "pref"
	NSOracle  = "oracle"
	NSToggle  = "toggle"
	NSRetry   = "retry"
	NSHelp    = "help"
	NSGetFile = "get_file"
)

var namespaces = map[string]bool{
	NSAction:  true,
	NSConfirm: true,
	NSRecover: true,
	NSPage:    true,
	NSSearch:  true,
	NSPref:    true,
	NSOracle:  true,
	NSToggle:  true,
	NSRetry:   true,
	NSHelp:    true,
	NSGetFile: true,
}

// Token is one parsed callback payload, "<namespace>:<verb>[:<arg>]". For
// two-segment grammars like page:<n> and get_file:<relpath> the payload sits
// in Verb.
type Token struct {
	Namespace string
	Verb      string
	Arg       string
}

// ParseToken splits raw into namespace, verb and optional argument.
// Everything after the second colon belongs to the argument, so session ids
// and file paths pass through unharmed.
func ParseToken(raw string) (Token, error) {
	parts := strings.SplitN(raw, ":", 3)
	if len(parts) < 2 {
		return Token{}, fmt.Errorf("bot: malformed callback token %q", raw)
	}
	t := Token{Namespace: parts[0], Verb: parts[1]}
	if len(parts) == 3 {
		t.Arg = parts[2]
	}
	if !namespaces[t.Namespace] {
		return Token{}, fmt.Errorf("bot: unknown callback namespace %q", t.Namespace)
	}
	if t.Verb == "" {
		return Token{}, fmt.Errorf("bot: empty verb in callback token %q", raw)
	}
	return t, nil
}

// String renders the token back to its wire form.
func (t Token) String() string {
	if t.Arg != "" {
		return t.Namespace + ":" + t.Verb + ":" + t.Arg
	}
	return t.Namespace + ":" + t.Verb
}
