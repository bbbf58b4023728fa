package catalog_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/pveiga/oraculo/internal/catalog"
)

func TestText_RegistersDiffer(t *testing.T) {
	t.Parallel()
	dec := catalog.Text(catalog.RegisterDecorated, catalog.MsgSessionCreated, "2026-08-25_10-00-00")
	plain := catalog.Text(catalog.RegisterPlain, catalog.MsgSessionCreated, "2026-08-25_10-00-00")

	if !strings.Contains(dec, "2026-08-25_10-00-00") || !strings.Contains(plain, "2026-08-25_10-00-00") {
		t.Errorf("both registers should embed the session id; dec=%q plain=%q", dec, plain)
	}
	if dec == plain {
		t.Error("decorated and plain registers should differ for a decorated message")
	}
	if strings.Contains(plain, "🎙") {
		t.Errorf("plain register should carry no glyphs, got %q", plain)
	}
}

func TestText_FormatsArgs(t *testing.T) {
	t.Parallel()
	got := catalog.Text(catalog.RegisterPlain, catalog.MsgTranscribing, 2, 5)
	if got != "Transcrevendo 2/5…" {
		t.Errorf("Text() = %q", got)
	}
}

func TestText_UnknownIDFallsBack(t *testing.T) {
	t.Parallel()
	got := catalog.Text(catalog.RegisterPlain, catalog.ID("does_not_exist"))
	if got != "does_not_exist" {
		t.Errorf("Text() = %q, want the id itself", got)
	}
}

// TestText_AllMessagesCompleteInBothRegisters walks a sample of ids and
// checks neither register renders empty.
func TestText_AllMessagesCompleteInBothRegisters(t *testing.T) {
	t.Parallel()
	ids := []catalog.ID{
		catalog.MsgWelcome, catalog.MsgHelpMain, catalog.MsgSessionReady,
		catalog.MsgConflictDialog, catalog.MsgSearchPrompt,
		catalog.MsgOracleListHeader, catalog.BtnFinalize, catalog.BtnNextPage,
	}
	for _, id := range ids {
		for _, reg := range []catalog.Register{catalog.RegisterDecorated, catalog.RegisterPlain} {
			if catalog.Text(reg, id) == "" {
				t.Errorf("message %s renders empty in register %d", id, reg)
			}
		}
	}
}

func TestStateLabel(t *testing.T) {
	t.Parallel()
	cases := map[string]string{
		"COLLECTING":  "coletando",
		"READY":       "pronta",
		"INTERRUPTED": "interrompida",
		"WEIRD":       "WEIRD",
	}
	for state, want := range cases {
		if got := catalog.StateLabel(state); got != want {
			t.Errorf("StateLabel(%s) = %q, want %q", state, got, want)
		}
	}
}

// codedError is a test error carrying a catalog code.
type codedError struct{ code catalog.Code }

func (e codedError) Error() string             { return string(e.code) }
func (e codedError) CatalogCode() catalog.Code { return e.code }

func TestResolve_CodedError(t *testing.T) {
	t.Parallel()
	entry := catalog.Resolve(codedError{code: catalog.CodeQueueFull})
	if entry.Code != catalog.CodeQueueFull {
		t.Errorf("Code = %s, want queue_full", entry.Code)
	}
	if entry.Message == "" {
		t.Error("entry has no message")
	}
	if len(entry.Recovery) == 0 {
		t.Error("queue_full should offer a recovery action")
	}
}

func TestResolve_WrappedCodedError(t *testing.T) {
	t.Parallel()
	err := fmt.Errorf("transcribe: enqueue: %w", codedError{code: catalog.CodeQueueFull})
	if entry := catalog.Resolve(err); entry.Code != catalog.CodeQueueFull {
		t.Errorf("Code = %s, want queue_full through wrapping", entry.Code)
	}
}

func TestResolve_DeadlineMapsToTimeout(t *testing.T) {
	t.Parallel()
	err := fmt.Errorf("llm: complete: %w", context.DeadlineExceeded)
	if entry := catalog.Resolve(err); entry.Code != catalog.CodeCapabilityTimeout {
		t.Errorf("Code = %s, want capability_timeout", entry.Code)
	}
}

func TestResolve_UnknownFallsBackToInternal(t *testing.T) {
	t.Parallel()
	entry := catalog.Resolve(errors.New("some invariant broke"))
	if entry.Code != catalog.CodeInternal {
		t.Errorf("Code = %s, want internal", entry.Code)
	}
	if entry.Severity != catalog.SeverityError {
		t.Errorf("Severity = %d, want error", entry.Severity)
	}
}

// TestRecoveryTokensStayInClosedGrammar checks every recovery action token
// uses one of the routed namespaces.
func TestRecoveryTokensStayInClosedGrammar(t *testing.T) {
	t.Parallel()
	allowed := []string{"action:", "confirm:", "recover:", "page:", "search:", "pref:", "oracle:", "toggle:", "retry:", "help:", "get_file:"}
	codes := []catalog.Code{
		catalog.CodeNotCollecting, catalog.CodeQueueFull,
		catalog.CodeTranscriptionFailed, catalog.CodeEmbeddingFailed,
		catalog.CodeLLMFailed, catalog.CodeCorruptSession,
		catalog.CodeSessionInterrupted,
	}
	for _, code := range codes {
		entry, ok := catalog.Lookup(code)
		if !ok {
			t.Fatalf("Lookup(%s) missing", code)
		}
		for _, ra := range entry.Recovery {
			matched := false
			for _, p := range allowed {
				if strings.HasPrefix(ra.Token, p) {
					matched = true
					break
				}
			}
			if !matched {
				t.Errorf("recovery token %q of %s is outside the callback grammar", ra.Token, code)
			}
		}
	}
}
