// Package narrative hands finalized sessions to the external artifact
// chain. The chain is a file-in/file-out collaborator: the runner
// consolidates a session's transcripts into one input file, executes the
// configured command over it and reports whatever artifacts the chain
// leaves behind.
package narrative

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/pveiga/oraculo/internal/config"
	"github.com/pveiga/oraculo/internal/session"
)

const (
	inputFilename   = "input.txt"
	timestampLayout = "02/01/2006 15:04"

	// missingFileMarker stands in for transcript files that vanished from
	// disk between transcription and consolidation.
	missingFileMarker = "[ARQUIVO AUSENTE]"

	defaultTimeout = 10 * time.Minute

	// waitDelay unblocks Wait when a grandchild inherits the output pipes
	// and outlives the kill that follows a timeout.
	waitDelay = 5 * time.Second
)

// Placeholders recognised in the command template.
const (
	placeholderDir    = "{dir}"
	placeholderInput  = "{input}"
	placeholderOutput = "{output}"
)

// Exit codes of the narrate binary.
const (
	ExitSuccess    = 0
	ExitUsage      = 1
	ExitConfig     = 2
	ExitValidation = 3
	ExitCapability = 4
	ExitInternal   = 5
)

// ErrNotConfigured is returned by Run when narrative.command is empty.
var ErrNotConfigured = errors.New("narrative: no command configured")

// NoTranscriptsError reports a READY session without a single successful
// transcript, which would hand the chain an empty input.
type NoTranscriptsError struct {
	SessionID string
}

func (e *NoTranscriptsError) Error() string {
	return fmt.Sprintf("narrative: session %q has no successful transcripts", e.SessionID)
}

// StartError reports a chain command that could not be launched at all,
// typically a binary missing from the configured template.
type StartError struct {
	SessionID string
	Err       error
}

func (e *StartError) Error() string {
	return fmt.Sprintf("narrative: session %s: start chain: %v", e.SessionID, e.Err)
}

func (e *StartError) Unwrap() error { return e.Err }

// ChainError reports a chain that ran and failed.
type ChainError struct {
	SessionID string
	// ExitCode is the chain's exit status, or -1 when it died without one.
	ExitCode int
	Err      error
}

func (e *ChainError) Error() string {
	return fmt.Sprintf("narrative: session %s: chain exited with code %d: %v", e.SessionID, e.ExitCode, e.Err)
}

func (e *ChainError) Unwrap() error { return e.Err }

// TimeoutError reports a chain killed by the configured timeout.
type TimeoutError struct {
	SessionID string
	Timeout   time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("narrative: session %s: chain timed out after %s", e.SessionID, e.Timeout)
}

// ExitCode maps err onto the narrate exit contract: 0 success,
// 2 configuration, 3 validation, 4 external-capability failure,
// 5 internal. Usage errors never reach Run, so 1 stays with the caller.
func ExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	if errors.Is(err, ErrNotConfigured) {
		return ExitConfig
	}
	var startErr *StartError
	if errors.As(err, &startErr) {
		return ExitConfig
	}
	var timeoutErr *TimeoutError
	var chainErr *ChainError
	if errors.As(err, &timeoutErr) || errors.As(err, &chainErr) {
		return ExitCapability
	}
	var notFound *session.NotFoundError
	var notReady *session.NotReadyError
	var corrupt *session.CorruptSessionError
	var noTranscripts *NoTranscriptsError
	if errors.As(err, &notFound) || errors.As(err, &notReady) ||
		errors.As(err, &corrupt) || errors.As(err, &noTranscripts) {
		return ExitValidation
	}
	return ExitInternal
}

// Result summarises one chain run.
type Result struct {
	SessionID string
	// InputFile is the consolidated transcript file handed to the chain.
	InputFile string
	OutputDir string
	// Transcripts is how many transcript blocks went into the input.
	Transcripts int
	// Outputs are the artifact names the chain left in OutputDir.
	Outputs []string
	Elapsed time.Duration
}

// Runner executes the narrative chain over one session at a time.
type Runner struct {
	manager *session.Manager
	cfg     config.NarrativeConfig
	clock   func() time.Time
}

// Option customises a Runner.
type Option func(*Runner)

// WithClock overrides the time source, for tests.
func WithClock(clock func() time.Time) Option {
	return func(r *Runner) { r.clock = clock }
}

// New wires a runner over the session manager and the narrative
// configuration.
func New(manager *session.Manager, cfg config.NarrativeConfig, opts ...Option) *Runner {
	if cfg.Timeout <= 0 {
		cfg.Timeout = config.Duration(defaultTimeout)
	}
	r := &Runner{
		manager: manager,
		cfg:     cfg,
		clock:   time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run consolidates the session's successful transcripts into
// process/input.txt and executes the configured chain over it. The session
// must be READY. The chain inherits the environment plus
// ORACULO_SESSION=<id>, runs with the process directory as working
// directory, and is expected to leave its artifacts in process/output/.
func (r *Runner) Run(ctx context.Context, sessionID string) (*Result, error) {
	if len(r.cfg.Command) == 0 {
		return nil, ErrNotConfigured
	}
	s, err := r.manager.Get(sessionID)
	if err != nil {
		return nil, err
	}
	if s.State != session.StateReady {
		return nil, &session.NotReadyError{ID: sessionID, State: s.State}
	}

	paths := r.manager.Paths(sessionID)
	inputPath := filepath.Join(paths.ProcessDir, inputFilename)
	transcripts, err := r.writeInput(s, paths, inputPath)
	if err != nil {
		return nil, err
	}
	if transcripts == 0 {
		return nil, &NoTranscriptsError{SessionID: sessionID}
	}
	if err := os.MkdirAll(paths.OutputDir, 0o755); err != nil {
		return nil, fmt.Errorf("narrative: create output dir: %w", err)
	}

	argv := expandCommand(r.cfg.Command, paths.ProcessDir, inputPath, paths.OutputDir)
	slog.Info("narrative: chain starting",
		"session_id", sessionID,
		"command", argv[0],
		"transcripts", transcripts,
		"timeout", r.cfg.Timeout.Std())

	rctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout.Std())
	defer cancel()

	cmd := exec.CommandContext(rctx, argv[0], argv[1:]...)
	cmd.Dir = paths.ProcessDir
	cmd.Env = append(os.Environ(), "ORACULO_SESSION="+sessionID)
	cmd.WaitDelay = waitDelay

	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("narrative: stderr pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("narrative: stdout pipe: %w", err)
	}

	start := r.clock()
	if err := cmd.Start(); err != nil {
		return nil, &StartError{SessionID: sessionID, Err: err}
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		forwardLines(stderr, func(line string) {
			slog.Info("narrative: chain", "session_id", sessionID, "stderr", line)
		})
	}()
	go func() {
		defer wg.Done()
		forwardLines(stdout, func(line string) {
			slog.Debug("narrative: chain", "session_id", sessionID, "stdout", line)
		})
	}()
	wg.Wait()

	waitErr := cmd.Wait()
	elapsed := r.clock().Sub(start)
	if waitErr != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(rctx.Err(), context.DeadlineExceeded) {
			return nil, &TimeoutError{SessionID: sessionID, Timeout: r.cfg.Timeout.Std()}
		}
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			return nil, &ChainError{SessionID: sessionID, ExitCode: exitErr.ExitCode(), Err: waitErr}
		}
		return nil, &ChainError{SessionID: sessionID, ExitCode: -1, Err: waitErr}
	}

	outputs := listOutputs(paths.OutputDir)
	slog.Info("narrative: chain finished",
		"session_id", sessionID,
		"elapsed", elapsed,
		"outputs", len(outputs))

	return &Result{
		SessionID:   sessionID,
		InputFile:   inputPath,
		OutputDir:   paths.OutputDir,
		Transcripts: transcripts,
		Outputs:     outputs,
		Elapsed:     elapsed,
	}, nil
}

// writeInput consolidates the successful transcripts, in capture order,
// into the chain input file. Returns how many transcript blocks went in;
// zero means nothing was written.
func (r *Runner) writeInput(s *session.Session, paths session.Paths, path string) (int, error) {
	var blocks []string
	for _, seg := range s.AudioEntries {
		if seg.TranscriptionStatus != session.SegmentSuccess || seg.TranscriptFilename == "" {
			continue
		}
		body := missingFileMarker
		data, err := os.ReadFile(filepath.Join(paths.TranscriptsDir, seg.TranscriptFilename))
		if err != nil {
			slog.Warn("narrative: transcript missing, using placeholder",
				"session_id", s.ID, "file", seg.TranscriptFilename, "error", err)
		} else if text := strings.TrimSpace(string(data)); text != "" {
			body = text
		}
		header := fmt.Sprintf("[TRANSCRIÇÃO %d — %s]", seg.Sequence, seg.ReceivedAt.Format(timestampLayout))
		blocks = append(blocks, header+"\n"+body)
	}
	if len(blocks) == 0 {
		return 0, nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "SESSÃO: %s\n", s.ID)
	if s.IntelligibleName != "" {
		fmt.Fprintf(&b, "NOME: %s\n", s.IntelligibleName)
	}
	fmt.Fprintf(&b, "GERADO EM: %s\n", r.clock().Format(timestampLayout))
	fmt.Fprintf(&b, "TRANSCRIÇÕES: %d\n\n", len(blocks))
	b.WriteString(strings.Join(blocks, "\n\n"))
	b.WriteString("\n")

	if err := writeInputFile(path, b.String()); err != nil {
		return 0, err
	}
	slog.Info("narrative: input consolidated",
		"session_id", s.ID,
		"transcripts", len(blocks),
		"bytes", b.Len())
	return len(blocks), nil
}

// writeInputFile persists the consolidated input atomically, so a chain
// watching the process directory never sees a half-written file.
func writeInputFile(path, content string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("narrative: create process dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".input-*")
	if err != nil {
		return fmt.Errorf("narrative: create temp input: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }
	if _, err := tmp.WriteString(content); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("narrative: write input: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("narrative: sync input: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("narrative: close input: %w", err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		cleanup()
		return fmt.Errorf("narrative: chmod input: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return fmt.Errorf("narrative: replace input: %w", err)
	}
	return nil
}

// expandCommand substitutes the {dir}, {input} and {output} placeholders
// in every template argument.
func expandCommand(template []string, dir, input, output string) []string {
	argv := make([]string, len(template))
	for i, arg := range template {
		arg = strings.ReplaceAll(arg, placeholderDir, dir)
		arg = strings.ReplaceAll(arg, placeholderInput, input)
		arg = strings.ReplaceAll(arg, placeholderOutput, output)
		argv[i] = arg
	}
	return argv
}

// forwardLines relays each non-empty line of r to emit. Scanner errors end
// the relay; the chain's exit status carries the real failure.
func forwardLines(r io.Reader, emit func(string)) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		if line := strings.TrimRight(sc.Text(), "\r"); line != "" {
			emit(line)
		}
	}
}

// listOutputs names the artifact files the chain produced.
func listOutputs(dir string) []string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	var names []string
	for _, ent := range entries {
		if !ent.IsDir() {
			names = append(names, ent.Name())
		}
	}
	return names
}
