package oracle_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pveiga/oraculo/internal/catalog"
	"github.com/pveiga/oraculo/internal/oracle"
)

func writePersona(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile(%s) error: %v", name, err)
	}
}

func TestRegistry_DiscoversTemplates(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writePersona(t, dir, "sabio.md", "# O Sábio\n\nConsidere o contexto:\n{{CONTEXT}}\n")
	writePersona(t, dir, "cetico.txt", "Questione tudo no contexto a seguir.\n")
	writePersona(t, dir, "notas.json", `{"ignored": true}`)
	if err := os.Mkdir(filepath.Join(dir, "rascunhos"), 0o755); err != nil {
		t.Fatalf("Mkdir() error: %v", err)
	}

	r := oracle.NewRegistry(dir)
	personas := r.List()
	if len(personas) != 2 {
		t.Fatalf("len(List()) = %d, want 2", len(personas))
	}

	sabio, err := r.Get("sabio")
	if err != nil {
		t.Fatalf("Get(sabio) error: %v", err)
	}
	if sabio.Name != "O Sábio" {
		t.Errorf("Name = %q, want %q", sabio.Name, "O Sábio")
	}
	if want := oracle.ContextPlaceholder; !strings.Contains(sabio.Template, want) {
		t.Errorf("Template does not contain %q", want)
	}

	cetico, err := r.Get("cetico")
	if err != nil {
		t.Fatalf("Get(cetico) error: %v", err)
	}
	if cetico.Name != "cetico" {
		t.Errorf("Name = %q, want the file stem as fallback", cetico.Name)
	}
}

func TestRegistry_GetMissingPersona(t *testing.T) {
	t.Parallel()

	r := oracle.NewRegistry(t.TempDir())
	_, err := r.Get("inexistente")
	var nfErr *oracle.NotFoundError
	if !errors.As(err, &nfErr) {
		t.Fatalf("Get() error = %v, want *oracle.NotFoundError", err)
	}
	if nfErr.ID != "inexistente" {
		t.Errorf("ID = %q, want %q", nfErr.ID, "inexistente")
	}
	if got := catalog.Resolve(err).Code; got != catalog.CodeOracleNotFound {
		t.Errorf("catalog code = %s, want %s", got, catalog.CodeOracleNotFound)
	}
}

func TestRegistry_CachesUntilTTL(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writePersona(t, dir, "primeiro.md", "# Primeiro\ntexto\n")

	var mu sync.Mutex
	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	advance := func(d time.Duration) {
		mu.Lock()
		now = now.Add(d)
		mu.Unlock()
	}

	r := oracle.NewRegistry(dir, oracle.WithTTL(10*time.Second), oracle.WithRegistryClock(clock))
	if got := len(r.List()); got != 1 {
		t.Fatalf("len(List()) = %d, want 1", got)
	}

	writePersona(t, dir, "segundo.md", "# Segundo\ntexto\n")
	if got := len(r.List()); got != 1 {
		t.Errorf("len(List()) = %d before TTL expiry, want cached 1", got)
	}

	advance(11 * time.Second)
	if got := len(r.List()); got != 2 {
		t.Errorf("len(List()) = %d after TTL expiry, want 2", got)
	}
}

func TestRegistry_BackgroundRefresherPicksUpNewFiles(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writePersona(t, dir, "base.md", "# Base\ntexto\n")

	// Frozen clock keeps the lazy TTL path permanently fresh, so only the
	// background loop can observe the new file.
	frozen := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	r := oracle.NewRegistry(dir,
		oracle.WithTTL(10*time.Millisecond),
		oracle.WithRegistryClock(func() time.Time { return frozen }))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.Start(ctx)
	defer r.Stop()

	writePersona(t, dir, "novo.md", "# Novo\ntexto\n")

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := r.Get("novo"); err == nil {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("background refresher never discovered the new persona")
}

func TestRegistry_ToleratesMissingDirAndEmptyTemplates(t *testing.T) {
	t.Parallel()

	missing := oracle.NewRegistry(filepath.Join(t.TempDir(), "nao-existe"))
	if got := len(missing.List()); got != 0 {
		t.Errorf("len(List()) = %d for missing dir, want 0", got)
	}

	dir := t.TempDir()
	writePersona(t, dir, "vazio.md", "   \n\n")
	writePersona(t, dir, "valido.md", "# Válido\ntexto\n")
	r := oracle.NewRegistry(dir)
	if got := len(r.List()); got != 1 {
		t.Errorf("len(List()) = %d, want 1 (empty template skipped)", got)
	}
}

func TestRegistry_DisplayNameFallsBackToID(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writePersona(t, dir, "vidente.md", "# A Vidente\ntexto\n")
	r := oracle.NewRegistry(dir)

	if got := r.DisplayName("vidente"); got != "A Vidente" {
		t.Errorf("DisplayName(vidente) = %q, want %q", got, "A Vidente")
	}
	if got := r.DisplayName("removido"); got != "removido" {
		t.Errorf("DisplayName(removido) = %q, want the id back", got)
	}
}
