package search

import (
	"reflect"
	"strings"
	"testing"
)

func TestQueryTokens(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		query string
		want  []string
	}{
		{
			name:  "plain words lowercased",
			query: "Orçamento Municipal",
			want:  []string{"orçamento", "municipal"},
		},
		{
			name:  "punctuation trimmed from edges",
			query: `"reunião", (pauta)!`,
			want:  []string{"reunião", "pauta"},
		},
		{
			name:  "duplicates removed",
			query: "meta meta metas",
			want:  []string{"meta", "metas"},
		},
		{
			name:  "single rune words dropped",
			query: "a reunião e o time",
			want:  []string{"reunião", "time"},
		},
		{
			name:  "degenerate query kept whole",
			query: "x",
			want:  []string{"x"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := queryTokens(tt.query)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("queryTokens(%q) = %v, want %v", tt.query, got, tt.want)
			}
		})
	}
}

func TestBuildPreviews_WindowAroundMatch(t *testing.T) {
	t.Parallel()

	// Accented prefix so byte and rune offsets disagree.
	corpus := "ação já começou e o Orçamento anual foi aprovado ontem"
	previews := buildPreviews(corpus, []string{"orçamento"}, 10, 3)

	if len(previews) != 1 {
		t.Fatalf("len(previews) = %d, want 1", len(previews))
	}
	p := previews[0]
	if !strings.Contains(p.Fragment, "Orçamento") {
		t.Errorf("Fragment = %q, want it to contain %q", p.Fragment, "Orçamento")
	}
	if len(p.Highlights) != 1 {
		t.Fatalf("len(Highlights) = %d, want 1", len(p.Highlights))
	}
	hl := p.Highlights[0]
	frag := []rune(p.Fragment)
	if hl.Start < 0 || hl.End > len(frag) || hl.Start >= hl.End {
		t.Fatalf("highlight out of range: %+v over %d runes", hl, len(frag))
	}
	if got := strings.ToLower(string(frag[hl.Start:hl.End])); got != "orçamento" {
		t.Errorf("highlighted span = %q, want %q", got, "orçamento")
	}
}

func TestBuildPreviews_CapsWindowCount(t *testing.T) {
	t.Parallel()

	sep := strings.Repeat("bla ", 60)
	corpus := "meta " + sep + "meta " + sep + "meta " + sep + "meta " + sep + "meta"
	previews := buildPreviews(corpus, []string{"meta"}, 20, 3)

	if len(previews) != 3 {
		t.Fatalf("len(previews) = %d, want 3", len(previews))
	}
	for i, p := range previews {
		if len(p.Highlights) == 0 {
			t.Errorf("previews[%d] has no highlights", i)
		}
	}
}

func TestBuildPreviews_NearbyOccurrencesShareWindow(t *testing.T) {
	t.Parallel()

	corpus := "meta um meta dois meta três"
	previews := buildPreviews(corpus, []string{"meta"}, 80, 3)

	if len(previews) != 1 {
		t.Fatalf("len(previews) = %d, want 1 window covering all occurrences", len(previews))
	}
	if len(previews[0].Highlights) != 3 {
		t.Errorf("len(Highlights) = %d, want 3", len(previews[0].Highlights))
	}
}

func TestBuildPreviews_HighlightsEveryQueryToken(t *testing.T) {
	t.Parallel()

	corpus := "o relatório do orçamento cita o relatório duas vezes"
	previews := buildPreviews(corpus, []string{"relatório", "orçamento"}, 80, 3)

	if len(previews) != 1 {
		t.Fatalf("len(previews) = %d, want 1", len(previews))
	}
	hls := previews[0].Highlights
	if len(hls) != 3 {
		t.Fatalf("len(Highlights) = %d, want 3", len(hls))
	}
	for i := 1; i < len(hls); i++ {
		if hls[i].Start < hls[i-1].End {
			t.Errorf("highlights overlap or unsorted: %+v", hls)
		}
	}
}

func TestBuildPreviews_NoMatchGivesNoPreview(t *testing.T) {
	t.Parallel()

	if got := buildPreviews("texto sem o termo", []string{"inexistente"}, 80, 3); got != nil {
		t.Errorf("buildPreviews() = %v, want nil", got)
	}
	if got := buildPreviews("", []string{"algo"}, 80, 3); got != nil {
		t.Errorf("buildPreviews() on empty corpus = %v, want nil", got)
	}
}

func TestCosineSimilarity(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		a, b []float32
		want float64
	}{
		{"identical", []float32{1, 2, 3}, []float32{1, 2, 3}, 1},
		{"orthogonal", []float32{1, 0}, []float32{0, 1}, 0},
		{"opposite", []float32{1, 0}, []float32{-1, 0}, -1},
		{"dimension mismatch", []float32{1, 0}, []float32{1, 0, 0}, 0},
		{"zero vector", []float32{0, 0}, []float32{1, 1}, 0},
		{"empty", nil, nil, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := cosineSimilarity(tt.a, tt.b)
			if diff := got - tt.want; diff > 1e-9 || diff < -1e-9 {
				t.Errorf("cosineSimilarity() = %v, want %v", got, tt.want)
			}
		})
	}
}
