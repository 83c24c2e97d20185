package correction

import (
	"context"
	"slices"
	"sync"
	"testing"

	"github.com/MrWong99/ghosttype/pkg/protocol"
)

func TestVocabulary_Apply(t *testing.T) {
	t.Parallel()

	v := NewVocabulary([]string{"Kubernetes", "Tower of Whispers", "GhostType"})

	tests := []struct {
		name string
		in   string
		want string
	}{
		{"exact case fix", "i deploy on kubernetes daily", "i deploy on Kubernetes daily"},
		{"keeps trailing punctuation", "deploy to kubernetes.", "deploy to Kubernetes."},
		{"keeps leading punctuation", `he said "kubernetes"`, `he said "Kubernetes"`},
		{"fuzzy misspelling", "restart kubernets now", "restart Kubernetes now"},
		{"multi-word term", "meet at the tower of wispers", "meet at the Tower of Whispers"},
		{"unrelated text untouched", "hello world", "hello world"},
		{"already canonical", "GhostType works", "GhostType works"},
		{"preserves whitespace", "use  kubernetes\tnow", "use  Kubernetes\tnow"},
		{"empty", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := v.Apply(tt.in); got != tt.want {
				t.Errorf("Apply(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestVocabulary_NoTerms(t *testing.T) {
	t.Parallel()

	v := NewVocabulary(nil)
	if got := v.Apply("kubernetes"); got != "kubernetes" {
		t.Errorf("Apply with no terms = %q", got)
	}
}

func TestVocabulary_ShortWordsIgnored(t *testing.T) {
	t.Parallel()

	v := NewVocabulary([]string{"Go"})
	if got := v.Apply("go home"); got != "go home" {
		t.Errorf("short word rewritten: %q", got)
	}
}

func TestVocabulary_SetTerms(t *testing.T) {
	t.Parallel()

	v := NewVocabulary([]string{"Kubernetes"})
	v.SetTerms([]string{" Postgres ", ""})

	if got := v.Terms(); !slices.Equal(got, []string{"Postgres"}) {
		t.Errorf("Terms() = %v", got)
	}
	if got := v.Apply("kubernetes and postgres"); got != "kubernetes and Postgres" {
		t.Errorf("Apply after swap = %q", got)
	}
}

func TestVocabulary_ConcurrentSwap(t *testing.T) {
	t.Parallel()

	v := NewVocabulary([]string{"Kubernetes"})
	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 100 {
				if i%2 == 0 {
					v.SetTerms([]string{"Kubernetes"})
				} else {
					_ = v.Apply("kubernetes")
				}
			}
		}()
	}
	wg.Wait()
}

func TestVocabulary_Correct(t *testing.T) {
	t.Parallel()

	v := NewVocabulary([]string{"Kubernetes"})
	got, err := v.Correct(context.Background(), "kubernetes", protocol.Context{})
	if err != nil {
		t.Fatalf("Correct: %v", err)
	}
	if got != "Kubernetes" {
		t.Errorf("Correct = %q", got)
	}
}
