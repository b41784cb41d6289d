package conversation

import (
	"fmt"
	"math/rand/v2"
	"strings"
	"testing"
)

func words(n int) string {
	return strings.TrimSpace(strings.Repeat("w ", n))
}

func msg(role Role, n int, tag string) Message {
	content := words(n)
	if n > 0 {
		content = tag + strings.TrimPrefix(content, "w")
	}
	return Message{Role: role, Content: content}
}

func TestEstimator(t *testing.T) {
	tests := []struct {
		name    string
		factor  float64
		content string
		want    float64
	}{
		{"empty", 1.3, "", 0},
		{"whitespace only", 1.3, "  \n\t ", 0},
		{"default factor", 0, "one two three", 3 * DefaultTokensPerWord},
		{"unit factor", 1.0, "one  two\nthree\tfour", 4},
		{"custom", 2.0, "a b", 4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Estimator{TokensPerWord: tt.factor}.Estimate(tt.content)
			if got != tt.want {
				t.Errorf("Estimate(%q) = %v, want %v", tt.content, got, tt.want)
			}
		})
	}
}

func TestTrim(t *testing.T) {
	est := Estimator{TokensPerWord: 1}
	sys := msg(RoleSystem, 5, "S")

	tests := []struct {
		name   string
		in     []Message
		budget float64
		want   []string // first word of each retained message
	}{
		{
			name:   "inclusive boundary",
			in:     []Message{sys, msg(RoleUser, 5, "U1"), msg(RoleAssistant, 5, "A1"), msg(RoleUser, 5, "U2"), msg(RoleAssistant, 5, "A2")},
			budget: 20,
			want:   []string{"S", "A1", "U2", "A2"},
		},
		{
			name:   "greedy stops at first misfit",
			in:     []Message{msg(RoleUser, 1, "U1"), msg(RoleUser, 10, "BIG"), msg(RoleUser, 3, "U3")},
			budget: 8,
			want:   []string{"U3"},
		},
		{
			name:   "system alone over budget keeps only system",
			in:     []Message{msg(RoleSystem, 30, "S"), msg(RoleUser, 1, "U1")},
			budget: 20,
			want:   []string{"S"},
		},
		{
			name:   "interleaved system messages move to front in order",
			in:     []Message{msg(RoleUser, 5, "U1"), msg(RoleSystem, 2, "S1"), msg(RoleUser, 5, "U2"), msg(RoleSystem, 2, "S2"), msg(RoleUser, 5, "U3")},
			budget: 10,
			want:   []string{"S1", "S2", "U3"},
		},
		{
			name:   "oversized newest message drops everything else",
			in:     []Message{msg(RoleUser, 2, "U1"), msg(RoleUser, 50, "HUGE")},
			budget: 10,
			want:   []string{},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := trim(tt.in, tt.budget, est)
			if tags := firstWords(got); strings.Join(tags, ",") != strings.Join(tt.want, ",") {
				t.Errorf("trim() = %v, want %v", tags, tt.want)
			}
		})
	}
}

func firstWords(msgs []Message) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, strings.Fields(m.Content)[0])
	}
	return out
}

// referenceAdd replays one AddMessage against a plain slice, following the
// greedy newest-first walk step by step.
func referenceAdd(history []Message, m Message, budget float64, est Estimator) []Message {
	history = append(history, m)
	var total float64
	for _, h := range history {
		total += est.Estimate(h.Content)
	}
	if total <= budget {
		return history
	}

	var kept []Message
	var used float64
	for _, h := range history {
		if h.Role == RoleSystem {
			kept = append(kept, h)
			used += est.Estimate(h.Content)
		}
	}
	var suffix []Message
	for i := len(history) - 1; i >= 0; i-- {
		h := history[i]
		if h.Role == RoleSystem {
			continue
		}
		cost := est.Estimate(h.Content)
		if used+cost > budget {
			break
		}
		used += cost
		suffix = append([]Message{h}, suffix...)
	}
	return append(kept, suffix...)
}

// checkInvariants verifies the retained history against everything that
// was ever added.
func checkInvariants(t *testing.T, step int, added, got []Message, budget float64, est Estimator) {
	t.Helper()

	var addedSystem, addedOther, gotSystem, gotOther []Message
	for _, m := range added {
		if m.Role == RoleSystem {
			addedSystem = append(addedSystem, m)
		} else {
			addedOther = append(addedOther, m)
		}
	}
	for _, m := range got {
		if m.Role == RoleSystem {
			gotSystem = append(gotSystem, m)
		} else {
			gotOther = append(gotOther, m)
		}
	}

	if len(gotSystem) != len(addedSystem) {
		t.Fatalf("step %d: %d system messages retained, want %d", step, len(gotSystem), len(addedSystem))
	}
	for i := range gotSystem {
		if gotSystem[i].Content != addedSystem[i].Content {
			t.Fatalf("step %d: system message %d out of order", step, i)
		}
	}

	off := len(addedOther) - len(gotOther)
	for i := range gotOther {
		if gotOther[i].Content != addedOther[off+i].Content {
			t.Fatalf("step %d: retained non-system messages are not the newest suffix", step)
		}
	}

	total := est.Total(got)
	if total > budget && len(gotOther) > 0 {
		t.Fatalf("step %d: total %v exceeds budget %v with non-system messages retained", step, total, budget)
	}
}

func TestManager_SeedScenario(t *testing.T) {
	est := Estimator{TokensPerWord: 1}
	const budget = 20
	m := newTestManager(t, budget, 1)

	seq := []Message{
		msg(RoleSystem, 5, "S"),
		msg(RoleUser, 5, "U1"),
		msg(RoleAssistant, 5, "A1"),
		msg(RoleUser, 5, "U2"),
		msg(RoleAssistant, 5, "A2"),
	}

	var ref, added []Message
	for i, s := range seq {
		m.AddMessage(t.Context(), "seed", s)
		ref = referenceAdd(ref, s, budget, est)
		added = append(added, s)

		got := m.GetContext(t.Context(), "seed")
		if g, w := firstWords(got), firstWords(ref); strings.Join(g, ",") != strings.Join(w, ",") {
			t.Fatalf("after message %d: got %v, reference %v", i+1, g, w)
		}
		checkInvariants(t, i, added, got, budget, est)
	}
}

func TestManager_RandomSequences(t *testing.T) {
	roles := []Role{RoleSystem, RoleUser, RoleAssistant, RoleFunction}
	est := Estimator{TokensPerWord: 1}

	for seed := uint64(1); seed <= 50; seed++ {
		t.Run(fmt.Sprintf("seed_%d", seed), func(t *testing.T) {
			rng := rand.New(rand.NewPCG(seed, seed*7919))
			budget := 10 + rng.IntN(40)
			m := newTestManager(t, budget, 1)

			var ref, added []Message
			for i := range 40 {
				role := roles[1+rng.IntN(3)]
				if rng.IntN(10) == 0 {
					role = RoleSystem
				}
				s := msg(role, 1+rng.IntN(12), fmt.Sprintf("m%d", i))

				m.AddMessage(t.Context(), "c", s)
				ref = referenceAdd(ref, s, float64(budget), est)
				added = append(added, s)

				got := m.GetContext(t.Context(), "c")
				if g, w := firstWords(got), firstWords(ref); strings.Join(g, ",") != strings.Join(w, ",") {
					t.Fatalf("step %d: got %v, reference %v", i, g, w)
				}
				checkInvariants(t, i, added, got, float64(budget), est)
			}
		})
	}
}
