package domain_test

import (
	"testing"

	"github.com/raphaeltm/simple-agent-manager-sub001/internal/domain"
)

func TestIsTerminal(t *testing.T) {
	terminal := []domain.Status{domain.StatusCompleted, domain.StatusFailed, domain.StatusCancelled}
	for _, s := range terminal {
		t.Run(string(s), func(t *testing.T) {
			if !s.IsTerminal() {
				t.Errorf("IsTerminal(%q) = false, want true", s)
			}
		})
	}
	live := []domain.Status{domain.StatusDraft, domain.StatusQueued, domain.StatusDelegated, domain.StatusInProgress}
	for _, s := range live {
		t.Run(string(s), func(t *testing.T) {
			if s.IsTerminal() {
				t.Errorf("IsTerminal(%q) = true, want false", s)
			}
		})
	}
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to domain.Status
		want     bool
	}{
		{domain.StatusDraft, domain.StatusQueued, true},
		{domain.StatusQueued, domain.StatusDelegated, true},
		{domain.StatusDelegated, domain.StatusInProgress, true},
		{domain.StatusInProgress, domain.StatusCompleted, true},
		{domain.StatusFailed, domain.StatusQueued, true},
		{domain.StatusCancelled, domain.StatusQueued, true},
		// status never moves backwards or sideways outside the edge set
		{domain.StatusQueued, domain.StatusInProgress, false},
		{domain.StatusDelegated, domain.StatusQueued, false},
		{domain.StatusCompleted, domain.StatusQueued, false},
		{domain.StatusCompleted, domain.StatusFailed, false},
		{domain.StatusFailed, domain.StatusInProgress, false},
	}
	for _, tt := range tests {
		if got := domain.CanTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestCanAdvance_NeverSkipsOrRegresses(t *testing.T) {
	steps := []domain.Step{
		domain.StepNodeSelection,
		domain.StepNodeProvisioning,
		domain.StepNodeAgentReady,
		domain.StepWorkspaceCreation,
		domain.StepWorkspaceReady,
		domain.StepAgentSession,
		domain.StepRunning,
		domain.StepAwaitingFollowup,
	}
	for i, from := range steps {
		for j, to := range steps {
			got := domain.CanAdvance(from, to)
			want := j == i+1 ||
				(from == domain.StepNodeSelection && to == domain.StepNodeAgentReady)
			if got != want {
				t.Errorf("CanAdvance(%s, %s) = %v, want %v", from, to, got, want)
			}
		}
	}
}

func TestCanAdvance_UnknownStep(t *testing.T) {
	if domain.CanAdvance("bogus", domain.StepRunning) {
		t.Error("CanAdvance from unknown step should be false")
	}
	if domain.CanAdvance(domain.StepRunning, "bogus") {
		t.Error("CanAdvance to unknown step should be false")
	}
}

func TestStepIndex_Monotonic(t *testing.T) {
	if domain.StepNodeSelection.Index() != 0 {
		t.Errorf("node_selection index = %d, want 0", domain.StepNodeSelection.Index())
	}
	if domain.StepAwaitingFollowup.Index() != 7 {
		t.Errorf("awaiting_followup index = %d, want 7", domain.StepAwaitingFollowup.Index())
	}
	if domain.Step("nope").Index() != -1 {
		t.Errorf("unknown step index = %d, want -1", domain.Step("nope").Index())
	}
}
