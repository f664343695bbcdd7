package escalation

import (
	"testing"

	"github.com/supportcrm/backend/internal/models"
)

func TestEvaluateThresholdBoundary(t *testing.T) {
	p := Policy{SuggestionThreshold: DefaultSuggestionThreshold}

	if d := Evaluate(p, AIHandling, 0.6, 1); d.Suggest {
		t.Fatalf("confidence equal to threshold must not suggest handoff: %+v", d)
	}
	d := Evaluate(p, AIHandling, 0.599999, 1)
	if !d.Suggest || d.State != HandoffSuggested {
		t.Fatalf("expected suggestion just below threshold, got %+v", d)
	}
	if d.Message == "" {
		t.Fatalf("expected suggestion message")
	}
}

func TestEvaluateNeverSuggestsOnceHumanHandled(t *testing.T) {
	p := Policy{SuggestionThreshold: 0.6}
	for _, st := range []State{HandoffRequested, HumanHandling} {
		d := Evaluate(p, st, 0.1, 10)
		if d.Suggest || d.State != st {
			t.Fatalf("state %s: unexpected decision %+v", st, d)
		}
	}
}

func TestEvaluateAutoHandoffNeedsTurnCount(t *testing.T) {
	p := Policy{SuggestionThreshold: 0.6, AutoHandoffEnabled: true, AutoHandoffThreshold: 0.5, AutoHandoffAfterTurns: 3}

	if d := Evaluate(p, AIHandling, 0.3, 2); d.AutoHandoffEligible {
		t.Fatalf("auto handoff must wait for turn count: %+v", d)
	}
	d := Evaluate(p, AIHandling, 0.3, 3)
	if !d.AutoHandoffEligible || d.Message != RecommendMessage {
		t.Fatalf("expected auto handoff eligibility at turn 3: %+v", d)
	}
	if d.State != HandoffSuggested {
		t.Fatalf("eligibility must not transfer the conversation, got %s", d.State)
	}
	if d := Evaluate(p, AIHandling, 0.55, 5); d.AutoHandoffEligible || !d.Suggest {
		t.Fatalf("0.55 is above auto threshold but below suggestion: %+v", d)
	}
}

func TestPolicyForFallsBackToDefault(t *testing.T) {
	p := PolicyFor(models.AIAgent{}, 0)
	if p.SuggestionThreshold != DefaultSuggestionThreshold {
		t.Fatalf("expected default threshold, got %f", p.SuggestionThreshold)
	}
	p = PolicyFor(models.AIAgent{Settings: models.AgentSettings{ConfidenceThreshold: 0.75}}, 0.6)
	if p.SuggestionThreshold != 0.75 {
		t.Fatalf("expected agent threshold, got %f", p.SuggestionThreshold)
	}
}

func TestHandoffTransitions(t *testing.T) {
	if _, ok := RequestHandoff(HumanHandling); ok {
		t.Fatalf("handoff from HUMAN_HANDLING must be a no-op")
	}
	to, ok := RequestHandoff(HandoffSuggested)
	if !ok || to != HandoffRequested {
		t.Fatalf("unexpected transition: %s %v", to, ok)
	}
	done, err := CompleteHandoff(to)
	if err != nil || done != HumanHandling {
		t.Fatalf("unexpected completion: %s %v", done, err)
	}
	if _, err := CompleteHandoff(AIHandling); err == nil {
		t.Fatalf("expected error completing handoff that was never requested")
	}
}

func TestStateOf(t *testing.T) {
	c := models.Conversation{IsAIHandled: true}
	if StateOf(c, false) != AIHandling {
		t.Fatalf("expected AI_HANDLING")
	}
	if StateOf(c, true) != HandoffRequested {
		t.Fatalf("expected HANDOFF_REQUESTED")
	}
	c.IsAIHandled = false
	if StateOf(c, false) != HumanHandling {
		t.Fatalf("expected HUMAN_HANDLING")
	}
}
