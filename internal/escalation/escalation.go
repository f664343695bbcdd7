package escalation

import (
	"fmt"

	"github.com/supportcrm/backend/internal/models"
)

type State string

const (
	AIHandling       State = "AI_HANDLING"
	HandoffSuggested State = "HANDOFF_SUGGESTED"
	HandoffRequested State = "HANDOFF_REQUESTED"
	HumanHandling    State = "HUMAN_HANDLING"
)

const DefaultSuggestionThreshold = 0.6

const (
	SuggestionMessage = "I'm not fully confident in this answer. Would you like me to transfer you to a human agent?"
	RecommendMessage  = "I'm not confident I can resolve this. A human agent is recommended for this conversation; would you like me to transfer you?"
)

type Policy struct {
	SuggestionThreshold   float64
	AutoHandoffEnabled    bool
	AutoHandoffThreshold  float64
	AutoHandoffAfterTurns int
}

// PolicyFor derives the decision policy from an agent's behavior settings.
// A zero confidence threshold falls back to the given default.
func PolicyFor(agent models.AIAgent, fallback float64) Policy {
	if fallback <= 0 {
		fallback = DefaultSuggestionThreshold
	}
	p := Policy{
		SuggestionThreshold:   agent.Settings.ConfidenceThreshold,
		AutoHandoffEnabled:    agent.Settings.AutoHandoffEnabled,
		AutoHandoffThreshold:  agent.Settings.AutoHandoffThreshold,
		AutoHandoffAfterTurns: agent.Settings.AutoHandoffAfterTurns,
	}
	if p.SuggestionThreshold <= 0 {
		p.SuggestionThreshold = fallback
	}
	return p
}

type Decision struct {
	State State `json:"state"`
	// Suggest asks the caller to append a system message offering a handoff.
	Suggest bool `json:"suggest"`
	// AutoHandoffEligible reports that the agent's auto-handoff criteria are met.
	// Automatic transfer is not performed; the flag only strengthens the offer.
	AutoHandoffEligible bool   `json:"auto_handoff_eligible"`
	Message             string `json:"message,omitempty"`
}

// Evaluate inspects the latest turn. It never moves a conversation to
// HandoffRequested or HumanHandling on its own.
func Evaluate(p Policy, current State, confidence float64, turns int) Decision {
	if current == HandoffRequested || current == HumanHandling {
		return Decision{State: current}
	}
	if !(confidence < p.SuggestionThreshold) {
		return Decision{State: AIHandling}
	}
	d := Decision{State: HandoffSuggested, Suggest: true, Message: SuggestionMessage}
	if p.AutoHandoffAfterTurns > 0 && turns >= p.AutoHandoffAfterTurns && confidence < p.AutoHandoffThreshold {
		d.AutoHandoffEligible = true
		d.Message = RecommendMessage
	}
	return d
}

// StateOf reports the resting state of a conversation. pendingRequest is true when
// a handoff was requested but its completion has not been recorded yet.
func StateOf(c models.Conversation, pendingRequest bool) State {
	switch {
	case pendingRequest:
		return HandoffRequested
	case !c.IsAIHandled:
		return HumanHandling
	default:
		return AIHandling
	}
}

// RequestHandoff validates the explicit handoff transition. ok is false when the
// conversation is already human handled and the request must be a no-op.
func RequestHandoff(from State) (to State, ok bool) {
	switch from {
	case HumanHandling:
		return HumanHandling, false
	default:
		return HandoffRequested, true
	}
}

// CompleteHandoff finishes a requested handoff.
func CompleteHandoff(from State) (State, error) {
	if from != HandoffRequested {
		return from, fmt.Errorf("cannot complete handoff from %s", from)
	}
	return HumanHandling, nil
}

func TransferMessage(reason string) string {
	if reason == "" {
		return "Conversation transferred to a human agent."
	}
	return fmt.Sprintf("Conversation transferred to a human agent. Reason: %s", reason)
}
