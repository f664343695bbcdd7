package ai

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/supportcrm/backend/internal/utils"
)

// MockResponder answers deterministically from a hash of the message text so that
// local runs and demos exercise both confident and low-confidence turns.
type MockResponder struct {
	ModelVersion string
}

func (m MockResponder) Respond(ctx context.Context, r Request) (Reply, error) {
	start := time.Now()
	if err := ctx.Err(); err != nil {
		return Reply{}, &TransportError{Err: err}
	}
	confidences := []float64{0.92, 0.85, 0.78, 0.66, 0.41}
	answers := []string{
		"Thanks for reaching out! Here is what I found for you.",
		"I can help with that. Let me walk you through the steps.",
		"Sure, this is usually solved by updating your account settings.",
		"I think this is related to billing, but I am not completely sure.",
		"I could not find a reliable answer for this request.",
	}
	idx := utils.Bucket(r.Message, len(confidences))

	convID := r.ConversationID
	if convID == "" {
		convID = uuid.NewString()
	}

	reply := Reply{
		Text:           answers[idx],
		ConversationID: convID,
		Confidence:     confidences[idx],
		TokensUsed:     len(strings.Fields(r.Message)) + len(strings.Fields(answers[idx])),
	}
	if m.ModelVersion != "" {
		reply.Text = fmt.Sprintf("%s (%s)", reply.Text, m.ModelVersion)
	}
	reply.ProcessingTime = time.Since(start).Seconds()
	return reply, nil
}
