// Package metrics keeps the lifetime running averages of AI confidence and
// response time for conversations and sessions.
package metrics

import (
	"sync"

	"github.com/supportcrm/backend/internal/models"
)

// TurnWeight is the number of messages a completed turn adds to TotalMessages:
// the user message and the assistant reply.
const TurnWeight = 2

// Snapshot is the metrics tuple. Averages are means over assistant turns and
// never decay. AvgResponseTime is in seconds.
type Snapshot struct {
	TotalMessages   int     `json:"total_messages"`
	Turns           int     `json:"turns"`
	AvgConfidence   float64 `json:"avg_confidence"`
	AvgResponseTime float64 `json:"avg_response_time"`
}

// Apply folds one successful turn into the running averages.
func (s Snapshot) Apply(confidence, responseTime float64) Snapshot {
	turns := s.Turns + 1
	n := float64(s.Turns)
	return Snapshot{
		TotalMessages:   s.TotalMessages + TurnWeight,
		Turns:           turns,
		AvgConfidence:   (s.AvgConfidence*n + confidence) / float64(turns),
		AvgResponseTime: (s.AvgResponseTime*n + responseTime) / float64(turns),
	}
}

// Merge combines two snapshots as if every turn of both had been applied to one.
func (s Snapshot) Merge(o Snapshot) Snapshot {
	turns := s.Turns + o.Turns
	if turns == 0 {
		return Snapshot{TotalMessages: s.TotalMessages + o.TotalMessages}
	}
	return Snapshot{
		TotalMessages:   s.TotalMessages + o.TotalMessages,
		Turns:           turns,
		AvgConfidence:   (s.AvgConfidence*float64(s.Turns) + o.AvgConfidence*float64(o.Turns)) / float64(turns),
		AvgResponseTime: (s.AvgResponseTime*float64(s.Turns) + o.AvgResponseTime*float64(o.Turns)) / float64(turns),
	}
}

// FromLogs recomputes the snapshot directly from stored turn logs. Feedback
// scores are never read.
func FromLogs(logs []models.AIConversationLog) Snapshot {
	if len(logs) == 0 {
		return Snapshot{}
	}
	var conf, rt float64
	for _, l := range logs {
		conf += l.ConfidenceScore
		rt += l.ProcessingTime
	}
	n := float64(len(logs))
	return Snapshot{
		TotalMessages:   len(logs) * TurnWeight,
		Turns:           len(logs),
		AvgConfidence:   conf / n,
		AvgResponseTime: rt / n,
	}
}

// Aggregator holds per-conversation snapshots for one session. Updates for a
// conversation are applied one at a time.
type Aggregator struct {
	mu            sync.Mutex
	conversations map[string]Snapshot
}

func NewAggregator() *Aggregator {
	return &Aggregator{conversations: map[string]Snapshot{}}
}

func (a *Aggregator) Record(conversationID string, confidence, responseTime float64) Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	next := a.conversations[conversationID].Apply(confidence, responseTime)
	a.conversations[conversationID] = next
	return next
}

// Reset replaces a conversation's snapshot, typically after a history reload.
func (a *Aggregator) Reset(conversationID string, s Snapshot) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.conversations[conversationID] = s
}

func (a *Aggregator) Conversation(conversationID string) Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.conversations[conversationID]
}

func (a *Aggregator) Forget(conversationID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.conversations, conversationID)
}

// Session is the aggregate over every conversation seen by this aggregator.
func (a *Aggregator) Session() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out Snapshot
	for _, s := range a.conversations {
		out = out.Merge(s)
	}
	return out
}
