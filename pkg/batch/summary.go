package batch

import (
	"fmt"
	"time"

	"github.com/elonfeng/ringrank/pkg/alert"
)

// State is a phase of a batch run.
type State string

const (
	StateIdle            State = "idle"
	StateFetchingRoster  State = "fetching_roster"
	StatePerEntityUpdate State = "per_entity_update"
	StateRanking         State = "ranking"
	StatePersistingRanks State = "persisting_ranks"
	StateDone            State = "done"
	StateFailed          State = "failed"
)

// Mover is an entity whose score changed in a run.
type Mover struct {
	ID     string  `json:"id"`
	Name   string  `json:"name"`
	Rank   int     `json:"rank"`
	Score  float64 `json:"score"`
	Change float64 `json:"change"`
}

// Summary is the structured result of one run.
type Summary struct {
	RunID      string    `json:"run_id"`
	Success    bool      `json:"success"`
	Message    string    `json:"message"`
	Updated    int       `json:"updated"`
	Failed     int       `json:"failed"`
	Errors     []string  `json:"errors"`
	Movers     []Mover   `json:"movers,omitempty"`
	State      State     `json:"state"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// Notification renders the summary for alert destinations.
func (s *Summary) Notification() *alert.Notification {
	movers := make([]alert.Mover, 0, len(s.Movers))
	for _, m := range s.Movers {
		movers = append(movers, alert.Mover{Name: m.Name, Rank: m.Rank, Score: m.Score, Change: m.Change})
	}
	return &alert.Notification{
		Title:      "Ringrank rankings updated",
		Body:       fmt.Sprintf("%s (%d collector or update errors)", s.Message, len(s.Errors)),
		RunID:      s.RunID,
		Success:    s.Success,
		Updated:    s.Updated,
		Failed:     s.Failed,
		Errors:     s.Errors,
		Movers:     movers,
		FinishedAt: s.FinishedAt,
	}
}
