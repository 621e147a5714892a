package domain

import "time"

// Item is one extracted record. Only Title is guaranteed.
type Item struct {
	Title       string `json:"title"`
	Link        string `json:"link,omitempty"`
	Price       string `json:"price,omitempty"`
	Description string `json:"description,omitempty"`
	ImageURL    string `json:"image_url,omitempty"`
	HTML        string `json:"html,omitempty"`
}

// Group is a destination as reported by the messaging session.
type Group struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	MemberCount int    `json:"member_count"`
}

// Message is what the send path hands to a provider.
type Message struct {
	Text     string
	ImageURL string
}

// RunResult summarizes one dispatch of an automation.
type RunResult struct {
	AutomationID string
	Manual       bool
	StartedAt    time.Time
	Duration     time.Duration

	Extracted int
	Attempted int
	Sent      int
	Failed    int
	// Aborted is set when the provider disconnected mid-run.
	Aborted bool

	NewFingerprints []string
	Err             error
}

// OK reports whether the run completed without a run-level error.
func (r RunResult) OK() bool { return r.Err == nil && !r.Aborted }

// RunLog is the durable trace of one run.
type RunLog struct {
	At           time.Time `json:"at"`
	AutomationID string    `json:"automation_id"`
	Manual       bool      `json:"manual,omitempty"`
	Extracted    int       `json:"extracted"`
	Attempted    int       `json:"attempted"`
	Sent         int       `json:"sent"`
	Failed       int       `json:"failed"`
	Aborted      bool      `json:"aborted,omitempty"`
	Error        string    `json:"error,omitempty"`
	TookMS       int64     `json:"took_ms"`
}

func (r RunResult) Log() RunLog {
	l := RunLog{
		At:           r.StartedAt,
		AutomationID: r.AutomationID,
		Manual:       r.Manual,
		Extracted:    r.Extracted,
		Attempted:    r.Attempted,
		Sent:         r.Sent,
		Failed:       r.Failed,
		Aborted:      r.Aborted,
		TookMS:       r.Duration.Milliseconds(),
	}
	if r.Err != nil {
		l.Error = r.Err.Error()
	}
	return l
}
