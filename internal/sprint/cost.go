package sprint

import "time"

// CostSession is one agent invocation's contribution to the ledger.
type CostSession struct {
	Agent   string    `json:"agent"`
	TaskID  int       `json:"task_id"`
	Seconds int       `json:"seconds"`
	At      time.Time `json:"at"`
}

// CostLedger tracks agent time spent on a sprint. Only the session list is
// authoritative; the roll-ups are recomputed from it on every append and on
// load, so a ledger read from disk is always internally consistent.
type CostLedger struct {
	TotalSeconds int            `json:"total_seconds"`
	ByAgent      map[string]int `json:"by_agent"`
	ByTask       map[int]int    `json:"by_task"`
	Sessions     []CostSession  `json:"sessions"`
}

// NewCostLedger returns an empty ledger.
func NewCostLedger() *CostLedger {
	return &CostLedger{
		ByAgent:  make(map[string]int),
		ByTask:   make(map[int]int),
		Sessions: make([]CostSession, 0),
	}
}

// Append records one session and refreshes the roll-ups.
func (c *CostLedger) Append(s CostSession) {
	c.Sessions = append(c.Sessions, s)
	c.Recompute()
}

// Recompute rebuilds the roll-ups from the session list.
func (c *CostLedger) Recompute() {
	c.TotalSeconds = 0
	c.ByAgent = make(map[string]int)
	c.ByTask = make(map[int]int)
	for _, s := range c.Sessions {
		c.TotalSeconds += s.Seconds
		c.ByAgent[s.Agent] += s.Seconds
		if s.TaskID != 0 {
			c.ByTask[s.TaskID] += s.Seconds
		}
	}
}
