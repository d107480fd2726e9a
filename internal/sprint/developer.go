package sprint

import "fmt"

// DeveloperSlot is a routing identity for one parallel developer-agent
// queue. The id doubles as the queue routing key; name, avatar and colour
// are cosmetic.
type DeveloperSlot struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Avatar string `json:"avatar"`
	Color  string `json:"color"`
}

// slotPool is the fixed identity pool. A sprint selects the first N slots
// at creation.
var slotPool = []DeveloperSlot{
	{ID: "dev-1", Name: "Nova", Avatar: "🛠️", Color: "#4F8EF7"},
	{ID: "dev-2", Name: "Orion", Avatar: "🔧", Color: "#F7B32B"},
	{ID: "dev-3", Name: "Vega", Avatar: "⚙️", Color: "#2BB673"},
	{ID: "dev-4", Name: "Lyra", Avatar: "🧰", Color: "#E4572E"},
	{ID: "dev-5", Name: "Atlas", Avatar: "🔩", Color: "#9B5DE5"},
}

// MaxDeveloperSlots is the size of the identity pool.
const MaxDeveloperSlots = 5

// SelectDevelopers returns the first n slots from the pool.
func SelectDevelopers(n int) ([]DeveloperSlot, error) {
	if n < 1 || n > len(slotPool) {
		return nil, fmt.Errorf("developer count %d out of range 1..%d", n, len(slotPool))
	}
	out := make([]DeveloperSlot, n)
	copy(out, slotPool[:n])
	return out, nil
}

// DeveloperPool returns a copy of the full identity pool.
func DeveloperPool() []DeveloperSlot {
	out := make([]DeveloperSlot, len(slotPool))
	copy(out, slotPool)
	return out
}

// Non-developer role identifiers used for role-tagged logging.
const (
	RoleIDResearcher = "researcher"
	RoleIDPlanner    = "planner"
	RoleIDTester     = "tester"
	RoleIDReviewer   = "reviewer"
	RoleIDPR         = "pr"
)
