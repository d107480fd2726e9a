package agent

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/sprintd/sprintd/internal/common/config"
	"github.com/sprintd/sprintd/internal/sprint"
)

// Profile is the launch configuration for one agent role: which binary to
// spawn and the flags and budget it gets.
type Profile struct {
	Role     string
	Binary   string
	Model    string
	Budget   string
	MaxTurns int
	// ExtraArgs are appended verbatim to the CLI invocation.
	ExtraArgs []string
}

// Registry resolves role names to launch profiles. Profiles are assembled
// from built-in defaults, then the config maps, then an optional agents.yaml
// override file; later layers win field by field.
type Registry struct {
	profiles map[string]Profile
	fallback Profile
}

// defaultMaxTurns caps agent conversations per role. Implementation work
// needs far more turns than a review pass.
var defaultMaxTurns = map[string]int{
	sprint.RoleIDResearcher: 30,
	sprint.RoleIDPlanner:    40,
	sprint.RoleDeveloper:    80,
	sprint.RoleIDTester:     60,
	sprint.RoleIDReviewer:   40,
	sprint.RoleIDPR:         20,
}

// knownRoles is every role the registry seeds a profile for.
var knownRoles = []string{
	sprint.RoleIDResearcher,
	sprint.RoleIDPlanner,
	sprint.RoleDeveloper,
	sprint.RoleIDTester,
	sprint.RoleIDReviewer,
	sprint.RoleIDPR,
}

// agentsFile is the shape of the optional agents.yaml override.
type agentsFile struct {
	Agents map[string]agentsFileEntry `yaml:"agents"`
}

type agentsFileEntry struct {
	Binary   string   `yaml:"binary"`
	Model    string   `yaml:"model"`
	Budget   string   `yaml:"budget"`
	MaxTurns int      `yaml:"maxTurns"`
	Args     []string `yaml:"args"`
}

// NewRegistry builds the role registry from configuration. When
// cfg.ConfigPath names an agents.yaml file it must parse; a missing file is
// only tolerated for the implicit default path.
func NewRegistry(cfg config.AgentConfig) (*Registry, error) {
	profiles := make(map[string]Profile, len(knownRoles))
	for _, role := range knownRoles {
		p := Profile{
			Role:     role,
			Binary:   cfg.Binary,
			MaxTurns: defaultMaxTurns[role],
		}
		if m, ok := cfg.Models[role]; ok && m != "" {
			p.Model = m
		}
		if b, ok := cfg.Budgets[role]; ok && b != "" {
			p.Budget = b
		}
		if t, ok := cfg.MaxTurns[role]; ok && t > 0 {
			p.MaxTurns = t
		}
		profiles[role] = p
	}

	path := cfg.ConfigPath
	explicit := path != ""
	if !explicit {
		path = "agents.yaml"
	}
	if err := applyOverrides(profiles, cfg.Binary, path, explicit); err != nil {
		return nil, err
	}

	return &Registry{
		profiles: profiles,
		fallback: Profile{Binary: cfg.Binary, MaxTurns: defaultMaxTurns[sprint.RoleDeveloper]},
	}, nil
}

func applyOverrides(profiles map[string]Profile, defaultBinary, path string, explicit bool) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return nil
		}
		return fmt.Errorf("read agent config %s: %w", path, err)
	}

	var file agentsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parse agent config %s: %w", path, err)
	}

	for role, entry := range file.Agents {
		p, ok := profiles[role]
		if !ok {
			p = Profile{Role: role, Binary: defaultBinary, MaxTurns: defaultMaxTurns[sprint.RoleDeveloper]}
		}
		if entry.Binary != "" {
			p.Binary = entry.Binary
		}
		if entry.Model != "" {
			p.Model = entry.Model
		}
		if entry.Budget != "" {
			p.Budget = entry.Budget
		}
		if entry.MaxTurns > 0 {
			p.MaxTurns = entry.MaxTurns
		}
		if len(entry.Args) > 0 {
			p.ExtraArgs = append([]string(nil), entry.Args...)
		}
		profiles[role] = p
	}
	return nil
}

// Profile returns the launch profile for a role. Unknown roles get the
// fallback profile so a misnamed role still runs with sane limits.
func (r *Registry) Profile(role string) Profile {
	if p, ok := r.profiles[role]; ok {
		return p
	}
	p := r.fallback
	p.Role = role
	return p
}

// Roles returns the roles with seeded profiles, for diagnostics.
func (r *Registry) Roles() []string {
	out := make([]string, 0, len(r.profiles))
	for role := range r.profiles {
		out = append(out, role)
	}
	return out
}
