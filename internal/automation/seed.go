package automation

import (
	"context"
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// SeedProblem describes one entry of a seed file that failed validation.
type SeedProblem struct {
	Index int
	ID    string
	Err   error
}

func (p SeedProblem) Error() string {
	if p.ID != "" {
		return fmt.Sprintf("automation %d (%s): %v", p.Index, p.ID, p.Err)
	}
	return fmt.Sprintf("automation %d: %v", p.Index, p.Err)
}

func (p SeedProblem) Unwrap() error { return p.Err }

// LoadSeedFile reads a YAML list of automations from path.
// See ParseSeed.
func LoadSeedFile(path string) ([]Automation, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading seed file: %w", err)
	}
	return ParseSeed(data)
}

// ParseSeed decodes a YAML list of automations, applies defaults and
// validates every entry. Definitions are returned in file order.
//
// Returns:
//   - []Automation: The parsed definitions (also on validation failure)
//   - error: A YAML error, or the joined SeedProblems of invalid entries
func ParseSeed(data []byte) ([]Automation, error) {
	var automations []Automation
	if err := yaml.Unmarshal(data, &automations); err != nil {
		return nil, fmt.Errorf("%w: parsing seed: %w", ErrInvalidAutomation, err)
	}

	var problems []error
	seen := make(map[string]int, len(automations))
	for i := range automations {
		a := &automations[i]
		ApplyDefaults(a)

		if err := ValidateAutomation(a); err != nil {
			problems = append(problems, SeedProblem{Index: i, ID: a.ID, Err: err})
			continue
		}
		if a.ID == "" {
			continue
		}
		if first, dup := seen[a.ID]; dup {
			problems = append(problems, SeedProblem{
				Index: i,
				ID:    a.ID,
				Err:   fmt.Errorf("%w: duplicate of entry %d", ErrAutomationExists, first),
			})
			continue
		}
		seen[a.ID] = i
	}

	return automations, errors.Join(problems...)
}

// Seed creates each automation whose ID is not yet registered. Existing
// automations are left untouched, so operator edits survive a restart.
//
// Returns:
//   - created: Number of automations created
//   - skipped: Number of automations that already existed
//   - error: The first create failure other than ErrAutomationExists
func (r *Registry) Seed(ctx context.Context, automations []Automation) (created, skipped int, err error) {
	for i := range automations {
		a := automations[i].DeepCopy()
		if createErr := r.CreateAutomation(ctx, a); createErr != nil {
			if errors.Is(createErr, ErrAutomationExists) {
				skipped++
				continue
			}
			return created, skipped, fmt.Errorf("seeding automation %q: %w", a.Name, createErr)
		}
		created++
	}

	r.logger.Info("automations seeded", "created", created, "skipped", skipped)
	return created, skipped, nil
}
