package automation

// SimulationReport is the result of a dry run. Building it has no side
// effects: no run is recorded, no statistics change and no timers start.
type SimulationReport struct {
	AutomationID string             `json:"automation_id"`
	Trigger      TriggerReport      `json:"trigger"`
	Conditions   []ConditionResult  `json:"conditions"`
	Actions      []ActionSimulation `json:"actions"`
	Summary      SimulationSummary  `json:"summary"`
}

// TriggerReport says whether the trigger would fire and why.
type TriggerReport struct {
	Type      TriggerType `json:"type"`
	WouldFire bool        `json:"would_fire"`
	Details   string      `json:"details"`
}

// SimulationSummary aggregates a report.
type SimulationSummary struct {
	ConditionsEvaluated int   `json:"conditions_evaluated"`
	ConditionsPassed    int   `json:"conditions_passed"`
	TotalActions        int   `json:"total_actions"`
	ActionsToExecute    int   `json:"actions_to_execute"`
	ConditionsLogic     Logic `json:"conditions_logic"`
}

func summarize(logic Logic, conditions []ConditionResult, actions []ActionSimulation) SimulationSummary {
	sum := SimulationSummary{
		ConditionsEvaluated: len(conditions),
		TotalActions:        len(actions),
		ConditionsLogic:     logic,
	}
	for _, c := range conditions {
		if c.WouldPass {
			sum.ConditionsPassed++
		}
	}
	for _, a := range actions {
		if a.WouldExecute {
			sum.ActionsToExecute++
		}
	}
	return sum
}
