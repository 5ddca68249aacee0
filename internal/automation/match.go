package automation

import (
	"github.com/haasonsaas/bitflow/pkg/models"
)

// MatchResult reports how a rule matched one change set.
type MatchResult struct {
	Matched bool
	// TriggerField is the first field-scoped predicate that matched, used
	// for the run-log changed{old,new} pair.
	TriggerField string
}

// MatchRule evaluates a rule's trigger against the event class and change
// set. A created event diffs against an empty snapshot, so every populated
// field counts as changed there.
func MatchRule(rule models.Rule, on models.TriggerOn, changes models.Changes) MatchResult {
	if !rule.Trigger.Includes(on) {
		return MatchResult{}
	}

	trigger := rule.Trigger
	var conditions []models.Condition
	switch {
	case trigger.Condition != nil:
		conditions = []models.Condition{*trigger.Condition}
	case len(trigger.All) > 0 || len(trigger.Any) > 0:
		// handled below
	case trigger.Field != "":
		// Bare field means "changed".
		conditions = []models.Condition{{Kind: models.CondChanged, Field: trigger.Field}}
	default:
		return MatchResult{}
	}

	eval := func(c models.Condition) (bool, string) {
		field := c.Field
		if field == "" {
			field = trigger.Field
		}
		return evalCondition(c, field, changes)
	}

	if conditions != nil {
		ok, field := eval(conditions[0])
		return MatchResult{Matched: ok, TriggerField: field}
	}

	var triggerField string
	for _, c := range trigger.All {
		ok, field := eval(c)
		if !ok {
			return MatchResult{}
		}
		if triggerField == "" {
			triggerField = field
		}
	}
	if len(trigger.Any) > 0 {
		anyOK := false
		for _, c := range trigger.Any {
			if ok, field := eval(c); ok {
				anyOK = true
				if triggerField == "" {
					triggerField = field
				}
				break
			}
		}
		if !anyOK {
			return MatchResult{}
		}
	}
	return MatchResult{Matched: true, TriggerField: triggerField}
}

func evalCondition(c models.Condition, field string, changes models.Changes) (bool, string) {
	switch c.Kind {
	case models.CondChanged:
		if field == "" {
			return false, ""
		}
		return changes.Has(field), field

	case models.CondEquals:
		if field == "" {
			return false, ""
		}
		// equals fires on transition: the field changed and its new value
		// matches.
		ch, ok := changes.Get(field)
		if !ok {
			return false, ""
		}
		return ch.New.String() == c.Value, field

	case models.CondIn:
		if field == "" {
			return false, ""
		}
		ch, ok := changes.Get(field)
		if !ok {
			return false, ""
		}
		got := ch.New.String()
		for _, v := range c.Values {
			if got == v {
				return true, field
			}
		}
		return false, ""

	case models.CondAnyFieldChanged:
		excluded := map[string]struct{}{}
		for _, name := range c.Exclude {
			excluded[name] = struct{}{}
		}
		for _, ch := range changes {
			if _, skip := excluded[ch.Field]; !skip {
				return true, ch.Field
			}
		}
		return false, ""

	default:
		return false, ""
	}
}
