package rules

import (
	"context"
	"fmt"

	"tagaudit/pkg/model"
)

// PresenceHandler 断言目标存在、不存在或数量范围
type PresenceHandler struct{}

func (PresenceHandler) Name() string { return "presence" }

func (PresenceHandler) CanHandle(r *model.RuleDefinition) bool {
	return r.Type == model.RulePresence && r.Presence != nil
}

func (PresenceHandler) Evaluate(_ context.Context, in *Input, r *model.RuleDefinition) (Outcome, error) {
	p := r.Presence
	hits, err := resolveTarget(in, p.Target)
	if err != nil {
		return Outcome{}, err
	}
	n := len(hits)
	ev := labels(hits)

	if !p.ShouldExist {
		if n > 0 {
			return failed(fmt.Sprintf("%s should not exist, found %d", p.Target, n), ev...), nil
		}
		return passed(fmt.Sprintf("%s not found", p.Target)), nil
	}

	want := 1
	if p.MinCount != nil {
		want = *p.MinCount
	}
	if n < want {
		if n == 0 {
			ev = []string{fmt.Sprintf("no %s found", p.Target)}
		}
		return failed(fmt.Sprintf("%s: expected at least %d, found %d", p.Target, want, n), ev...), nil
	}
	if p.MaxCount != nil && n > *p.MaxCount {
		return failed(fmt.Sprintf("%s: expected at most %d, found %d", p.Target, *p.MaxCount, n), ev...), nil
	}
	return passed(fmt.Sprintf("%s found %d", p.Target, n), ev...), nil
}
