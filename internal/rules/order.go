package rules

import (
	"context"
	"fmt"

	"tagaudit/pkg/model"
)

// OrderHandler 断言 Before 的最早时间不晚于 After 的最早时间
type OrderHandler struct{}

func (OrderHandler) Name() string { return "order" }

func (OrderHandler) CanHandle(r *model.RuleDefinition) bool {
	return r.Type == model.RuleOrder && r.Order != nil
}

func (OrderHandler) Evaluate(_ context.Context, in *Input, r *model.RuleDefinition) (Outcome, error) {
	o := r.Order
	before, err := resolveTarget(in, o.Before)
	if err != nil {
		return Outcome{}, err
	}
	after, err := resolveTarget(in, o.After)
	if err != nil {
		return Outcome{}, err
	}
	bt, ok := earliest(before)
	if !ok {
		return failed(fmt.Sprintf("no %s found", o.Before)), nil
	}
	at, ok := earliest(after)
	if !ok {
		return failed(fmt.Sprintf("no %s found", o.After)), nil
	}

	delta := at.Sub(bt).Milliseconds()
	ev := []string{
		fmt.Sprintf("%s at %s", o.Before, bt.Format("15:04:05.000")),
		fmt.Sprintf("%s at %s", o.After, at.Format("15:04:05.000")),
	}
	if at.Before(bt) {
		return failed(fmt.Sprintf("%s occurred %dms before %s", o.After, -delta, o.Before), ev...), nil
	}
	if o.MaxDeltaMS > 0 && delta > o.MaxDeltaMS {
		return failed(fmt.Sprintf("%s followed %s after %dms, limit %dms", o.After, o.Before, delta, o.MaxDeltaMS), ev...), nil
	}
	return passed(fmt.Sprintf("%s precedes %s by %dms", o.Before, o.After, delta), ev...), nil
}
