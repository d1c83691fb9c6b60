package rules

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"tagaudit/internal/evidence"
	"tagaudit/pkg/model"

	"github.com/tidwall/gjson"
)

// ConsentHandler 断言平台最早活动不早于同意信号
type ConsentHandler struct{}

func (ConsentHandler) Name() string { return "consent" }

func (ConsentHandler) CanHandle(r *model.RuleDefinition) bool {
	return r.Type == model.RuleConsent && r.Consent != nil
}

func (ConsentHandler) Evaluate(_ context.Context, in *Input, r *model.RuleDefinition) (Outcome, error) {
	c := r.Consent
	if !c.Required {
		return skipped("consent not required"), nil
	}
	tags := in.Detection.TagsFor(c.Platform)
	if len(tags) == 0 {
		return passed(fmt.Sprintf("platform %s not detected", c.Platform)), nil
	}
	var active time.Time
	for _, t := range tags {
		if !t.FirstSeen.IsZero() && (active.IsZero() || t.FirstSeen.Before(active)) {
			active = t.FirstSeen
		}
	}

	at, where, err := signalTime(in.Evidence, c.Signal)
	if err != nil {
		return Outcome{}, err
	}
	if at.IsZero() {
		return failed(fmt.Sprintf("platform %s active without consent signal", c.Platform),
			fmt.Sprintf("no consent signal from %s %s", c.Signal.Source, signalName(c.Signal))), nil
	}
	ev := []string{
		fmt.Sprintf("consent %s at %s", where, at.Format("15:04:05.000")),
		fmt.Sprintf("%s first activity at %s", c.Platform, active.Format("15:04:05.000")),
	}
	if !active.IsZero() && active.Before(at) {
		return failed(fmt.Sprintf("platform %s active %dms before consent", c.Platform, at.Sub(active).Milliseconds()), ev...), nil
	}
	return passed(fmt.Sprintf("platform %s gated by consent", c.Platform), ev...), nil
}

func signalName(s model.ConsentSignal) string {
	if s.Event != "" {
		return s.Event
	}
	return s.Key
}

// signalTime 返回信号最早出现时间与描述；未找到时为零值
func signalTime(ev *evidence.Context, s model.ConsentSignal) (time.Time, string, error) {
	if ev == nil {
		return time.Time{}, "", nil
	}
	switch s.Source {
	case model.ConsentFromDataLayer:
		var (
			at    time.Time
			where string
		)
		for _, e := range ev.Events(s.Layer, s.Event) {
			if s.Key != "" {
				raw, err := json.Marshal(e.Payload)
				if err != nil {
					continue
				}
				v := gjson.GetBytes(raw, s.Key)
				if !v.Exists() || (s.Value != "" && v.String() != s.Value) {
					continue
				}
			}
			if at.IsZero() || e.Timestamp.Before(at) {
				at, where = e.Timestamp, fmt.Sprintf("event %s[%d]", e.Layer, e.Index)
			}
		}
		return at, where, nil
	case model.ConsentFromCookie:
		ck, ok := ev.Cookie(s.Key)
		if !ok || (s.Value != "" && !strings.Contains(ck.Value, s.Value)) {
			return time.Time{}, "", nil
		}
		for _, req := range ev.Requests() {
			h, ok := evidence.RequestField(req, model.SourceHeaders, "cookie")
			if ok && strings.Contains(h, s.Key+"=") {
				return req.StartTime, "cookie " + s.Key, nil
			}
		}
		return ev.CollectedAt(), "cookie " + s.Key, nil
	case model.ConsentFromLocalStorage:
		v, ok := ev.LocalStorage(s.Key)
		if !ok || (s.Value != "" && !strings.Contains(v, s.Value)) {
			return time.Time{}, "", nil
		}
		return ev.CollectedAt(), "localStorage " + s.Key, nil
	default:
		return time.Time{}, "", fmt.Errorf("unknown consent source %q", s.Source)
	}
}
