package rules

import (
	"fmt"
	"time"

	"tagaudit/pkg/model"
)

// hit 目标解析出的一条证据
type hit struct {
	Label string
	Time  time.Time
}

// resolveTarget 解析规则目标对应的证据对象
func resolveTarget(in *Input, t model.Target) ([]hit, error) {
	var hits []hit
	switch t.Type {
	case model.TargetTag:
		var match matcher
		if t.Pattern != "" {
			m, err := compileMatcher(t.MatchMode, MatchExact, t.Pattern)
			if err != nil {
				return nil, err
			}
			match = m
		}
		for _, tag := range in.Detection.TagsFor(t.Platform) {
			if match != nil && !anyMatch(match, tag.IDs) {
				continue
			}
			hits = append(hits, hit{
				Label: fmt.Sprintf("tag %s id=%s confidence=%.2f", tag.Platform, tag.PrimaryID, tag.Confidence),
				Time:  tag.FirstSeen,
			})
		}
	case model.TargetEvent:
		if in.Evidence == nil {
			return nil, nil
		}
		var match matcher
		if t.Event != "" {
			m, err := compileMatcher(t.MatchMode, MatchExact, t.Event)
			if err != nil {
				return nil, err
			}
			match = m
		}
		for _, e := range in.Evidence.Events(t.Layer, "") {
			if match != nil && !match(e.Event) {
				continue
			}
			hits = append(hits, hit{Label: fmt.Sprintf("event %s[%d] %s", e.Layer, e.Index, e.Event), Time: e.Timestamp})
		}
	case model.TargetRequest:
		if in.Evidence == nil {
			return nil, nil
		}
		match, err := compileMatcher(t.MatchMode, MatchContains, t.Pattern)
		if err != nil {
			return nil, err
		}
		for _, r := range in.Evidence.Requests() {
			if match(r.URL) {
				hits = append(hits, hit{Label: fmt.Sprintf("request %s %s", r.Method, r.URL), Time: r.StartTime})
			}
		}
	case model.TargetScript:
		if in.Evidence == nil {
			return nil, nil
		}
		match, err := compileMatcher(t.MatchMode, MatchContains, t.Pattern)
		if err != nil {
			return nil, err
		}
		for _, s := range in.Evidence.Scripts() {
			if !s.Inline && match(s.URL) {
				hits = append(hits, hit{Label: "script " + s.URL, Time: s.InsertedAt})
			}
		}
	default:
		return nil, fmt.Errorf("unknown target type %q", t.Type)
	}
	return hits, nil
}

func anyMatch(m matcher, values []string) bool {
	for _, v := range values {
		if m(v) {
			return true
		}
	}
	return false
}

// earliest 最早的非零时间；全部为零时返回零值
func earliest(hits []hit) (time.Time, bool) {
	var t time.Time
	found := false
	for _, h := range hits {
		if h.Time.IsZero() {
			continue
		}
		if !found || h.Time.Before(t) {
			t, found = h.Time, true
		}
	}
	return t, found
}

func labels(hits []hit) []string {
	out := make([]string, 0, len(hits))
	for _, h := range hits {
		out = append(out, h.Label)
	}
	return out
}
