package detect

import (
	"time"

	"tagaudit/pkg/model"
)

// Combine 按独立概率并集合并置信度：1 − Π(1 − c)，与顺序无关
func Combine(confidences []float64) float64 {
	if len(confidences) == 0 {
		return 0
	}
	miss := 1.0
	for _, c := range confidences {
		miss *= 1 - clamp01(c)
	}
	return 1 - miss
}

func clamp01(c float64) float64 {
	switch {
	case c < 0:
		return 0
	case c > 1:
		return 1
	}
	return c
}

func evidenceConfidence(ev []model.DetectionEvidence) float64 {
	cs := make([]float64, len(ev))
	for i, e := range ev {
		cs[i] = e.Confidence
	}
	return Combine(cs)
}

type evidenceKey struct {
	method  model.EvidenceMethod
	pattern string
	value   string
}

func unionEvidence(a, b []model.DetectionEvidence) []model.DetectionEvidence {
	seen := make(map[evidenceKey]bool, len(a)+len(b))
	out := make([]model.DetectionEvidence, 0, len(a)+len(b))
	for _, list := range [][]model.DetectionEvidence{a, b} {
		for _, e := range list {
			k := evidenceKey{e.Method, e.Pattern, e.Value}
			if seen[k] {
				continue
			}
			seen[k] = true
			out = append(out, e)
		}
	}
	return out
}

func unionStrings(a, b []string) []string {
	if len(a) == 0 && len(b) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, list := range [][]string{a, b} {
		for _, s := range list {
			if s == "" || seen[s] {
				continue
			}
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

func minTime(a, b time.Time) time.Time {
	if a.IsZero() || (!b.IsZero() && b.Before(a)) {
		return b
	}
	return a
}

func maxTime(a, b time.Time) time.Time {
	if b.After(a) {
		return b
	}
	return a
}

// Merge 合并同一平台的两个实例：证据与列表取并集并重新合并置信度，
// firstSeen 取较早、lastSeen 取较晚，加载方式取更具体者
func Merge(a, b model.TagInstance) model.TagInstance {
	out := a
	out.Evidence = unionEvidence(a.Evidence, b.Evidence)
	out.Confidence = evidenceConfidence(out.Evidence)
	out.IDs = unionStrings(a.IDs, b.IDs)
	if out.PrimaryID == "" {
		out.PrimaryID = b.PrimaryID
	}
	if out.PrimaryID == "" && len(out.IDs) > 0 {
		out.PrimaryID = out.IDs[0]
	}
	out.Scripts = unionStrings(a.Scripts, b.Scripts)
	out.Endpoints = unionStrings(a.Endpoints, b.Endpoints)
	out.RequestIDs = unionStrings(a.RequestIDs, b.RequestIDs)
	out.Errors = unionStrings(a.Errors, b.Errors)
	out.FirstSeen = minTime(a.FirstSeen, b.FirstSeen)
	out.LastSeen = maxTime(a.LastSeen, b.LastSeen)
	out.IsActive = a.IsActive || b.IsActive
	out.HasErrors = a.HasErrors || b.HasErrors
	if b.LoadMethod.Specificity() > a.LoadMethod.Specificity() {
		out.LoadMethod = b.LoadMethod
		out.LoadedVia = b.LoadedVia
	}
	if out.Name == "" {
		out.Name = b.Name
	}
	if out.Category == "" {
		out.Category = b.Category
	}
	if len(b.Config) > 0 {
		cfg := make(map[string]string, len(a.Config)+len(b.Config))
		for k, v := range b.Config {
			cfg[k] = v
		}
		for k, v := range a.Config {
			cfg[k] = v
		}
		out.Config = cfg
	}
	return out
}
