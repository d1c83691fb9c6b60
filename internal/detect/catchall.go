package detect

import (
	"context"
	"net/url"
	"sort"
	"strings"

	"tagaudit/internal/evidence"
	"tagaudit/pkg/model"
)

const catchAllConfidence = 0.3

// CatchAll 将未被其它检测器认领的分析类请求按域名分组
type CatchAll struct{}

func NewCatchAll() *CatchAll { return &CatchAll{} }

func (*CatchAll) Name() string     { return PlatformUnknownAnalytics }
func (*CatchAll) Platform() string { return PlatformUnknownAnalytics }
func (*CatchAll) Priority() int    { return PriorityCatchAll }

func (*CatchAll) MightBePresent(ev *evidence.Context) bool {
	return len(ev.AnalyticsRequests()) > 0
}

func (*CatchAll) Detect(ctx context.Context, ev *evidence.Context, known *Known) ([]model.TagInstance, error) {
	claimed := map[string]bool{}
	for _, t := range known.All() {
		for _, id := range t.RequestIDs {
			claimed[id] = true
		}
	}
	groups := map[string]*model.TagInstance{}
	var order []string
	for _, r := range ev.AnalyticsRequests() {
		if claimed[r.ID] {
			continue
		}
		domain := registrableDomain(r.URL)
		if domain == "" {
			continue
		}
		t, ok := groups[domain]
		if !ok {
			t = &model.TagInstance{
				Platform:   PlatformUnknownAnalytics,
				Name:       domain,
				Category:   model.CategoryOther,
				LoadMethod: model.LoadUnknown,
				PrimaryID:  domain,
				IDs:        []string{domain},
				FirstSeen:  r.StartTime,
				LastSeen:   r.StartTime,
			}
			groups[domain] = t
			order = append(order, domain)
		}
		t.Evidence = append(t.Evidence, model.DetectionEvidence{
			Method: model.EvidenceNetwork, Pattern: "analytics-fragment", Value: stripQuery(r.URL),
			Confidence: catchAllConfidence, Context: "request " + r.ID,
		})
		t.Endpoints = append(t.Endpoints, stripQuery(r.URL))
		t.RequestIDs = append(t.RequestIDs, r.ID)
		t.FirstSeen = minTime(t.FirstSeen, r.StartTime)
		t.LastSeen = maxTime(t.LastSeen, r.StartTime)
		if r.Failed || r.Status >= 400 {
			t.HasErrors = true
			t.Errors = append(t.Errors, requestError(r))
		} else {
			t.IsActive = true
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sort.Strings(order)
	out := make([]model.TagInstance, 0, len(order))
	for _, d := range order {
		t := groups[d]
		t.Evidence = unionEvidence(t.Evidence, nil)
		t.Endpoints = unionStrings(t.Endpoints, nil)
		t.Confidence = evidenceConfidence(t.Evidence)
		out = append(out, *t)
	}
	return out, nil
}

// registrableDomain 取主机名最后两级；不处理多级公共后缀
func registrableDomain(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	labels := strings.Split(strings.ToLower(u.Hostname()), ".")
	if len(labels) < 2 {
		return strings.Join(labels, ".")
	}
	return strings.Join(labels[len(labels)-2:], ".")
}
