package rules

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tagaudit/internal/detect"
	"tagaudit/internal/evidence"
	"tagaudit/pkg/model"
	"tagaudit/pkg/traffic"
)

var t0 = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

func intp(v int) *int           { return &v }
func boolp(v bool) *bool        { return &v }
func strp(v string) *string     { return &v }
func floatp(v float64) *float64 { return &v }
func at(ms int) time.Time       { return t0.Add(time.Duration(ms) * time.Millisecond) }

func ga4Tag(id string) model.TagInstance {
	return model.TagInstance{Platform: detect.PlatformGA4, PrimaryID: id, IDs: []string{id}, Confidence: 0.9, FirstSeen: at(500)}
}

func input(scan *model.PageScanResult, tags ...model.TagInstance) *Input {
	return &Input{Evidence: evidence.New(scan), Detection: &model.DetectionResult{Tags: tags}}
}

func scanWith(fn func(s *model.PageScanResult)) *model.PageScanResult {
	s := model.NewPageScanResult("scan-1", "https://shop.example.com/")
	s.FinishedAt = at(10000)
	if fn != nil {
		fn(s)
	}
	return s
}

func evalOne(t *testing.T, in *Input, r model.RuleDefinition) model.ValidationResult {
	t.Helper()
	rep := NewEngine(Options{}).Evaluate(context.Background(), in, []model.RuleDefinition{r})
	require.Len(t, rep.Results, 1)
	return rep.Results[0]
}

func presence(target model.Target, should bool, min *int) model.RuleDefinition {
	return model.RuleDefinition{ID: "p", Type: model.RulePresence,
		Presence: &model.PresenceRule{Target: target, ShouldExist: should, MinCount: min}}
}

func TestPresenceBelowMinCountFails(t *testing.T) {
	in := input(scanWith(nil), ga4Tag("G-1"))
	res := evalOne(t, in, presence(model.Target{Type: model.TargetTag, Platform: detect.PlatformGA4}, true, intp(2)))
	assert.Equal(t, model.StatusFailed, res.Status)
	assert.Contains(t, res.Message, "at least 2, found 1")
}

func TestPresenceTargets(t *testing.T) {
	scan := scanWith(func(s *model.PageScanResult) {
		s.Scripts = []model.ScriptRecord{{ID: "script-1", URL: "https://cdn.example.com/gtm.js?id=GTM-1"}}
		s.Requests = []model.CapturedRequest{{ID: "1", URL: "https://www.facebook.com/tr?id=42&ev=PageView"}}
		s.DataLayerEvents = []model.DataLayerEvent{
			{Layer: "dataLayer", Index: 0, Event: "gtm.js"},
			{Layer: "dataLayer", Index: 1, Event: "purchase"},
		}
	})
	in := input(scan)
	cases := []struct {
		name   string
		target model.Target
		should bool
		want   model.RuleStatus
	}{
		{"script present", model.Target{Type: model.TargetScript, Pattern: "gtm.js"}, true, model.StatusPassed},
		{"request present", model.Target{Type: model.TargetRequest, Pattern: "facebook.com/tr"}, true, model.StatusPassed},
		{"request absent", model.Target{Type: model.TargetRequest, Pattern: "doubleclick"}, false, model.StatusPassed},
		{"event present", model.Target{Type: model.TargetEvent, Layer: "dataLayer", Event: "purchase"}, true, model.StatusPassed},
		{"event prefix", model.Target{Type: model.TargetEvent, Event: "gtm.", MatchMode: MatchPrefix}, true, model.StatusPassed},
		{"event forbidden", model.Target{Type: model.TargetEvent, Event: "purchase"}, false, model.StatusFailed},
		{"tag missing", model.Target{Type: model.TargetTag, Platform: detect.PlatformHotjar}, true, model.StatusFailed},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			res := evalOne(t, in, presence(c.target, c.should, nil))
			assert.Equal(t, c.want, res.Status, res.Message)
		})
	}

	res := evalOne(t, in, model.RuleDefinition{ID: "max", Type: model.RulePresence, Presence: &model.PresenceRule{
		Target: model.Target{Type: model.TargetEvent, Layer: "dataLayer"}, ShouldExist: true, MaxCount: intp(1)}})
	assert.Equal(t, model.StatusFailed, res.Status)
	assert.Contains(t, res.Message, "at most 1, found 2")
}

func TestGA4ScenarioPresencePasses(t *testing.T) {
	scan := scanWith(func(s *model.PageScanResult) {
		s.Scripts = []model.ScriptRecord{{ID: "script-1", URL: "https://www.googletagmanager.com/gtag/js?id=G-ABC1234", InsertedAt: at(0)}}
		s.Requests = []model.CapturedRequest{{
			ID: "1", URL: "https://region1.google-analytics.com/g/collect?v=2&tid=G-ABC1234&en=page_view",
			Query: map[string]string{"v": "2", "tid": "G-ABC1234", "en": "page_view"}, Status: 204,
			IsAnalytics: true, StartTime: at(1000),
		}}
	})
	ev := evidence.New(scan)
	det := detect.NewEngine(detect.DefaultRegistry(), detect.Options{}, nil).Detect(context.Background(), ev)
	in := &Input{Evidence: ev, Detection: det}

	res := evalOne(t, in, presence(model.Target{Type: model.TargetTag, Platform: detect.PlatformGA4}, true, nil))
	assert.Equal(t, model.StatusPassed, res.Status, res.Message)
	require.Len(t, res.Evidence, 1)
	assert.Contains(t, res.Evidence[0], "G-ABC1234")
}

func payloadRule(pattern string, fields ...model.FieldAssertion) model.RuleDefinition {
	return model.RuleDefinition{ID: "pl", Type: model.RulePayload,
		Payload: &model.PayloadRule{URLPattern: pattern, Fields: fields}}
}

func TestPayloadNoMatchingRequestsFails(t *testing.T) {
	res := evalOne(t, input(scanWith(nil)), payloadRule("/g/collect", model.FieldAssertion{Source: model.SourceQuery, Key: "tid"}))
	assert.Equal(t, model.StatusFailed, res.Status)
	assert.Equal(t, []string{"no requests matched pattern /g/collect"}, res.Evidence)
}

func TestPayloadItemizesFailuresPerRequest(t *testing.T) {
	scan := scanWith(func(s *model.PageScanResult) {
		s.Requests = []model.CapturedRequest{
			{ID: "1", Method: "GET", URL: "https://ga.example/g/collect?tid=G-1&en=page_view",
				Query: map[string]string{"tid": "G-1", "en": "page_view"}},
			{ID: "2", Method: "POST", URL: "https://ga.example/g/collect?en=purchase",
				Query:    map[string]string{"en": "purchase"},
				PostData: `{"value":"12.5","currency":"EUR"}`},
		}
	})
	in := input(scan)

	res := evalOne(t, in, payloadRule("/g/collect",
		model.FieldAssertion{Source: model.SourceQuery, Key: "tid", Matches: `^G-`},
		model.FieldAssertion{Source: model.SourceQuery, Key: "en", Exists: boolp(true)},
	))
	assert.Equal(t, model.StatusFailed, res.Status)
	require.Len(t, res.Evidence, 1)
	assert.Contains(t, res.Evidence[0], "request 2")
	assert.Contains(t, res.Evidence[0], "query.tid missing")

	post := payloadRule("/g/collect",
		model.FieldAssertion{Source: model.SourceBody, Key: "value", Type: "number"},
		model.FieldAssertion{Source: model.SourceBody, Key: "currency", Equals: strp("EUR")},
		model.FieldAssertion{Source: model.SourceBody, Key: "debug", Exists: boolp(false)},
	)
	post.Payload.Method = "post"
	res = evalOne(t, in, post)
	assert.Equal(t, model.StatusPassed, res.Status, res.Evidence)

	bad := payloadRule("/g/collect", model.FieldAssertion{Source: model.SourceQuery, Key: "en", Type: "uuid"})
	res = evalOne(t, in, bad)
	assert.Equal(t, model.StatusError, res.Status)
}

func orderRule(before, after model.Target, maxDelta int64) model.RuleDefinition {
	return model.RuleDefinition{ID: "o", Type: model.RuleOrder,
		Order: &model.OrderRule{Before: before, After: after, MaxDeltaMS: maxDelta}}
}

func TestOrder(t *testing.T) {
	scan := scanWith(func(s *model.PageScanResult) {
		s.DataLayerEvents = []model.DataLayerEvent{
			{Layer: "dataLayer", Index: 0, Event: "consent_update", Timestamp: at(100)},
			{Layer: "dataLayer", Index: 1, Event: "page_view", Timestamp: at(300)},
		}
		s.Requests = []model.CapturedRequest{{ID: "1", URL: "https://ga.example/g/collect", StartTime: at(400)}}
	})
	in := input(scan, ga4Tag("G-1"))
	consent := model.Target{Type: model.TargetEvent, Event: "consent_update"}
	view := model.Target{Type: model.TargetEvent, Event: "page_view"}

	assert.Equal(t, model.StatusPassed, evalOne(t, in, orderRule(consent, view, 0)).Status)
	assert.Equal(t, model.StatusFailed, evalOne(t, in, orderRule(view, consent, 0)).Status)
	assert.Equal(t, model.StatusFailed, evalOne(t, in, orderRule(consent, view, 100)).Status)
	assert.Equal(t, model.StatusPassed, evalOne(t, in, orderRule(consent, view, 200)).Status)

	req := model.Target{Type: model.TargetRequest, Pattern: "/g/collect"}
	tag := model.Target{Type: model.TargetTag, Platform: detect.PlatformGA4}
	assert.Equal(t, model.StatusPassed, evalOne(t, in, orderRule(req, tag, 0)).Status)

	missing := evalOne(t, in, orderRule(model.Target{Type: model.TargetEvent, Event: "nope"}, view, 0))
	assert.Equal(t, model.StatusFailed, missing.Status)
	assert.Contains(t, missing.Message, "no event nope found")
}

func consentRule(signal model.ConsentSignal, required bool) model.RuleDefinition {
	return model.RuleDefinition{ID: "c", Type: model.RuleConsent, Platform: detect.PlatformGA4,
		Consent: &model.ConsentRule{Platform: detect.PlatformGA4, Signal: signal, Required: required}}
}

func TestConsent(t *testing.T) {
	granted := model.ConsentSignal{Source: model.ConsentFromDataLayer, Event: "consent", Key: "analytics_storage", Value: "granted"}
	withEvent := func(ms int) *model.PageScanResult {
		return scanWith(func(s *model.PageScanResult) {
			s.DataLayerEvents = []model.DataLayerEvent{
				{Layer: "dataLayer", Index: 0, Event: "consent", Payload: map[string]any{"analytics_storage": "denied"}, Timestamp: at(50)},
				{Layer: "dataLayer", Index: 1, Event: "consent", Payload: map[string]any{"analytics_storage": "granted"}, Timestamp: at(ms)},
			}
		})
	}

	assert.Equal(t, model.StatusPassed, evalOne(t, input(withEvent(200), ga4Tag("G-1")), consentRule(granted, true)).Status)

	early := evalOne(t, input(withEvent(900), ga4Tag("G-1")), consentRule(granted, true))
	assert.Equal(t, model.StatusFailed, early.Status)
	assert.Contains(t, early.Message, "400ms before consent")

	assert.Equal(t, model.StatusPassed, evalOne(t, input(withEvent(900)), consentRule(granted, true)).Status, "platform not detected")
	assert.Equal(t, model.StatusSkipped, evalOne(t, input(withEvent(900), ga4Tag("G-1")), consentRule(granted, false)).Status)

	none := evalOne(t, input(scanWith(nil), ga4Tag("G-1")), consentRule(granted, true))
	assert.Equal(t, model.StatusFailed, none.Status)

	cookieScan := scanWith(func(s *model.PageScanResult) {
		s.Cookies = []model.Cookie{{Name: "OptanonConsent", Value: "groups=C0001:1,C0002:1"}}
		s.Requests = []model.CapturedRequest{{ID: "1", URL: "https://shop.example.com/api", StartTime: at(300),
			RequestHeaders: traffic.Header{"cookie": "OptanonConsent=groups%3DC0002"}}}
	})
	cookie := model.ConsentSignal{Source: model.ConsentFromCookie, Key: "OptanonConsent", Value: "C0002:1"}
	res := evalOne(t, input(cookieScan, ga4Tag("G-1")), consentRule(cookie, true))
	assert.Equal(t, model.StatusPassed, res.Status, res.Evidence)

	storageScan := scanWith(func(s *model.PageScanResult) { s.LocalStorage["consent"] = "all" })
	storage := model.ConsentSignal{Source: model.ConsentFromLocalStorage, Key: "consent"}
	res = evalOne(t, input(storageScan, ga4Tag("G-1")), consentRule(storage, true))
	assert.Equal(t, model.StatusFailed, res.Status, "local storage is only observed at collection time")
}

func dataLayerRule(d model.DataLayerRule) model.RuleDefinition {
	return model.RuleDefinition{ID: "dl", Type: model.RuleDataLayer, DataLayer: &d}
}

func TestDataLayerValidation(t *testing.T) {
	scan := scanWith(func(s *model.PageScanResult) {
		s.DataLayerEvents = []model.DataLayerEvent{
			{Layer: "dataLayer", Index: 3, Event: "purchase", Payload: map[string]any{
				"event": "purchase",
				"ecommerce": map[string]any{
					"transaction_id": "T-1", "value": 30.5, "currency": "EUR",
					"items": []any{map[string]any{"item_id": "A", "quantity": 1.0}},
				},
			}},
			{Layer: "dataLayer", Index: 4, Event: "purchase", Payload: map[string]any{
				"event":     "purchase",
				"userEmail": "a@example.com",
				"ecommerce": map[string]any{"value": -1.0, "currency": "euro", "items": []any{map[string]any{"quantity": "1"}}},
			}},
		}
	})
	in := input(scan)

	schema := &model.SchemaNode{Type: "object", Required: []string{"ecommerce"}, Properties: map[string]*model.SchemaNode{
		"ecommerce": {Type: "object", Properties: map[string]*model.SchemaNode{
			"items": {Type: "array", Items: &model.SchemaNode{Type: "object", Required: []string{"item_id"},
				Properties: map[string]*model.SchemaNode{"quantity": {Type: "integer"}}}},
		}},
	}}
	res := evalOne(t, in, dataLayerRule(model.DataLayerRule{
		Event:         "purchase",
		RequiredKeys:  []string{"ecommerce.transaction_id"},
		ForbiddenKeys: []string{"userEmail"},
		KeyPattern:    `^[a-z_]+$`,
		Schema:        schema,
		Fields: []model.FieldCheck{
			{Path: "ecommerce.value", Min: floatp(0)},
			{Path: "ecommerce.currency", Matches: `^[A-Z]{3}$`, OneOf: []any{"EUR", "USD"}},
		},
	}))
	assert.Equal(t, model.StatusFailed, res.Status)
	assert.Equal(t, "1 of 2 events failed validation", res.Message)
	joined := fmt.Sprint(res.Evidence)
	for _, want := range []string{
		"missing required key ecommerce.transaction_id",
		"forbidden key present userEmail",
		"key userEmail does not match",
		"missing required property item_id",
		"expected integer, got string",
		"ecommerce.value -1 below minimum 0",
		`ecommerce.currency "euro" does not match`,
	} {
		assert.Contains(t, joined, want)
	}
	for _, e := range res.Evidence {
		assert.Contains(t, e, "dataLayer[4]")
	}

	ok := evalOne(t, in, dataLayerRule(model.DataLayerRule{Event: "purchase", Fields: []model.FieldCheck{
		{Path: "event", Required: true, Equals: "purchase"},
		{Path: "ecommerce.items", MinLength: intp(1), MaxLength: intp(5)},
	}}))
	assert.Equal(t, model.StatusPassed, ok.Status, ok.Evidence)
}

func TestDataLayerLiteralDottedKeys(t *testing.T) {
	in := input(scanWith(func(s *model.PageScanResult) {
		s.DataLayerEvents = []model.DataLayerEvent{{Layer: "dataLayer", Event: "gtm.js",
			Payload: map[string]any{"event": "gtm.js", "gtm.start": 1700000000000.0, "page": map[string]any{"type": "home"}}}}
	}))
	res := evalOne(t, in, dataLayerRule(model.DataLayerRule{
		Event:        "gtm.js",
		RequiredKeys: []string{"gtm.start", "page.type"},
	}))
	assert.Equal(t, model.StatusPassed, res.Status, res.Evidence)

	res = evalOne(t, in, dataLayerRule(model.DataLayerRule{Event: "gtm.js", ForbiddenKeys: []string{"gtm.start"}}))
	assert.Equal(t, model.StatusFailed, res.Status)
	assert.Contains(t, fmt.Sprint(res.Evidence), "forbidden key present gtm.start")
}

func TestDataLayerMissingEvents(t *testing.T) {
	in := input(scanWith(nil))
	res := evalOne(t, in, dataLayerRule(model.DataLayerRule{Event: "purchase"}))
	assert.Equal(t, model.StatusFailed, res.Status)
	res = evalOne(t, in, dataLayerRule(model.DataLayerRule{Event: "purchase", AllowMissing: true}))
	assert.Equal(t, model.StatusPassed, res.Status)
}

// funcHandler 以函数实现处理器，接管 presence 类型的规则
type funcHandler func(ctx context.Context, r *model.RuleDefinition) (Outcome, error)

func (funcHandler) Name() string { return "func" }

func (funcHandler) CanHandle(r *model.RuleDefinition) bool { return r.Type == model.RulePresence }

func (f funcHandler) Evaluate(ctx context.Context, _ *Input, r *model.RuleDefinition) (Outcome, error) {
	return f(ctx, r)
}

func stubRule(id string, sev model.Severity) model.RuleDefinition {
	return model.RuleDefinition{ID: model.RuleID(id), Type: model.RulePresence, Severity: sev, Platform: "ga4",
		Presence: &model.PresenceRule{}}
}

func TestResultsKeepDeclarationOrder(t *testing.T) {
	var running, peak atomic.Int32
	h := funcHandler(func(_ context.Context, r *model.RuleDefinition) (Outcome, error) {
		n := running.Add(1)
		defer running.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		var i int
		fmt.Sscanf(string(r.ID), "r%d", &i)
		time.Sleep(time.Duration(10-i) * time.Millisecond)
		return passed(string(r.ID)), nil
	})
	var rules []model.RuleDefinition
	for i := 0; i < 10; i++ {
		rules = append(rules, stubRule(fmt.Sprintf("r%d", i), ""))
	}
	rep := NewEngine(Options{Concurrency: 3, Handlers: []Handler{h}}).Evaluate(context.Background(), &Input{}, rules)

	require.Len(t, rep.Results, 10)
	for i, r := range rep.Results {
		assert.Equal(t, model.RuleID(fmt.Sprintf("r%d", i)), r.RuleID)
		assert.Equal(t, string(r.RuleID), r.Message)
	}
	assert.LessOrEqual(t, peak.Load(), int32(3))
	assert.Equal(t, 10, rep.Summary.Passed)
}

func TestFailureIsolation(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	h := funcHandler(func(ctx context.Context, r *model.RuleDefinition) (Outcome, error) {
		switch r.ID {
		case "slow":
			<-block
		case "panic":
			panic("boom")
		case "err":
			return Outcome{}, fmt.Errorf("bad input")
		case "fail":
			return failed("nope"), nil
		}
		return passed("ok"), nil
	})
	malformed := model.RuleDefinition{ID: "malformed", Type: model.RulePayload}
	disabled := stubRule("disabled", "")
	disabled.Disabled = true
	unhandled := model.RuleDefinition{ID: "unhandled", Type: model.RuleOrder, Order: &model.OrderRule{}}
	rules := []model.RuleDefinition{
		stubRule("ok", ""), stubRule("slow", ""), stubRule("panic", ""), stubRule("err", ""),
		stubRule("fail", model.SeverityWarning), malformed, disabled, unhandled,
	}
	eng := NewEngine(Options{RuleTimeout: 30 * time.Millisecond, Handlers: []Handler{h}})
	rep := eng.Evaluate(context.Background(), &Input{}, rules)

	got := map[model.RuleID]model.RuleStatus{}
	for _, r := range rep.Results {
		got[r.RuleID] = r.Status
	}
	assert.Equal(t, map[model.RuleID]model.RuleStatus{
		"ok": model.StatusPassed, "slow": model.StatusError, "panic": model.StatusError, "err": model.StatusError,
		"fail": model.StatusFailed, "malformed": model.StatusError, "disabled": model.StatusSkipped,
		"unhandled": model.StatusError,
	}, got)
	assert.Contains(t, rep.Results[1].Message, "timed out")
	assert.Contains(t, rep.Results[2].Message, "boom")

	s := rep.Summary
	assert.Equal(t, s.Total, s.Passed+s.Failed+s.Skipped+s.Errors)
	assert.Equal(t, 8, s.Total)
	assert.False(t, s.IsValid)
}

func TestHaltOnError(t *testing.T) {
	var calls atomic.Int32
	h := funcHandler(func(_ context.Context, r *model.RuleDefinition) (Outcome, error) {
		calls.Add(1)
		if r.ID == "b" {
			return failed("blocking"), nil
		}
		return passed("ok"), nil
	})
	rules := []model.RuleDefinition{stubRule("a", ""), stubRule("b", ""), stubRule("c", ""), stubRule("d", "")}
	rep := NewEngine(Options{Concurrency: 1, HaltOnError: true, Handlers: []Handler{h}}).
		Evaluate(context.Background(), &Input{}, rules)

	statuses := []model.RuleStatus{}
	for _, r := range rep.Results {
		statuses = append(statuses, r.Status)
	}
	assert.Equal(t, []model.RuleStatus{model.StatusPassed, model.StatusFailed, model.StatusSkipped, model.StatusSkipped}, statuses)
	assert.Equal(t, int32(2), calls.Load())
}

func TestHaltOnErrorIgnoresConcurrency(t *testing.T) {
	var calls atomic.Int32
	h := funcHandler(func(_ context.Context, r *model.RuleDefinition) (Outcome, error) {
		calls.Add(1)
		if r.ID == "a" {
			time.Sleep(20 * time.Millisecond)
			return failed("blocking"), nil
		}
		return passed("ok"), nil
	})
	rules := []model.RuleDefinition{stubRule("a", ""), stubRule("b", ""), stubRule("c", ""), stubRule("d", "")}
	for range 3 {
		calls.Store(0)
		rep := NewEngine(Options{Concurrency: 4, HaltOnError: true, Handlers: []Handler{h}}).
			Evaluate(context.Background(), &Input{}, rules)

		statuses := []model.RuleStatus{}
		for _, r := range rep.Results {
			statuses = append(statuses, r.Status)
		}
		assert.Equal(t, []model.RuleStatus{model.StatusFailed, model.StatusSkipped, model.StatusSkipped, model.StatusSkipped}, statuses)
		assert.Equal(t, "evaluation halted", rep.Results[3].Message)
		assert.Equal(t, int32(1), calls.Load())
	}
}

func TestSummarize(t *testing.T) {
	results := []model.ValidationResult{
		{Status: model.StatusPassed, Severity: model.SeverityError, Platform: "ga4"},
		{Status: model.StatusFailed, Severity: model.SeverityWarning, Platform: "ga4"},
		{Status: model.StatusPassed, Severity: model.SeverityInfo},
		{Status: model.StatusSkipped, Severity: model.SeverityError, Platform: "ga4"},
	}
	s := Summarize(results)
	assert.Equal(t, 67, s.Score)
	assert.True(t, s.IsValid, "warning failures do not invalidate")
	assert.Equal(t, map[string]int{"warning": 1}, s.BySeverity)
	assert.Equal(t, model.PlatformTally{Passed: 1, Warnings: 1}, s.ByPlatform["ga4"])

	results = append(results, model.ValidationResult{Status: model.StatusError, Severity: model.SeverityError, Platform: "meta_pixel"})
	s = Summarize(results)
	assert.False(t, s.IsValid)
	assert.Equal(t, model.PlatformTally{Failed: 1}, s.ByPlatform["meta_pixel"])
	assert.Equal(t, 44, s.Score)

	empty := Summarize(nil)
	assert.Equal(t, 100, empty.Score)
	assert.True(t, empty.IsValid)
}

func TestCompileMatcher(t *testing.T) {
	cases := []struct {
		mode, pattern, value string
		want                 bool
	}{
		{"", "collect", "https://x/g/collect", true},
		{MatchPrefix, "https://x", "https://x/g", true},
		{MatchExact, "a", "ab", false},
		{MatchRegex, `^G-[A-Z0-9]+$`, "G-ABC1", true},
		{MatchGlob, "*.google-analytics.com/*", "region1.google-analytics.com/g/collect", true},
		{MatchGlob, "gtm.?s", "gtm.js", true},
		{MatchGlob, "*", "anything", true},
	}
	for _, c := range cases {
		m, err := compileMatcher(c.mode, MatchContains, c.pattern)
		require.NoError(t, err)
		assert.Equal(t, c.want, m(c.value), "%s %s %s", c.mode, c.pattern, c.value)
	}
	_, err := compileMatcher(MatchRegex, "", "(")
	assert.Error(t, err)
	_, err = compileMatcher("fuzzy", "", "x")
	assert.Error(t, err)
}
