package detect

import (
	"context"
	"regexp"
	"regexp/syntax"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tagaudit/internal/evidence"
	"tagaudit/pkg/model"
)

const maxSamples = 64

// regexSamples 枚举能被 expr 匹配的短字符串：每个分支各取一例，可选部分取空
func regexSamples(t *testing.T, expr string) []string {
	t.Helper()
	r, err := syntax.Parse(expr, syntax.Perl)
	require.NoError(t, err)
	return sampleOf(r.Simplify())
}

func sampleOf(r *syntax.Regexp) []string {
	switch r.Op {
	case syntax.OpLiteral:
		return []string{string(r.Rune)}
	case syntax.OpCharClass:
		return classSamples(r.Rune)
	case syntax.OpAnyChar, syntax.OpAnyCharNotNL:
		return []string{"x"}
	case syntax.OpCapture, syntax.OpPlus:
		return sampleOf(r.Sub[0])
	case syntax.OpRepeat:
		out := []string{""}
		for i := 0; i < r.Min; i++ {
			out = product(out, sampleOf(r.Sub[0]))
		}
		return out
	case syntax.OpConcat:
		out := []string{""}
		for _, sub := range r.Sub {
			out = product(out, sampleOf(sub))
		}
		return out
	case syntax.OpAlternate:
		var out []string
		for _, sub := range r.Sub {
			out = append(out, sampleOf(sub)...)
		}
		return out
	default:
		return []string{""}
	}
}

// classSamples 小字符类逐个枚举，大字符类取一个可打印字符
func classSamples(ranges []rune) []string {
	size := 0
	for i := 0; i+1 < len(ranges); i += 2 {
		size += int(ranges[i+1]-ranges[i]) + 1
	}
	if size <= 8 {
		var out []string
		for i := 0; i+1 < len(ranges); i += 2 {
			for c := ranges[i]; c <= ranges[i+1]; c++ {
				out = append(out, string(c))
			}
		}
		return out
	}
	for _, want := range [][2]rune{{'a', 'z'}, {'A', 'Z'}, {'0', '9'}, {'!', '~'}} {
		for i := 0; i+1 < len(ranges); i += 2 {
			lo, hi := max(ranges[i], want[0]), min(ranges[i+1], want[1])
			if lo <= hi {
				return []string{string(lo)}
			}
		}
	}
	return []string{string(ranges[0])}
}

func product(a, b []string) []string {
	out := make([]string, 0, len(a)*len(b))
	for _, x := range a {
		for _, y := range b {
			if len(out) == maxSamples {
				return out
			}
			out = append(out, x+y)
		}
	}
	return out
}

type signalCase struct {
	kind   string
	re     *regexp.Regexp
	sample string
	scan   *model.PageScanResult
	// emits 为 false 时 Detect 可能因缺少 ID 不产出实例
	emits bool
}

func signalCases(t *testing.T, s *Signature) []signalCase {
	at := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	var out []signalCase
	add := func(kind string, p *regexp.Regexp, emits bool, fill func(*model.PageScanResult, string)) {
		for _, sample := range regexSamples(t, p.String()) {
			scan := model.NewPageScanResult("scan-hints", "https://site.example/")
			fill(scan, sample)
			out = append(out, signalCase{kind: kind, re: p, sample: sample, scan: scan, emits: emits})
		}
	}
	for _, p := range s.ScriptURLs {
		add("script", p.Re, true, func(scan *model.PageScanResult, v string) {
			scan.Scripts = []model.ScriptRecord{{ID: "script-1", URL: "https://" + v, InsertedAt: at}}
		})
	}
	for _, p := range s.InlineScripts {
		add("inline", p.Re, true, func(scan *model.PageScanResult, v string) {
			scan.Scripts = []model.ScriptRecord{{ID: "script-1", Inline: true, ContentPrefix: v, InsertedAt: at}}
		})
	}
	for _, p := range s.Endpoints {
		add("endpoint", p.Re, true, func(scan *model.PageScanResult, v string) {
			scan.Requests = []model.CapturedRequest{{ID: "1", URL: "https://" + v, Status: 200, StartTime: at}}
		})
	}
	for _, p := range s.Cookies {
		add("cookie", p.Re, true, func(scan *model.PageScanResult, v string) {
			scan.Cookies = []model.Cookie{{Name: v, Value: "1", Domain: "site.example"}}
		})
	}
	for _, ep := range s.Events {
		id := ""
		if ep.IDRe != nil {
			id = regexSamples(t, ep.IDRe.String())[0]
		}
		add("event", ep.Name, ep.IDPath == "" || ep.IDPath == "args.1", func(scan *model.PageScanResult, v string) {
			payload := map[string]any{"event": v}
			if ep.IDPath == "args.1" {
				payload = map[string]any{"args": []any{v, id}}
			}
			scan.DataLayerEvents = []model.DataLayerEvent{{Layer: ep.Layer, Index: 0, Event: v, Payload: payload, Timestamp: at}}
		})
	}
	return out
}

func TestHintsCoverEveryPattern(t *testing.T) {
	for _, d := range Builtin() {
		sig, ok := d.(*Signature)
		if !ok {
			continue
		}
		t.Run(sig.ID, func(t *testing.T) {
			cases := signalCases(t, sig)
			require.NotEmpty(t, cases)
			for _, c := range cases {
				require.True(t, c.re.MatchString(c.sample), "%s sample %q does not match %s", c.kind, c.sample, c.re)
				ev := evidence.New(c.scan)
				tags, err := sig.Detect(context.Background(), ev, &Known{})
				require.NoError(t, err)
				if c.emits {
					require.NotEmpty(t, tags, "%s sample %q", c.kind, c.sample)
				}
				if len(tags) > 0 {
					assert.True(t, sig.MightBePresent(ev), "%s sample %q is detected but filtered out by hints", c.kind, c.sample)
				}
			}
		})
	}
}

func TestAdobeCookiesAndInlineBeaconDetected(t *testing.T) {
	scan := model.NewPageScanResult("scan-adobe", "https://shop.example.com/")
	scan.Cookies = []model.Cookie{{Name: "s_vi", Value: "x"}, {Name: "s_fid", Value: "y"}}
	scan.Scripts = []model.ScriptRecord{{
		ID: "script-1", Inline: true, ContentPrefix: "var s=s_gi('rsid'); s.t();",
		InsertedAt: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC),
	}}
	ev := evidence.New(scan)
	require.True(t, AdobeAnalytics().MightBePresent(ev))

	res := NewEngine(DefaultRegistry(), Options{}, nil).Detect(context.Background(), ev)
	tags := res.TagsFor(PlatformAdobeAnalytics)
	require.Len(t, tags, 1)
	assert.Len(t, tags[0].Evidence, 3)
	assert.GreaterOrEqual(t, tags[0].Confidence, 0.5)
}
