package storage

import (
	"bytes"
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	glogger "gorm.io/gorm/logger"

	"tagaudit/internal/ctxkeys"
	"tagaudit/internal/logger"
	"tagaudit/pkg/model"
)

func openTest(t *testing.T) *Store {
	t.Helper()
	s, err := Open(Config{DSN: ":memory:", Prefix: "tagaudit_"}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func audit(id string, started time.Time, platforms ...string) *model.AuditResult {
	scan := model.NewPageScanResult(model.ScanID(id), "https://shop.example.com/")
	scan.Success = true
	scan.StartedAt = started.UTC()
	scan.FinishedAt = started.Add(3 * time.Second).UTC()
	scan.Timings.Total = 3 * time.Second
	scan.Requests = []model.CapturedRequest{{ID: "1", URL: "https://region1.google-analytics.com/g/collect", IsAnalytics: true}}
	scan.Summarize()
	det := &model.DetectionResult{ScanID: scan.ID, Tags: []model.TagInstance{}}
	for _, p := range platforms {
		det.Tags = append(det.Tags, model.TagInstance{ID: p + "-1", Platform: p, PrimaryID: "X", Confidence: 0.9, LoadMethod: model.LoadDirect})
	}
	rep := &model.ValidationReport{ScanID: scan.ID, Results: []model.ValidationResult{
		{RuleID: "ga4-present", Status: model.StatusPassed, Severity: model.SeverityError},
		{RuleID: "consent", Status: model.StatusFailed, Severity: model.SeverityWarning},
	}, Summary: model.ValidationSummary{Total: 2, Passed: 1, Failed: 1, Score: 60, IsValid: true}}
	return &model.AuditResult{Scan: scan, Detection: det, Report: rep}
}

func TestSaveAndGetAudit(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()
	a := audit("scan-1", time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC), "ga4", "gtm")

	require.NoError(t, s.SaveAudit(ctx, a))
	got, err := s.GetAudit(ctx, "scan-1")
	require.NoError(t, err)
	if diff := cmp.Diff(a.Detection.Tags, got.Detection.Tags); diff != "" {
		t.Errorf("tags mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, a.Report.Summary, got.Report.Summary)
	assert.Equal(t, a.Scan.Requests[0].URL, got.Scan.Requests[0].URL)

	recs, err := s.ListScans(ctx, ListOptions{})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	r := recs[0]
	assert.Equal(t, 2, r.Tags)
	assert.Equal(t, 1, r.AnalyticsRequests)
	assert.Equal(t, 60, r.Score)
	assert.Equal(t, 1, r.RulesFailed)
	assert.Equal(t, int64(3000), r.DurationMS)
	assert.Empty(t, r.Result, "list omits the full payload")

	_, err = s.GetAudit(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSaveAuditReplacesSameID(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, s.SaveAudit(ctx, audit("scan-1", at, "ga4", "gtm")))
	require.NoError(t, s.SaveAudit(ctx, audit("scan-1", at, "meta_pixel")))

	counts, err := s.PlatformCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, []PlatformCount{{Platform: "meta_pixel", Scans: 1}}, counts)
}

func TestListFiltersAndPrune(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 4; i++ {
		platforms := []string{"ga4"}
		if i%2 == 1 {
			platforms = append(platforms, "hotjar")
		}
		require.NoError(t, s.SaveAudit(ctx, audit(fmt.Sprintf("scan-%d", i), base.Add(time.Duration(i)*time.Hour), platforms...)))
	}

	recs, err := s.ListScans(ctx, ListOptions{Platform: "hotjar"})
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "scan-3", recs[0].ID, "newest first")
	assert.Equal(t, "scan-1", recs[1].ID)

	recs, err = s.ListScans(ctx, ListOptions{Limit: 1, Offset: 1})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "scan-2", recs[0].ID)

	counts, err := s.PlatformCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, []PlatformCount{{Platform: "ga4", Scans: 4}, {Platform: "hotjar", Scans: 2}}, counts)

	n, err := s.DeleteBefore(ctx, base.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	recs, err = s.ListScans(ctx, ListOptions{})
	require.NoError(t, err)
	assert.Len(t, recs, 2)
	counts, err = s.PlatformCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, []PlatformCount{{Platform: "ga4", Scans: 2}, {Platform: "hotjar", Scans: 1}}, counts)
}

func TestTablePrefix(t *testing.T) {
	s := openTest(t)
	assert.True(t, s.db.Migrator().HasTable("tagaudit_scan_records"))
	assert.True(t, s.db.Migrator().HasTable("tagaudit_tag_records"))
	assert.True(t, s.db.Migrator().HasTable("tagaudit_rule_result_records"))
}

func TestGormLoggerCarriesScanID(t *testing.T) {
	var buf bytes.Buffer
	gl := NewGormLogger(logger.NewWriter(&buf, "debug")).LogMode(glogger.Info)
	ctx := context.WithValue(context.Background(), ctxkeys.TraceIDKey{}, "scan-42")

	gl.Trace(ctx, time.Now(), func() (string, int64) { return "SELECT 1", 1 }, nil)
	assert.Contains(t, buf.String(), `"scan":"scan-42"`)
	assert.Contains(t, buf.String(), "SELECT 1")

	buf.Reset()
	NewGormLogger(logger.NewWriter(&buf, "debug")).Trace(ctx, time.Now(), func() (string, int64) { return "SELECT 2", 1 }, nil)
	assert.Empty(t, buf.String(), "fast queries are silent at warn level")

	buf.Reset()
	gl.Trace(context.Background(), time.Now(), func() (string, int64) { return "SELECT 3", 0 }, glogger.ErrRecordNotFound)
	assert.NotContains(t, buf.String(), "error")
}
