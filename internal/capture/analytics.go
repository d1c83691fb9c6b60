package capture

import "strings"

// AnalyticsFragments 判定请求是否属于分析类流量的厂商 URL 片段，不依赖平台检测器
var AnalyticsFragments = []string{
	"google-analytics.com",
	"analytics.google.com",
	"googletagmanager.com",
	"/g/collect",
	"/j/collect",
	"/r/collect",
	"doubleclick.net",
	"googleadservices.com",
	"facebook.com/tr",
	"connect.facebook.net",
	"omtrdc.net",
	"2o7.net",
	"/b/ss/",
	"adobedtm.com",
	"demdex.net",
	"tags.tiqcdn.com",
	"tealiumiq.com",
	"segment.io",
	"cdn.segment.com",
	"hotjar.com",
	"hotjar.io",
	"mixpanel.com",
	"amplitude.com",
	"heapanalytics.com",
	"clarity.ms",
	"bat.bing.com",
	"snap.licdn.com",
	"px.ads.linkedin.com",
	"analytics.tiktok.com",
	"matomo",
	"piwik",
	"scorecardresearch.com",
	"quantserve.com",
	"criteo",
	"/collect?",
	"/pixel",
	"/beacon",
}

// IsAnalyticsURL 判断 URL 是否命中分析厂商片段
func IsAnalyticsURL(u string) bool {
	lu := strings.ToLower(u)
	for _, f := range AnalyticsFragments {
		if strings.Contains(lu, f) {
			return true
		}
	}
	return false
}
