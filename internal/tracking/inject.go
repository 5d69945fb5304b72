// Package tracking covers both directions of engagement tracking: rewriting
// outbound HTML (pixel and click links) and resolving the inbound callbacks
// those rewrites produce.
package tracking

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

// anchorRe matches an opening anchor tag up to and including an http(s)
// href value. Go's regexp has no backreferences, so the closing quote is
// captured separately and checked against the opening one in the rewrite
// callback.
var anchorRe = regexp.MustCompile(`(?i)<a\s+(?:[^>]*?\s+)?href=(["'])(http[^"']+)(["'])`)

// Injector rewrites outbound HTML to carry the tracking pixel and, when
// click tracking is on, redirecting click links. This is a best-effort
// textual rewrite, not an HTML-aware transform; unusual markup may pass
// through unmodified.
type Injector struct {
	ServerURL   string
	TrackOpens  bool
	TrackClicks bool
}

// Inject returns the html with tracking applied for the given tracking id.
// Empty html is returned unchanged. The pixel goes immediately before the
// first closing body tag when one exists (and is not added twice there),
// otherwise it is appended. Only hrefs starting with http/https are
// rewritten; mailto and fragment links are left alone.
func (i *Injector) Inject(html, trackingID string) string {
	if html == "" {
		return html
	}

	base := strings.TrimRight(i.ServerURL, "/")
	out := html

	if i.TrackOpens {
		pixelURL := fmt.Sprintf("%s/api/email/tracking/open/%s", base, trackingID)
		pixel := fmt.Sprintf(`<img src="%s" width="1" height="1" alt="" style="display:none;">`, pixelURL)

		if strings.Contains(out, "</body>") {
			if !strings.Contains(out, pixelURL) {
				out = strings.Replace(out, "</body>", pixel+"</body>", 1)
			}
		} else {
			out += pixel
		}
	}

	if i.TrackClicks {
		out = anchorRe.ReplaceAllStringFunc(out, func(match string) string {
			groups := anchorRe.FindStringSubmatch(match)
			quote, href, closing := groups[1], groups[2], groups[3]
			if quote != closing {
				return match
			}

			clickURL := fmt.Sprintf("%s/api/email/tracking/click/%s?url=%s",
				base, trackingID, url.QueryEscape(href))

			return "<a href=" + quote + clickURL + quote
		})
	}

	return out
}
