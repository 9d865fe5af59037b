// Package imagesel picks the embedded images on a page that are
// plausible data tables. It filters out decorative assets up front and
// validates downloaded bytes before they are stored. False positives
// are fine, extraction rejects them later; false negatives drop data
// silently and are a known limitation.
package imagesel

import (
	"bytes"
	"net/url"
	"path"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"flashback-datasets/lib/htmlutil"
)

// Candidate is an image reference worth downloading.
type Candidate struct {
	URL string
	Alt string
}

// Attributes checked on <img>, in priority order. Lazy-loading
// widgets put the real URL in data attributes and a placeholder in src.
var imgAttrs = []string{"data-src", "data-lazy-src", "src"}

var imageExts = map[string]bool{
	".png":  true,
	".jpg":  true,
	".jpeg": true,
	".gif":  true,
	".webp": true,
}

// Class/id fragments marking page chrome rather than content images.
var decorativeContexts = []string{
	"header", "banner", "hero", "cover", "logo", "icon", "nav", "footer", "avatar",
}

var backgroundImageRe = regexp.MustCompile(`background-image\s*:\s*url\(['"]?([^'")]+)['"]?\)`)

// Candidates scans a page body for content images: <img> tags (lazy
// attributes and srcset included) and inline background-image styles.
// Results are in document order with duplicates collapsed.
func Candidates(base *url.URL, body []byte) []Candidate {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil
	}

	out := []Candidate{}
	seen := map[string]struct{}{}
	add := func(ref string, alt string) {
		resolved, ok := resolveImageURL(base, ref)
		if !ok {
			return
		}
		if _, dup := seen[resolved]; dup {
			return
		}
		seen[resolved] = struct{}{}
		out = append(out, Candidate{URL: resolved, Alt: htmlutil.CleanText(alt)})
	}

	doc.Find("img").Each(func(_ int, sel *goquery.Selection) {
		if inDecorativeContext(sel) {
			return
		}

		alt, _ := sel.Attr("alt")
		for _, attr := range imgAttrs {
			if ref, ok := sel.Attr(attr); ok && strings.TrimSpace(ref) != "" {
				add(ref, alt)
				return
			}
		}
		if srcset, ok := sel.Attr("srcset"); ok {
			if ref := firstSrcsetEntry(srcset); ref != "" {
				add(ref, alt)
			}
		}
	})

	doc.Find("[style]").Each(func(_ int, sel *goquery.Selection) {
		if inDecorativeContext(sel) {
			return
		}
		style, _ := sel.Attr("style")
		for _, match := range backgroundImageRe.FindAllStringSubmatch(style, -1) {
			add(match[1], "")
		}
	})

	return out
}

func firstSrcsetEntry(srcset string) string {
	entry, _, _ := strings.Cut(srcset, ",")
	ref, _, _ := strings.Cut(strings.TrimSpace(entry), " ")
	return ref
}

func inDecorativeContext(sel *goquery.Selection) bool {
	for node := sel; node.Length() > 0; node = node.Parent() {
		tag := goquery.NodeName(node)
		if tag == "header" || tag == "nav" || tag == "footer" {
			return true
		}
		class, _ := node.Attr("class")
		id, _ := node.Attr("id")
		haystack := strings.ToLower(class + " " + id)
		for _, marker := range decorativeContexts {
			if strings.Contains(haystack, marker) {
				return true
			}
		}
	}
	return false
}

func resolveImageURL(base *url.URL, ref string) (string, bool) {
	parsed, err := url.Parse(strings.TrimSpace(ref))
	if err != nil {
		return "", false
	}
	resolved := base.ResolveReference(parsed)
	if resolved.Scheme != "http" && resolved.Scheme != "https" {
		return "", false
	}

	ext := strings.ToLower(path.Ext(resolved.Path))
	if imageExts[ext] {
		return resolved.String(), true
	}
	// Google-hosted image CDN serves extensionless URLs.
	if strings.Contains(resolved.Hostname(), "googleusercontent") {
		return resolved.String(), true
	}
	return "", false
}
