// Package sitenav discovers same-domain page links from a page's
// navigation structure and classifies them into the site's named
// sections.
package sitenav

import (
	"bytes"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/antzucaro/matchr"

	"flashback-datasets/lib/htmlutil"
)

// Section is a named navbar category.
type Section string

const (
	SectionGeneral        Section = "GENERAL"
	SectionPublicServices Section = "PUBLIC SERVICES"
	SectionIllegal        Section = "ILLEGAL"
	SectionEnterprise     Section = "ENTERPRISE"
	SectionUnknown        Section = "unknown"
)

// Link is a discovered same-domain page with its inferred section.
type Link struct {
	URL     string
	Name    string
	Section Section
}

// sectionKeywords maps navbar vocabulary (the site mixes French and
// English labels) onto sections. Matched as whole words against link
// text and path segments.
var sectionKeywords = map[string]Section{
	"general":      SectionGeneral,
	"reglement":    SectionGeneral,
	"rules":        SectionGeneral,
	"services":     SectionPublicServices,
	"gouvernement": SectionPublicServices,
	"government":   SectionPublicServices,
	"police":       SectionPublicServices,
	"ems":          SectionPublicServices,
	"illegal":      SectionIllegal,
	"illégal":      SectionIllegal,
	"gang":         SectionIllegal,
	"gangs":        SectionIllegal,
	"mafia":        SectionIllegal,
	"entreprise":   SectionEnterprise,
	"entreprises":  SectionEnterprise,
	"enterprise":   SectionEnterprise,
	"business":     SectionEnterprise,
}

var sectionNames = []Section{
	SectionGeneral,
	SectionPublicServices,
	SectionIllegal,
	SectionEnterprise,
}

// ClassifySection infers a section from link text or a path segment.
// Matching is tolerant of small typos but otherwise conservative,
// unmatched text yields SectionUnknown.
func ClassifySection(text string) Section {
	normalized := strings.ToLower(htmlutil.CleanText(text))
	if normalized == "" {
		return SectionUnknown
	}

	for _, name := range sectionNames {
		if normalized == strings.ToLower(string(name)) {
			return name
		}
	}

	fields := strings.FieldsFunc(normalized, func(r rune) bool {
		return r == ' ' || r == '-' || r == '_' || r == '/'
	})
	for _, word := range fields {
		if section, ok := sectionKeywords[word]; ok {
			return section
		}
		for keyword, section := range sectionKeywords {
			if len(word) >= 5 && matchr.DamerauLevenshtein(word, keyword) <= 1 {
				return section
			}
		}
	}

	return SectionUnknown
}

// Canonicalize resolves raw against base and normalizes the result so
// link variants (fragments, query strings, trailing slashes, host
// case) collapse onto one URL. Returns ok=false for links that should
// not enter the frontier: cross-domain, non-http and catalogue pages.
func Canonicalize(base *url.URL, raw string) (string, bool) {
	ref, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", false
	}
	resolved := base.ResolveReference(ref)

	if resolved.Scheme != "http" && resolved.Scheme != "https" {
		return "", false
	}
	if !strings.EqualFold(resolved.Hostname(), base.Hostname()) {
		return "", false
	}
	if strings.Contains(strings.ToLower(resolved.Path), "catalogue") ||
		strings.Contains(strings.ToLower(resolved.Path), "catalog/") {
		return "", false
	}

	resolved.Fragment = ""
	resolved.RawQuery = ""
	resolved.Host = strings.ToLower(resolved.Host)
	resolved.Path = strings.TrimSuffix(resolved.Path, "/")

	return resolved.String(), true
}

// Discover parses a page body and returns its same-domain links in
// document order, duplicates within the page collapsed. A page with no
// parseable navigation yields an empty list, never an error.
func Discover(base *url.URL, body []byte) []Link {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil
	}

	links := []Link{}
	seen := map[string]struct{}{}
	for _, anchor := range htmlutil.GetAnchors(doc.Find("a")) {
		canonical, ok := Canonicalize(base, anchor.Href)
		if !ok {
			continue
		}
		if _, dup := seen[canonical]; dup {
			continue
		}
		seen[canonical] = struct{}{}

		section := ClassifySection(anchor.Name)
		if section == SectionUnknown {
			if parsed, err := url.Parse(canonical); err == nil {
				section = classifyPath(parsed.Path)
			}
		}

		links = append(links, Link{
			URL:     canonical,
			Name:    anchor.Name,
			Section: section,
		})
	}

	return links
}

func classifyPath(path string) Section {
	for _, segment := range strings.Split(path, "/") {
		if section := ClassifySection(segment); section != SectionUnknown {
			return section
		}
	}
	return SectionUnknown
}
