package normalize

import (
	"regexp"
	"strings"

	"golang.org/x/net/html"
)

// GPO renditions wrap speech text in running headers, page markers and a
// retrieval footer. These patterns remove the scaffolding without touching
// the utterance itself.
var (
	whitespaceRe     = regexp.MustCompile(`\s+`)
	volumeHeaderRe   = regexp.MustCompile(`(?i)\[?Congressional Record[,]? Volume \d+.*?\]`)
	chamberHeaderRe  = regexp.MustCompile(`(?i)\[(Senate|House|Extensions of Remarks|Daily Digest)\]`)
	pageMarkerRe     = regexp.MustCompile(`(?i)\[?Pages? [HSE]?\d+(-[HSE]?\d+)?\]?`)
	datelineRe       = regexp.MustCompile(`\([A-Z][a-z]+, [A-Z][a-z]+ \d{1,2}, \d{4}\)`)
	footerRe         = regexp.MustCompile(`(?i)From the Congressional Record Online.*?gpo\.gov`)
	leadingJunkRe    = regexp.MustCompile(`^[\s\]\)]+`)
	danglingBracketR = regexp.MustCompile(`\]\s*\]`)
)

// CleanText strips markup and GPO artifacts from a granule's raw text
// rendition. Deterministic: equal input always yields equal output.
func CleanText(raw string) string {
	text := StripHTML(raw)
	text = whitespaceRe.ReplaceAllString(text, " ")
	text = strings.TrimSpace(text)

	text = volumeHeaderRe.ReplaceAllString(text, "")
	text = chamberHeaderRe.ReplaceAllString(text, "")
	text = pageMarkerRe.ReplaceAllString(text, "")
	text = datelineRe.ReplaceAllString(text, "")
	text = footerRe.ReplaceAllString(text, "")

	text = leadingJunkRe.ReplaceAllString(text, "")
	text = danglingBracketR.ReplaceAllString(text, "")

	return strings.TrimSpace(text)
}

// StripHTML extracts the text content of an HTML document, joining text
// nodes with single spaces. Non-HTML input passes through unchanged apart
// from tokenizer-safe handling.
func StripHTML(raw string) string {
	tz := html.NewTokenizer(strings.NewReader(raw))
	var b strings.Builder
	skipDepth := 0
	for {
		switch tz.Next() {
		case html.ErrorToken:
			return b.String()
		case html.StartTagToken:
			name, _ := tz.TagName()
			if isSkippedTag(string(name)) {
				skipDepth++
			}
		case html.EndTagToken:
			name, _ := tz.TagName()
			if isSkippedTag(string(name)) && skipDepth > 0 {
				skipDepth--
			}
		case html.TextToken:
			if skipDepth > 0 {
				continue
			}
			if text := strings.TrimSpace(string(tz.Text())); text != "" {
				if b.Len() > 0 {
					b.WriteByte(' ')
				}
				b.WriteString(text)
			}
		}
	}
}

func isSkippedTag(name string) bool {
	return name == "script" || name == "style"
}
