// Package normalize maps the two raw source shapes (historical bulk export
// rows and modern API granules) onto the canonical Speech record. Each
// shape owns its own field mapping and date parsing; both terminate in the
// same type. Normalization is deterministic: no wall clock, no randomness,
// so re-runs are safe.
package normalize

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/legnlp/crecpipe/internal/model"
)

// ErrNoSpeechID is the only rejection the normalizer produces: a row with
// no identifier cannot be keyed. Every other defect degrades to defaults.
var ErrNoSpeechID = errors.New("record has no speech_id")

// Raw is the tagged union of source shapes.
type Raw interface {
	Kind() model.SourceKind
}

// RawHistorical is one joined row from a session's speeches/descr/SpeakerMap
// file trio. All fields are the raw pipe-delimited strings.
type RawHistorical struct {
	SpeechID  string
	Text      string
	Date      string // YYYYMMDD
	SpeakerID string
	FirstName string
	LastName  string
	Party     string
	State     string
	Session   int
}

// Kind implements Raw.
func (RawHistorical) Kind() model.SourceKind { return model.SourceHistorical }

// RawModern is one granule from the GovInfo API: its id, the package date,
// its cleaned text and the member metadata from the granule summary.
type RawModern struct {
	GranuleID string
	Date      string // YYYYMMDD, from the package id
	Congress  string
	Text      string // raw text rendition, cleaned during normalization
	Members   []ModernMember
}

// ModernMember is speaker metadata as reported by the granule summary.
type ModernMember struct {
	Name       string
	Party      string
	State      string
	BioguideID string
}

// Kind implements Raw.
func (RawModern) Kind() model.SourceKind { return model.SourceModern }

// Normalize converts a raw record of either shape into a canonical Speech.
func Normalize(raw Raw) (model.Speech, error) {
	switch r := raw.(type) {
	case RawHistorical:
		return normalizeHistorical(r)
	case RawModern:
		return normalizeModern(r)
	default:
		return model.Speech{}, fmt.Errorf("unknown source shape %T", raw)
	}
}

func normalizeHistorical(r RawHistorical) (model.Speech, error) {
	id := strings.TrimSpace(r.SpeechID)
	if id == "" {
		return model.Speech{}, ErrNoSpeechID
	}

	sp := model.Speech{
		SpeechID:        id,
		Text:            strings.TrimSpace(r.Text),
		Date:            parseYYYYMMDD(r.Date),
		SpeakerID:       -1,
		SpeakerName:     model.UnknownSpeaker,
		FirstName:       model.Unknown,
		LastName:        model.Unknown,
		Party:           orUnknown(r.Party),
		State:           orUnknown(r.State),
		CongressSession: r.Session,
		Source:          model.SourceHistorical,
		Label:           model.LabelUnclassified,
	}

	if sid, err := strconv.ParseInt(strings.TrimSpace(r.SpeakerID), 10, 64); err == nil && sid >= 0 {
		sp.SpeakerID = sid
		sp.IsMapped = true
	}
	first := strings.TrimSpace(r.FirstName)
	last := strings.TrimSpace(r.LastName)
	if first != "" {
		sp.FirstName = first
	}
	if last != "" {
		sp.LastName = last
	}
	if name := strings.TrimSpace(first + " " + last); name != "" {
		sp.SpeakerName = name
	}

	return sp, nil
}

func normalizeModern(r RawModern) (model.Speech, error) {
	id := strings.TrimSpace(r.GranuleID)
	if id == "" {
		return model.Speech{}, ErrNoSpeechID
	}

	sp := model.Speech{
		SpeechID:        id,
		Text:            CleanText(r.Text),
		Date:            parseYYYYMMDD(r.Date),
		SpeakerID:       -1,
		SpeakerName:     model.UnknownSpeaker,
		FirstName:       model.Unknown,
		LastName:        model.Unknown,
		Party:           model.Unknown,
		State:           model.Unknown,
		CongressSession: parseSession(r.Congress),
		Source:          model.SourceModern,
		Label:           model.LabelUnclassified,
	}

	if len(r.Members) > 0 {
		applyMember(&sp, r.Members[0])
	} else {
		applySpeakerFallback(&sp)
	}

	return sp, nil
}

func applyMember(sp *model.Speech, m ModernMember) {
	sp.SpeakerName = orUnknownSpeaker(m.Name)
	sp.Party = orUnknown(m.Party)
	sp.State = orUnknown(m.State)
	sp.IsMapped = true

	if digits := digitsOf(m.BioguideID); digits != "" {
		if n, err := strconv.ParseInt(digits, 10, 64); err == nil {
			sp.SpeakerID = n
		}
	}

	// The API reports "Last, First"; the canonical record carries both the
	// split parts and a display-ordered full name.
	name := sp.SpeakerName
	if idx := strings.Index(name, ","); idx >= 0 {
		last := strings.TrimSpace(name[:idx])
		first := strings.TrimSpace(name[idx+1:])
		sp.LastName = last
		if first != "" {
			sp.FirstName = first
		}
		sp.SpeakerName = strings.TrimSpace(first + " " + last)
	} else if parts := strings.Fields(name); len(parts) > 1 {
		sp.FirstName = parts[0]
		sp.LastName = parts[len(parts)-1]
	}
}

// speakerPrefixRe matches the conventional "Mr. SMITH." opening of a floor
// speech, used when the API reports no member for the granule.
var speakerPrefixRe = regexp.MustCompile(`^(Mr\.|Ms\.|Mrs\.|The)\s+([A-Za-z\s]+)(\.|:)`)

var trailingStateRe = regexp.MustCompile(`\s+of\s+[A-Za-z]+$`)

func applySpeakerFallback(sp *model.Speech) {
	head := sp.Text
	if len(head) > 50 {
		head = head[:50]
	}
	m := speakerPrefixRe.FindStringSubmatch(head)
	if m == nil {
		return
	}
	title := m[1]
	name := trailingStateRe.ReplaceAllString(strings.TrimSpace(m[2]), "")
	sp.SpeakerName = titleCase(title + " " + name)
	if parts := strings.Fields(name); len(parts) > 0 {
		sp.LastName = titleCase(parts[len(parts)-1])
	}
	// Fallback parsing identifies a name string only; the speaker remains
	// unmapped.
}

// parseYYYYMMDD parses the compact date representation both sources reduce
// to. Unparseable input yields the zero time, tolerated rather than
// rejected.
func parseYYYYMMDD(s string) time.Time {
	s = strings.TrimSpace(s)
	t, err := time.ParseInLocation("20060102", s, time.UTC)
	if err != nil {
		return time.Time{}
	}
	return t
}

func parseSession(s string) int {
	n, err := strconv.Atoi(digitsOf(s))
	if err != nil {
		return 0
	}
	return n
}

func titleCase(s string) string {
	words := strings.Fields(strings.ToLower(s))
	for i, w := range words {
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}

func digitsOf(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func orUnknown(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return model.Unknown
	}
	return s
}

func orUnknownSpeaker(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return model.UnknownSpeaker
	}
	return s
}
