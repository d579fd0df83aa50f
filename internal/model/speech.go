package model

import "time"

// SourceKind identifies which ingestion source produced a record.
type SourceKind string

const (
	SourceHistorical SourceKind = "historical" // Stanford bulk export files
	SourceModern     SourceKind = "modern"     // GovInfo CREC API
)

// Label is the classification state of a speech.
type Label string

const (
	LabelUnclassified Label = "unclassified"
	LabelProcedural   Label = "procedural"
	LabelSubstantive  Label = "substantive"
)

// Valid reports whether l is one of the three known labels.
func (l Label) Valid() bool {
	switch l {
	case LabelUnclassified, LabelProcedural, LabelSubstantive:
		return true
	}
	return false
}

// Speech is the canonical record both sources converge to before storage.
// SpeechID is source-derived and never regenerated; it is the primary key
// for every ingestion and classification write.
type Speech struct {
	SpeechID        string     `json:"speech_id"`
	Text            string     `json:"text"` // may be empty for malformed source rows
	Date            time.Time  `json:"date"`
	SpeakerID       int64      `json:"speaker_id"`
	SpeakerName     string     `json:"speaker_name"`
	FirstName       string     `json:"first_name"`
	LastName        string     `json:"last_name"`
	Party           string     `json:"party"`
	State           string     `json:"state"`
	IsMapped        bool       `json:"is_mapped"`
	CongressSession int        `json:"congress_session"`
	Source          SourceKind `json:"source"`

	Label Label    `json:"classification_label"`
	Score *float64 `json:"classification_score,omitempty"` // nil until classified
}

// Unknown is the placeholder for speaker metadata the source could not resolve.
const Unknown = "Unknown"

// UnknownSpeaker is the placeholder speaker name for unmapped rows.
const UnknownSpeaker = "Unknown Speaker"
