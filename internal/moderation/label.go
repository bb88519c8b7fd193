// Package moderation implements the content-moderation pipeline: local rule
// matching, the remote classifier client, the escalating penalty policy, and
// the orchestrator that turns a new-message event into a terminal
// approved/blocked decision.
package moderation

// Label is the closed set of moderation verdicts. Everything the remote
// classifier can say is normalized into one of these values before any
// decision is made.
type Label string

const (
	LabelNormal       Label = "normal"
	LabelScam         Label = "scam"
	LabelSexual       Label = "sexual"
	LabelGrooming     Label = "grooming"
	LabelHateOrThreat Label = "hate_or_threat"
)

// labelSynonyms maps raw classifier outputs onto the closed label set.
// The model emits fine-grained labels ("insult", "threat") that share the
// hate_or_threat handling path.
var labelSynonyms = map[string]Label{
	"normal":         LabelNormal,
	"scam":           LabelScam,
	"sexual":         LabelSexual,
	"grooming":       LabelGrooming,
	"hate_or_threat": LabelHateOrThreat,
	"hate":           LabelHateOrThreat,
	"insult":         LabelHateOrThreat,
	"threat":         LabelHateOrThreat,
}

// NormalizeLabel maps a raw classifier label onto the closed set. An
// unrecognized label fails closed: it becomes hate_or_threat rather than
// being silently treated as safe, so a model that starts emitting new label
// strings causes over-blocking instead of under-blocking.
func NormalizeLabel(raw string) Label {
	if l, ok := labelSynonyms[raw]; ok {
		return l
	}
	return LabelHateOrThreat
}

// Harmful reports whether a label is a violation category (anything other
// than normal and the non-punitive scam flag).
func (l Label) Harmful() bool {
	return l != LabelNormal && l != LabelScam
}
