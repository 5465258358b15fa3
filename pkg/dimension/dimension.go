// Package dimension extracts a fixed-width vector of emotional, temporal,
// contextual, and social features from text, alongside a named map of the
// same scores (spec §4.2).
//
// The default RuleExtractor is a lexicon/regex-cue classifier, not a
// pretrained sentiment or intent model: reproducing a particular
// third-party lexicon is explicitly out of scope, only that *a* documented,
// testable lexicon exists and is unit-tested.
package dimension

import (
	"regexp"
	"strings"
)

// Width is the fixed dimensional vector width D_d.
const Width = 16

// Slot names, in the fixed order the spec assigns to the four families.
const (
	Valence     = "valence"
	Arousal     = "arousal"
	Frustration = "frustration"
	Satisfaction = "satisfaction"

	Urgency          = "urgency"
	DeadlineProximity = "deadline_proximity"
	RecencyReference  = "recency_reference"
	DurationScope     = "duration_scope"

	Technical     = "technical"
	Exploratory   = "exploratory"
	Instructional = "instructional"
	Reflective    = "reflective"

	Collaborative = "collaborative"
	Authoritative = "authoritative"
	Interpersonal = "interpersonal"
	Isolated      = "isolated"
)

// slotOrder fixes the Vector layout; index i of Vector corresponds to
// slotOrder[i].
var slotOrder = [Width]string{
	Valence, Arousal, Frustration, Satisfaction,
	Urgency, DeadlineProximity, RecencyReference, DurationScope,
	Technical, Exploratory, Instructional, Reflective,
	Collaborative, Authoritative, Interpersonal, Isolated,
}

// slotRange declares the clamp range per family: emotional valence is
// signed, everything else lives in [0, 1].
var slotRange = map[string][2]float64{
	Valence:      {-1, 1},
	Arousal:      {0, 1},
	Frustration:  {0, 1},
	Satisfaction: {0, 1},

	Urgency:           {0, 1},
	DeadlineProximity: {0, 1},
	RecencyReference:  {0, 1},
	DurationScope:     {0, 1},

	Technical:     {0, 1},
	Exploratory:   {0, 1},
	Instructional: {0, 1},
	Reflective:    {0, 1},

	Collaborative: {0, 1},
	Authoritative: {0, 1},
	Interpersonal: {0, 1},
	Isolated:      {0, 1},
}

// Vector is a fixed-width dimensional feature vector, ordered per slotOrder.
type Vector [Width]float64

// Extractor derives cognitive dimensions from text.
type Extractor interface {
	Extract(text string) (Vector, map[string]float64)
}

// lexiconEntry is one cue contributing weight to a named slot whenever its
// pattern matches the input text.
type lexiconEntry struct {
	slot    string
	pattern *regexp.Regexp
	weight  float64
}

// cueTable is the single configuration table mandated by spec §4.2: every
// textual cue, the slot it contributes to, and its documented weight.
// Built once at package init from the declarative rules below.
var cueTable []lexiconEntry

func mustCue(slot, pattern string, weight float64) lexiconEntry {
	return lexiconEntry{slot: slot, pattern: regexp.MustCompile(pattern), weight: weight}
}

func init() {
	cueTable = []lexiconEntry{
		// Emotional: valence/arousal/frustration/satisfaction lexicon cues.
		mustCue(Valence, `(?i)\b(great|good|love|happy|excellent|pleased|thanks|thank you)\b`, 0.35),
		mustCue(Valence, `(?i)\b(bad|hate|terrible|awful|annoyed|upset|disappointed)\b`, -0.35),
		mustCue(Arousal, `(?i)\b(urgent|asap|immediately|critical|now|emergency)\b`, 0.4),
		mustCue(Arousal, `(?i)\b(calm|relaxed|whenever|no rush)\b`, -0.25),
		mustCue(Frustration, `(?i)\b(frustrat\w*|stuck|broken|doesn't work|not working|annoying|ugh)\b`, 0.45),
		mustCue(Satisfaction, `(?i)\b(fixed|resolved|works now|solved|great job|nailed it)\b`, 0.45),

		// Temporal: regex cues with documented weights.
		mustCue(Urgency, `(?i)\b(urgent|asap|immediately|deadline|emergency)\b`, 0.5),
		mustCue(DeadlineProximity, `(?i)\b(today|tonight|by (tomorrow|eod|end of day))\b`, 0.6),
		mustCue(DeadlineProximity, `(?i)\b(tomorrow|this week)\b`, 0.35),
		mustCue(DeadlineProximity, `(?i)\b(next month|next quarter|eventually|someday)\b`, 0.1),
		mustCue(RecencyReference, `(?i)\b(just now|moments ago|earlier today|recently)\b`, 0.5),
		mustCue(RecencyReference, `(?i)\b(last (week|month|year)|a while ago|previously)\b`, 0.2),
		mustCue(DurationScope, `(?i)\b(ongoing|long[- ]term|for (months|years)|indefinitely)\b`, 0.5),
		mustCue(DurationScope, `(?i)\b(quick|briefly|for a (moment|minute|second))\b`, 0.15),

		// Contextual: rule-based keyword classifier, multi-label.
		mustCue(Technical, `(?i)\b(code|function|api|bug|deploy|server|database|config|compile)\b`, 0.3),
		mustCue(Exploratory, `(?i)\b(explore|wonder|what if|maybe|curious|investigate|try)\b`, 0.3),
		mustCue(Instructional, `(?i)\b(how to|step|tutorial|guide|instructions|first,? then)\b`, 0.3),
		mustCue(Reflective, `(?i)\b(realize|looking back|in hindsight|learned that|reflect)\b`, 0.3),

		// Social: collaborative/authoritative/interpersonal/isolated.
		mustCue(Collaborative, `(?i)\b(we|us|our team|together|pair|collaborate)\b`, 0.25),
		mustCue(Authoritative, `(?i)\b(must|required|mandate|policy|shall|directive)\b`, 0.3),
		mustCue(Interpersonal, `(?i)\b(you|your|i told|i asked|she said|he said|they said)\b`, 0.2),
		mustCue(Isolated, `(?i)\b(alone|by myself|solo|on my own|nobody)\b`, 0.35),
	}
}

// RuleExtractor is the default Extractor: a lexicon/regex-cue classifier
// making one pass over the whole cueTable. It holds no state and is safe
// for concurrent use.
type RuleExtractor struct{}

// NewRuleExtractor returns the default lexicon-based Extractor.
func NewRuleExtractor() *RuleExtractor { return &RuleExtractor{} }

func (RuleExtractor) Extract(text string) (Vector, map[string]float64) {
	var v Vector
	scores := make(map[string]float64, Width)
	if strings.TrimSpace(text) == "" {
		for _, s := range slotOrder {
			scores[s] = 0
		}
		return v, scores
	}
	for _, cue := range cueTable {
		if cue.pattern.MatchString(text) {
			scores[cue.slot] += cue.weight
		}
	}
	for i, slot := range slotOrder {
		r := slotRange[slot]
		clamped := clamp(scores[slot], r[0], r[1])
		scores[slot] = clamped
		v[i] = clamped
	}
	return v, scores
}

func clamp(x, lo, hi float64) float64 {
	if x < lo {
		return lo
	}
	if x > hi {
		return hi
	}
	return x
}
