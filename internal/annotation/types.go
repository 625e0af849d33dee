package annotation

import (
	"fmt"
	"strings"
)

// Speaker is the closed set of conversation roles.
type Speaker int

const (
	SpeakerUnknown Speaker = iota
	Patient
	Clinician
)

func (s Speaker) String() string {
	switch s {
	case Patient:
		return "patient"
	case Clinician:
		return "clinician"
	default:
		return "unknown"
	}
}

// ParseSpeaker maps a raw role string onto the Speaker enum.
func ParseSpeaker(raw string) (Speaker, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "patient":
		return Patient, nil
	case "clinician":
		return Clinician, nil
	default:
		return SpeakerUnknown, fmt.Errorf("unknown speaker %q", raw)
	}
}

// SpikesStage is one of the six SPIKES protocol stages, or empty when absent.
type SpikesStage string

const (
	StageNone       SpikesStage = ""
	StageSetting    SpikesStage = "setting"
	StagePerception SpikesStage = "perception"
	StageInvitation SpikesStage = "invitation"
	StageKnowledge  SpikesStage = "knowledge"
	StageEmpathy    SpikesStage = "empathy"
	StageStrategy   SpikesStage = "strategy"
)

// ParseStage returns the stage and true when raw names one of the six stages.
func ParseStage(raw string) (SpikesStage, bool) {
	stage := SpikesStage(strings.TrimSpace(raw))
	switch stage {
	case StageSetting, StagePerception, StageInvitation, StageKnowledge, StageEmpathy, StageStrategy:
		return stage, true
	}
	return StageNone, false
}

// RelationType is the kind of a clinician -> patient edge.
type RelationType string

const (
	ResponseTo    RelationType = "response_to"
	ElicitationOf RelationType = "elicitation_of"
)

// ParseRelationType validates raw; an empty value defaults to ResponseTo.
func ParseRelationType(raw string) (RelationType, bool) {
	switch RelationType(strings.TrimSpace(raw)) {
	case "", ResponseTo:
		return ResponseTo, true
	case ElicitationOf:
		return ElicitationOf, true
	}
	return "", false
}

// Source records where a reviewed span came from.
type Source string

const (
	SourceAgent      Source = "agent"
	SourceManual     Source = "manual"
	SourceAIAccepted Source = "ai_accepted"
	SourceAIModified Source = "ai_modified"
	SourceImported   Source = "imported"
)

// Turn is one utterance of a conversation.
type Turn struct {
	TurnID  int
	Speaker Speaker
	Text    string
}

// Conversation is the immutable input of an annotation run.
// Annotations holds annotations embedded in the source file (expert reference), keyed by turn id.
type Conversation struct {
	ID          string
	Metadata    map[string]any
	Turns       []Turn
	Annotations map[int]TurnAnnotation
	SourceFile  string
}

// Span is a labeled substring of one turn.
//
// Verified is true when Text was found verbatim in the turn and Start/End point at it.
type Span struct {
	ID        string
	Text      string
	Start     int
	End       int
	Label     string
	Reasoning string
	Verified  bool
	Source    Source
}

// NoTurn marks a relation whose target turn is unknown.
const NoTurn = -1

// Relation is a directed edge between two spans; it lives on the turn owning From.
type Relation struct {
	ID       string
	From     string
	To       string
	ToTurnID int
	Type     RelationType
}

// TurnAnnotation is everything annotated on one turn.
type TurnAnnotation struct {
	TurnID         int
	Speaker        Speaker
	Text           string
	Stage          SpikesStage
	StageReasoning string
	Spans          []Span
	Relations      []Relation
}

// Clone returns a deep copy.
func (t TurnAnnotation) Clone() TurnAnnotation {
	out := t
	out.Spans = append([]Span(nil), t.Spans...)
	out.Relations = append([]Relation(nil), t.Relations...)
	return out
}

// Agent types recorded on results.
const (
	AgentReact      = "react"
	AgentMultiAgent = "multi_agent"
)

// Result is the output of one annotate-conversation call.
type Result struct {
	ConversationID string
	AgentType      string
	Metadata       map[string]any
	Turns          []TurnAnnotation
}

// SpanCount returns the number of spans across all turns.
func (r Result) SpanCount() int {
	total := 0
	for _, turn := range r.Turns {
		total += len(turn.Spans)
	}
	return total
}

// SpanRef is the compact span view used for relation linking.
type SpanRef struct {
	TurnID int
	SpanID string
	Text   string
	Label  string
}
