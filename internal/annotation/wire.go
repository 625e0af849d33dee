package annotation

import (
	"encoding/json"
	"fmt"
	"sort"
	"unicode/utf8"
)

// The wire format is shared with stored annotation files: relation endpoints are "from"/"to",
// the relation kind is "type". Nothing outside this file reads or writes these keys.

type wireConversation struct {
	ID       string         `json:"id"`
	Metadata map[string]any `json:"metadata"`
	Turns    []wireTurn     `json:"turns"`
}

type wireResult struct {
	ConversationID string         `json:"conversation_id"`
	AgentType      string         `json:"agent_type"`
	Metadata       map[string]any `json:"metadata"`
	Turns          []wireTurn     `json:"turns"`
}

type wireTurn struct {
	TurnID      int              `json:"turn_id"`
	Speaker     string           `json:"speaker"`
	Text        string           `json:"text"`
	Annotations *wireAnnotations `json:"annotations,omitempty"`
}

type wireAnnotations struct {
	SpikesStage    *string        `json:"spikes_stage"`
	StageReasoning string         `json:"spikes_reasoning,omitempty"`
	Spans          []wireSpan     `json:"spans"`
	Relations      []wireRelation `json:"relations"`
}

type wireSpan struct {
	SpanID    string `json:"span_id"`
	Text      string `json:"text"`
	Start     *int   `json:"start"`
	End       *int   `json:"end"`
	Label     string `json:"label"`
	Reasoning string `json:"reasoning"`
	Verified  *bool  `json:"verified,omitempty"`
	Source    string `json:"source,omitempty"`
}

type wireRelation struct {
	RelationID string `json:"relation_id,omitempty"`
	From       string `json:"from"`
	To         string `json:"to"`
	ToTurnID   *int   `json:"to_turn_id,omitempty"`
	Type       string `json:"type"`
}

// MarshalResult encodes a result in the canonical nested format.
func MarshalResult(r Result) ([]byte, error) {
	metadata := r.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	out := wireResult{
		ConversationID: r.ConversationID,
		AgentType:      r.AgentType,
		Metadata:       metadata,
		Turns:          make([]wireTurn, 0, len(r.Turns)),
	}
	for _, turn := range r.Turns {
		out.Turns = append(out.Turns, toWireTurn(turn))
	}
	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal result %s: %w", r.ConversationID, err)
	}
	return data, nil
}

// UnmarshalResult decodes a stored result.
func UnmarshalResult(data []byte) (Result, error) {
	var in wireResult
	if err := json.Unmarshal(data, &in); err != nil {
		return Result{}, fmt.Errorf("decode result: %w", err)
	}
	out := Result{
		ConversationID: in.ConversationID,
		AgentType:      in.AgentType,
		Metadata:       in.Metadata,
		Turns:          make([]TurnAnnotation, 0, len(in.Turns)),
	}
	for _, turn := range in.Turns {
		speaker, err := ParseSpeaker(turn.Speaker)
		if err != nil {
			return Result{}, fmt.Errorf("decode result turn %d: %w", turn.TurnID, err)
		}
		out.Turns = append(out.Turns, fromWireTurn(turn, speaker))
	}
	return out, nil
}

// UnmarshalConversation decodes a conversation file. Embedded annotations become the conversation's reference.
func UnmarshalConversation(data []byte) (Conversation, error) {
	var in wireConversation
	if err := json.Unmarshal(data, &in); err != nil {
		return Conversation{}, fmt.Errorf("decode conversation: %w", err)
	}
	id := in.ID
	if id == "" {
		id = "unknown"
	}
	out := Conversation{
		ID:       id,
		Metadata: in.Metadata,
		Turns:    make([]Turn, 0, len(in.Turns)),
	}
	for _, turn := range in.Turns {
		speaker, err := ParseSpeaker(turn.Speaker)
		if err != nil {
			return Conversation{}, fmt.Errorf("decode conversation %s turn %d: %w", id, turn.TurnID, err)
		}
		out.Turns = append(out.Turns, Turn{TurnID: turn.TurnID, Speaker: speaker, Text: turn.Text})
		if turn.Annotations != nil {
			if out.Annotations == nil {
				out.Annotations = map[int]TurnAnnotation{}
			}
			out.Annotations[turn.TurnID] = fromWireTurn(turn, speaker)
		}
	}
	sort.SliceStable(out.Turns, func(i, j int) bool {
		return out.Turns[i].TurnID < out.Turns[j].TurnID
	})
	return out, nil
}

// MarshalConversation encodes a conversation together with the given per-turn annotations.
func MarshalConversation(c Conversation, annotations map[int]TurnAnnotation) ([]byte, error) {
	metadata := c.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	out := wireConversation{
		ID:       c.ID,
		Metadata: metadata,
		Turns:    make([]wireTurn, 0, len(c.Turns)),
	}
	for _, turn := range c.Turns {
		wt := wireTurn{TurnID: turn.TurnID, Speaker: turn.Speaker.String(), Text: turn.Text}
		if ann, ok := annotations[turn.TurnID]; ok {
			ann.TurnID, ann.Speaker, ann.Text = turn.TurnID, turn.Speaker, turn.Text
			wt.Annotations = toWireTurn(ann).Annotations
		}
		out.Turns = append(out.Turns, wt)
	}
	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal conversation %s: %w", c.ID, err)
	}
	return data, nil
}

// UnmarshalReference decodes expert annotations keyed by turn id. Only turn_id and
// annotations are required, so both conversation files and result files qualify.
func UnmarshalReference(data []byte) (map[int]TurnAnnotation, error) {
	var in struct {
		Turns []wireTurn `json:"turns"`
	}
	if err := json.Unmarshal(data, &in); err != nil {
		return nil, fmt.Errorf("decode reference: %w", err)
	}
	out := make(map[int]TurnAnnotation, len(in.Turns))
	for _, turn := range in.Turns {
		speaker, _ := ParseSpeaker(turn.Speaker)
		out[turn.TurnID] = fromWireTurn(turn, speaker)
	}
	return out, nil
}

func toWireTurn(t TurnAnnotation) wireTurn {
	ann := &wireAnnotations{
		Spans:     make([]wireSpan, 0, len(t.Spans)),
		Relations: make([]wireRelation, 0, len(t.Relations)),
	}
	if t.Stage != StageNone {
		stage := string(t.Stage)
		ann.SpikesStage = &stage
		ann.StageReasoning = t.StageReasoning
	}
	for _, span := range t.Spans {
		start, end, verified := span.Start, span.End, span.Verified
		ann.Spans = append(ann.Spans, wireSpan{
			SpanID:    span.ID,
			Text:      span.Text,
			Start:     &start,
			End:       &end,
			Label:     span.Label,
			Reasoning: span.Reasoning,
			Verified:  &verified,
			Source:    string(span.Source),
		})
	}
	for _, rel := range t.Relations {
		wr := wireRelation{
			RelationID: rel.ID,
			From:       rel.From,
			To:         rel.To,
			Type:       string(rel.Type),
		}
		if rel.ToTurnID != NoTurn {
			toTurn := rel.ToTurnID
			wr.ToTurnID = &toTurn
		}
		ann.Relations = append(ann.Relations, wr)
	}
	return wireTurn{
		TurnID:      t.TurnID,
		Speaker:     t.Speaker.String(),
		Text:        t.Text,
		Annotations: ann,
	}
}

func fromWireTurn(t wireTurn, speaker Speaker) TurnAnnotation {
	out := TurnAnnotation{TurnID: t.TurnID, Speaker: speaker, Text: t.Text}
	if t.Annotations == nil {
		return out
	}
	if t.Annotations.SpikesStage != nil {
		if stage, ok := ParseStage(*t.Annotations.SpikesStage); ok {
			out.Stage = stage
			out.StageReasoning = t.Annotations.StageReasoning
		}
	}
	for _, ws := range t.Annotations.Spans {
		span := Span{
			ID:        ws.SpanID,
			Text:      ws.Text,
			Label:     ws.Label,
			Reasoning: ws.Reasoning,
			Verified:  true,
			Source:    Source(ws.Source),
		}
		if ws.Start != nil {
			span.Start = *ws.Start
		}
		if ws.End != nil {
			span.End = *ws.End
		} else {
			span.End = span.Start + utf8.RuneCountInString(ws.Text)
		}
		if ws.Verified != nil {
			span.Verified = *ws.Verified
		}
		out.Spans = append(out.Spans, span)
	}
	for _, wr := range t.Annotations.Relations {
		relType, ok := ParseRelationType(wr.Type)
		if !ok {
			continue
		}
		rel := Relation{
			ID:       wr.RelationID,
			From:     wr.From,
			To:       wr.To,
			ToTurnID: NoTurn,
			Type:     relType,
		}
		if wr.ToTurnID != nil {
			rel.ToTurnID = *wr.ToTurnID
		}
		out.Relations = append(out.Relations, rel)
	}
	return out
}

type wireSpanRef struct {
	TurnID int    `json:"turn_id"`
	SpanID string `json:"span_id"`
	Text   string `json:"text"`
	Label  string `json:"label"`
}

// MarshalSpanRefs renders span references as indented JSON for prompts.
func MarshalSpanRefs(refs []SpanRef) (string, error) {
	out := make([]wireSpanRef, 0, len(refs))
	for _, ref := range refs {
		out = append(out, wireSpanRef(ref))
	}
	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal span refs: %w", err)
	}
	return string(data), nil
}
