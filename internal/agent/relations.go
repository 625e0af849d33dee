package agent

import (
	"context"
	"fmt"

	"github.com/tetraminz/bbn_annotator/internal/annotation"
	"github.com/tetraminz/bbn_annotator/internal/llm"
)

// RelationLinker proposes clinician -> patient edges for a whole conversation.
type RelationLinker struct {
	unit unit
}

// NewRelationLinker builds a linker with the given system prompt.
func NewRelationLinker(caller llm.Caller, cfg Config, unitName, system string) *RelationLinker {
	return &RelationLinker{unit: newUnit(unitName, system, relationsSchema(), caller, cfg)}
}

// Link asks the model for edges. With either list empty it makes no call and returns nothing.
// Endpoints are not checked against known spans here; AttachRelations drops what it cannot place.
func (l *RelationLinker) Link(ctx context.Context, eos, responses []annotation.SpanRef, turns []annotation.Turn) ([]annotation.Relation, error) {
	if len(eos) == 0 || len(responses) == 0 {
		return nil, nil
	}

	eoJSON, err := annotation.MarshalSpanRefs(eos)
	if err != nil {
		return nil, fmt.Errorf("relation prompt: %w", err)
	}
	responseJSON, err := annotation.MarshalSpanRefs(responses)
	if err != nil {
		return nil, fmt.Errorf("relation prompt: %w", err)
	}

	parsed, err := l.unit.run(ctx, annotation.NoTurn, relationUserPrompt(eoJSON, responseJSON, BuildSummary(turns)))
	if err != nil {
		return nil, err
	}

	var relations []annotation.Relation
	for _, obj := range annotation.Objects(parsed, "relations") {
		from := annotation.StringField(obj, "from_span_id")
		to := annotation.StringField(obj, "to_span_id")
		if from == "" || to == "" {
			continue
		}
		relType, ok := annotation.ParseRelationType(annotation.StringField(obj, "relation_type"))
		if !ok {
			continue
		}
		relations = append(relations, annotation.Relation{From: from, To: to, ToTurnID: annotation.NoTurn, Type: relType})
	}
	return relations, nil
}

// AttachRelations stores each relation on the turn owning its From span and fills ToTurnID
// from the turn owning To. Relations whose From span is unknown are dropped.
// It returns the number of attached relations.
func AttachRelations(turns []annotation.TurnAnnotation, relations []annotation.Relation) int {
	owner := make(map[string]int)
	for i, turn := range turns {
		for _, span := range turn.Spans {
			owner[span.ID] = i
		}
	}

	attached := 0
	for _, rel := range relations {
		idx, ok := owner[rel.From]
		if !ok {
			continue
		}
		if toIdx, ok := owner[rel.To]; ok {
			rel.ToTurnID = turns[toIdx].TurnID
		}
		turns[idx].Relations = append(turns[idx].Relations, rel)
		attached++
	}
	return attached
}
