// Package review holds one conversation's reviewer annotations in memory.
//
// Every mutating call appends one change to a bounded log. A change is a list of
// primitive operations; Undo applies their inverses in reverse order.
package review

import (
	"errors"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/tetraminz/bbn_annotator/internal/annotation"
)

// DefaultMaxHistory is the number of undoable changes kept when none is configured.
const DefaultMaxHistory = 20

// ErrNothingToUndo is returned by Undo on an empty change log.
var ErrNothingToUndo = errors.New("nothing to undo")

type opKind int

const (
	opCreateTurn opKind = iota
	opInsertSpan
	opDeleteSpan
	opInsertRelation
	opDeleteRelation
	opSetStage
)

// op is one primitive mutation. index is the slice position it touched, so the
// inverse is exact as long as changes are undone last-in first-out.
type op struct {
	kind      opKind
	turnID    int
	index     int
	span      annotation.Span
	relation  annotation.Relation
	prevStage annotation.SpikesStage
	nextStage annotation.SpikesStage
}

type change struct {
	ops []op
}

// Store is the editable annotation state of one conversation. It is safe for concurrent use.
type Store struct {
	mu           sync.Mutex
	conversation annotation.Conversation
	turnIndex    map[int]annotation.Turn
	turns        map[int]*annotation.TurnAnnotation
	history      []change
	maxHistory   int
	newID        func(prefix string) string
}

// NewStore returns an empty store for conv. maxHistory <= 0 selects DefaultMaxHistory.
func NewStore(conv annotation.Conversation, maxHistory int) *Store {
	if maxHistory <= 0 {
		maxHistory = DefaultMaxHistory
	}
	index := make(map[int]annotation.Turn, len(conv.Turns))
	for _, turn := range conv.Turns {
		index[turn.TurnID] = turn
	}
	return &Store{
		conversation: conv,
		turnIndex:    index,
		turns:        make(map[int]*annotation.TurnAnnotation),
		maxHistory:   maxHistory,
		newID:        newShortID,
	}
}

func newShortID(prefix string) string {
	return prefix + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

// ConversationID returns the id of the conversation under review.
func (s *Store) ConversationID() string {
	return s.conversation.ID
}

// Reset replaces the whole state with turns and clears the change log.
func (s *Store) Reset(turns []annotation.TurnAnnotation) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.turns = make(map[int]*annotation.TurnAnnotation, len(turns))
	for _, turn := range turns {
		if _, ok := s.turnIndex[turn.TurnID]; !ok {
			continue
		}
		cloned := turn.Clone()
		s.turns[turn.TurnID] = &cloned
	}
	s.history = nil
}

// AddSpan adds a reviewer-authored span to turnID. It returns false when the turn is unknown or a span
// with the same text and label already exists there.
func (s *Store) AddSpan(turnID int, text string, start, end int, label string, source annotation.Source) (annotation.Span, bool) {
	return s.addSpan(turnID, text, start, end, label, source, true)
}

func (s *Store) addSpan(turnID int, text string, start, end int, label string, source annotation.Source, verified bool) (annotation.Span, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.turnIndex[turnID]; !ok || strings.TrimSpace(text) == "" || strings.TrimSpace(label) == "" {
		return annotation.Span{}, false
	}
	if turn, ok := s.turns[turnID]; ok && hasTextLabel(turn.Spans, text, label) {
		return annotation.Span{}, false
	}

	span := annotation.Span{
		ID:       s.newID("span_"),
		Text:     text,
		Start:    start,
		End:      end,
		Label:    label,
		Verified: verified,
		Source:   source,
	}
	var c change
	s.insertSpan(&c, turnID, span)
	s.commit(c)
	return span, true
}

// RemoveSpan deletes a span and every relation, in any turn, that references it.
func (s *Store) RemoveSpan(turnID int, spanID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	turn, ok := s.turns[turnID]
	if !ok {
		return false
	}
	index := spanIndex(turn.Spans, spanID)
	if index < 0 {
		return false
	}

	var c change
	for _, id := range s.sortedTurnIDs() {
		owner := s.turns[id]
		for i := len(owner.Relations) - 1; i >= 0; i-- {
			rel := owner.Relations[i]
			if rel.From == spanID || rel.To == spanID {
				s.deleteRelation(&c, id, i)
			}
		}
	}
	s.deleteSpan(&c, turnID, index)
	s.commit(c)
	return true
}

// AddRelation links fromSpan (owned by fromTurn) to toSpan in toTurn.
// Unknown relation types, unknown turns and a missing source span are rejected.
func (s *Store) AddRelation(fromTurn int, fromSpan string, toTurn int, toSpan string, relType annotation.RelationType) (annotation.Relation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	parsed, ok := annotation.ParseRelationType(string(relType))
	if !ok || relType == "" {
		return annotation.Relation{}, false
	}
	turn, ok := s.turns[fromTurn]
	if !ok || spanIndex(turn.Spans, fromSpan) < 0 {
		return annotation.Relation{}, false
	}
	if _, ok := s.turnIndex[toTurn]; !ok || strings.TrimSpace(toSpan) == "" {
		return annotation.Relation{}, false
	}

	rel := annotation.Relation{
		ID:       s.newID("rel_"),
		From:     fromSpan,
		To:       toSpan,
		ToTurnID: toTurn,
		Type:     parsed,
	}
	var c change
	s.insertRelation(&c, fromTurn, rel)
	s.commit(c)
	return rel, true
}

// RemoveRelation deletes the relation with relationID from turnID.
func (s *Store) RemoveRelation(turnID int, relationID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	turn, ok := s.turns[turnID]
	if !ok || relationID == "" {
		return false
	}
	for i, rel := range turn.Relations {
		if rel.ID == relationID {
			var c change
			s.deleteRelation(&c, turnID, i)
			s.commit(c)
			return true
		}
	}
	return false
}

// SetStage sets the SPIKES stage of turnID. StageNone clears it; anything outside
// the six stages is rejected.
func (s *Store) SetStage(turnID int, stage annotation.SpikesStage) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.turnIndex[turnID]; !ok {
		return false
	}
	if stage != annotation.StageNone {
		if _, ok := annotation.ParseStage(string(stage)); !ok {
			return false
		}
	}

	var c change
	current := annotation.StageNone
	if turn, ok := s.turns[turnID]; ok {
		current = turn.Stage
	}
	if current == stage {
		return true
	}
	s.setStage(&c, turnID, stage)
	s.commit(c)
	return true
}

// Merge folds turns into the store as a single undoable change and returns the
// number of spans added. Spans already present by id or by text and label are
// skipped, relations by id or by endpoints and type when they carry no id.
// A non-empty stage overrides the current one.
func (s *Store) Merge(turns []annotation.TurnAnnotation) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	var c change
	added := 0
	for _, incoming := range turns {
		if _, ok := s.turnIndex[incoming.TurnID]; !ok {
			continue
		}
		for _, span := range incoming.Spans {
			if turn, ok := s.turns[incoming.TurnID]; ok {
				if spanIndex(turn.Spans, span.ID) >= 0 || hasTextLabel(turn.Spans, span.Text, span.Label) {
					continue
				}
			}
			if span.ID == "" {
				span.ID = s.newID("span_")
			}
			s.insertSpan(&c, incoming.TurnID, span)
			added++
		}
		for _, rel := range incoming.Relations {
			if turn, ok := s.turns[incoming.TurnID]; ok && hasRelation(turn.Relations, rel) {
				continue
			}
			s.insertRelation(&c, incoming.TurnID, rel)
		}
		if incoming.Stage != annotation.StageNone {
			current := annotation.StageNone
			if turn, ok := s.turns[incoming.TurnID]; ok {
				current = turn.Stage
			}
			if current != incoming.Stage {
				s.setStage(&c, incoming.TurnID, incoming.Stage)
			}
		}
	}
	s.commit(c)
	return added
}

// Undo reverts the most recent change.
func (s *Store) Undo() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.history) == 0 {
		return ErrNothingToUndo
	}
	last := s.history[len(s.history)-1]
	s.history = s.history[:len(s.history)-1]

	for i := len(last.ops) - 1; i >= 0; i-- {
		s.revert(last.ops[i])
	}
	return nil
}

// HistoryLen is the number of changes Undo can still revert.
func (s *Store) HistoryLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.history)
}

// Turn returns a copy of one turn's annotations.
func (s *Store) Turn(turnID int) (annotation.TurnAnnotation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	turn, ok := s.turns[turnID]
	if !ok {
		return annotation.TurnAnnotation{}, false
	}
	return turn.Clone(), true
}

// Snapshot returns deep copies of every annotated turn ordered by turn id.
func (s *Store) Snapshot() []annotation.TurnAnnotation {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := s.sortedTurnIDs()
	out := make([]annotation.TurnAnnotation, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.turns[id].Clone())
	}
	return out
}

func (s *Store) commit(c change) {
	if len(c.ops) == 0 {
		return
	}
	s.history = append(s.history, c)
	if overflow := len(s.history) - s.maxHistory; overflow > 0 {
		s.history = append([]change(nil), s.history[overflow:]...)
	}
}

func (s *Store) ensureTurn(c *change, turnID int) *annotation.TurnAnnotation {
	if turn, ok := s.turns[turnID]; ok {
		return turn
	}
	source := s.turnIndex[turnID]
	turn := &annotation.TurnAnnotation{
		TurnID:  turnID,
		Speaker: source.Speaker,
		Text:    source.Text,
	}
	s.turns[turnID] = turn
	c.ops = append(c.ops, op{kind: opCreateTurn, turnID: turnID})
	return turn
}

func (s *Store) insertSpan(c *change, turnID int, span annotation.Span) {
	turn := s.ensureTurn(c, turnID)
	turn.Spans = append(turn.Spans, span)
	c.ops = append(c.ops, op{kind: opInsertSpan, turnID: turnID, index: len(turn.Spans) - 1, span: span})
}

func (s *Store) deleteSpan(c *change, turnID, index int) {
	turn := s.turns[turnID]
	span := turn.Spans[index]
	turn.Spans = append(turn.Spans[:index:index], turn.Spans[index+1:]...)
	c.ops = append(c.ops, op{kind: opDeleteSpan, turnID: turnID, index: index, span: span})
}

func (s *Store) insertRelation(c *change, turnID int, rel annotation.Relation) {
	turn := s.ensureTurn(c, turnID)
	turn.Relations = append(turn.Relations, rel)
	c.ops = append(c.ops, op{kind: opInsertRelation, turnID: turnID, index: len(turn.Relations) - 1, relation: rel})
}

func (s *Store) deleteRelation(c *change, turnID, index int) {
	turn := s.turns[turnID]
	rel := turn.Relations[index]
	turn.Relations = append(turn.Relations[:index:index], turn.Relations[index+1:]...)
	c.ops = append(c.ops, op{kind: opDeleteRelation, turnID: turnID, index: index, relation: rel})
}

func (s *Store) setStage(c *change, turnID int, stage annotation.SpikesStage) {
	turn := s.ensureTurn(c, turnID)
	c.ops = append(c.ops, op{kind: opSetStage, turnID: turnID, prevStage: turn.Stage, nextStage: stage})
	turn.Stage = stage
}

func (s *Store) revert(o op) {
	switch o.kind {
	case opCreateTurn:
		delete(s.turns, o.turnID)
	case opInsertSpan:
		turn := s.turns[o.turnID]
		turn.Spans = append(turn.Spans[:o.index:o.index], turn.Spans[o.index+1:]...)
	case opDeleteSpan:
		turn := s.turns[o.turnID]
		turn.Spans = insertAt(turn.Spans, o.index, o.span)
	case opInsertRelation:
		turn := s.turns[o.turnID]
		turn.Relations = append(turn.Relations[:o.index:o.index], turn.Relations[o.index+1:]...)
	case opDeleteRelation:
		turn := s.turns[o.turnID]
		turn.Relations = insertAt(turn.Relations, o.index, o.relation)
	case opSetStage:
		s.turns[o.turnID].Stage = o.prevStage
	}
}

func (s *Store) sortedTurnIDs() []int {
	ids := make([]int, 0, len(s.turns))
	for id := range s.turns {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

func insertAt[T any](items []T, index int, item T) []T {
	out := make([]T, 0, len(items)+1)
	out = append(out, items[:index]...)
	out = append(out, item)
	return append(out, items[index:]...)
}

func spanIndex(spans []annotation.Span, spanID string) int {
	if spanID == "" {
		return -1
	}
	for i, span := range spans {
		if span.ID == spanID {
			return i
		}
	}
	return -1
}

func hasTextLabel(spans []annotation.Span, text, label string) bool {
	for _, span := range spans {
		if span.Text == text && span.Label == label {
			return true
		}
	}
	return false
}

func hasRelation(relations []annotation.Relation, rel annotation.Relation) bool {
	for _, existing := range relations {
		if rel.ID != "" {
			if existing.ID == rel.ID {
				return true
			}
			continue
		}
		if existing.From == rel.From && existing.To == rel.To && existing.Type == rel.Type {
			return true
		}
	}
	return false
}
