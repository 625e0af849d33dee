package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/xeipuuv/gojsonschema"

	"github.com/tetraminz/bbn_annotator/internal/annotation"
	"github.com/tetraminz/bbn_annotator/internal/llm"
)

// Unit names recorded on call events.
const (
	UnitReact              = "react"
	UnitReactRelations     = "react_relations"
	UnitEODetector         = "eo_detector"
	UnitResponseClassifier = "response_classifier"
	UnitSpikesTagger       = "spikes_tagger"
	UnitRelationLinker     = "relation_linker"
)

// CallEvent is the audit record of one model call.
type CallEvent struct {
	ConversationID string
	TurnID         int
	Unit           string
	Model          string
	SystemPrompt   string
	UserPrompt     string
	Response       string
	ParseOK        bool
	ValidationOK   bool
	ErrorMessage   string
	Duration       time.Duration
	CreatedAt      time.Time
}

// EventSink receives call events. A sink error aborts the annotation run.
type EventSink interface {
	RecordCallEvent(ctx context.Context, event CallEvent) error
}

type conversationKey struct{}

// WithConversationID tags ctx so call events name the conversation they belong to.
func WithConversationID(ctx context.Context, conversationID string) context.Context {
	return context.WithValue(ctx, conversationKey{}, conversationID)
}

func conversationID(ctx context.Context) string {
	id, _ := ctx.Value(conversationKey{}).(string)
	return id
}

// unit is one prompt family: a system prompt, an output schema and the collaborators to call and audit it.
type unit struct {
	name   string
	system string
	schema *gojsonschema.Schema
	caller llm.Caller
	model  string
	sink   EventSink
	logger zerolog.Logger
}

func newUnit(name, system string, schema map[string]any, caller llm.Caller, cfg Config) unit {
	return unit{
		name:   name,
		system: system,
		schema: mustSchema(schema),
		caller: caller,
		model:  cfg.Model,
		sink:   cfg.Sink,
		logger: cfg.Logger,
	}
}

// run calls the model once. Transport failures are returned as the caller reported them;
// unusable text yields an empty mapping.
func (u unit) run(ctx context.Context, turnID int, user string) (map[string]any, error) {
	started := time.Now()
	response, callErr := u.caller.Call(ctx, u.system, user)

	event := CallEvent{
		ConversationID: conversationID(ctx),
		TurnID:         turnID,
		Unit:           u.name,
		Model:          u.model,
		SystemPrompt:   u.system,
		UserPrompt:     user,
		Response:       response,
		Duration:       time.Since(started),
		CreatedAt:      started.UTC(),
	}

	parsed := map[string]any{}
	if callErr != nil {
		event.ErrorMessage = fmt.Sprintf("call_error: %v", callErr)
	} else {
		parsed = annotation.ParseResponse(response)
		event.ParseOK = len(parsed) > 0
		if !event.ParseOK {
			event.ErrorMessage = "parse_error: no json object in response"
		} else if ok, violations := validateOutput(u.schema, parsed); ok {
			event.ValidationOK = true
		} else {
			event.ErrorMessage = "validation_error: " + violations
		}
	}

	if u.sink != nil {
		if err := u.sink.RecordCallEvent(ctx, event); err != nil {
			return nil, fmt.Errorf("write %s call event: %w", u.name, err)
		}
	}
	if callErr != nil {
		u.logger.Error().
			Err(callErr).
			Str("conversation_id", event.ConversationID).
			Int("turn_id", turnID).
			Str("unit", u.name).
			Msg("model_call_failed")
		return nil, callErr
	}
	return parsed, nil
}
