package alarm

import (
	"encoding/json"
	"fmt"
	"time"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	domain "github.com/oshokin/alarm-engine/internal/domain/alarm"
	"github.com/oshokin/alarm-engine/internal/engine"
)

// RuleView is a rule together with its runtime state as sent over the wire.
type RuleView struct {
	domain.Rule

	Phase        string     `json:"phase"`
	PendingSince *time.Time `json:"pendingSince,omitempty"`
	LastValue    *float64   `json:"lastValue,omitempty"`
	LastSeen     *time.Time `json:"lastSeen,omitempty"`
}

// RuleList is the ListRules payload.
type RuleList struct {
	Rules []RuleView `json:"rules"`
}

// ActiveRules is the GetActiveRules payload.
type ActiveRules struct {
	RuleIDs []string `json:"ruleIds"`
}

// ActivationHistory is the ListActivationHistory payload.
type ActivationHistory struct {
	Activations []domain.ActivationRecord `json:"activations"`
}

// DeleteRequest is the DeleteRule payload.
type DeleteRequest struct {
	ID           string `json:"id"`
	Confirmation string `json:"confirmation"`
}

// Encode converts a JSON-tagged value into a structpb.Struct.
func Encode(value any) (*structpb.Struct, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	var fields map[string]any
	if err = json.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("payload is not an object: %w", err)
	}

	payload, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, fmt.Errorf("build struct: %w", err)
	}

	return payload, nil
}

// Decode fills a JSON-tagged value from a structpb.Struct.
func Decode(payload *structpb.Struct, value any) error {
	if payload == nil {
		payload = &structpb.Struct{}
	}

	data, err := protojson.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal struct: %w", err)
	}

	if err = json.Unmarshal(data, value); err != nil {
		return fmt.Errorf("unmarshal payload: %w", err)
	}

	return nil
}

// toRuleView converts an engine snapshot into its wire form.
func toRuleView(status engine.Status) RuleView {
	view := RuleView{
		Rule:  status.Rule,
		Phase: status.Phase.String(),
	}

	if status.Phase == domain.PhasePending && !status.PendingSince.IsZero() {
		pendingSince := status.PendingSince
		view.PendingSince = &pendingSince
	}

	if !status.LastSeen.IsZero() {
		lastSeen, lastValue := status.LastSeen, status.LastValue
		view.LastSeen = &lastSeen
		view.LastValue = &lastValue
	}

	return view
}
