// Package eventbus implements the hub's durable CloudEvents pub/sub:
// an in-memory glob-matched fanout plus a sqlite-backed
// at-least-once delivery pipeline with exponential backoff, dead
// lettering, and retention.
package eventbus

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// CloudEvent is the CNCF v1.0 event envelope.
type CloudEvent struct {
	SpecVersion     string            `json:"specversion"`
	ID              string            `json:"id"`
	Source          string            `json:"source"`
	Type            string            `json:"type"`
	Time            time.Time         `json:"time"`
	Subject         string            `json:"subject,omitempty"`
	DataContentType string            `json:"datacontenttype,omitempty"`
	Data            json.RawMessage   `json:"data,omitempty"`
	Extensions      map[string]string `json:"-"`
}

// envelopeFields are the CNCF-defined attribute names; everything else
// in a serialized event is an extension attribute.
var envelopeFields = map[string]bool{
	"specversion": true, "id": true, "source": true, "type": true,
	"time": true, "subject": true, "datacontenttype": true, "data": true,
}

// ceEnvelope mirrors CloudEvent for (un)marshaling without recursing
// into the custom methods.
type ceEnvelope struct {
	SpecVersion     string          `json:"specversion"`
	ID              string          `json:"id"`
	Source          string          `json:"source"`
	Type            string          `json:"type"`
	Time            time.Time       `json:"time"`
	Subject         string          `json:"subject,omitempty"`
	DataContentType string          `json:"datacontenttype,omitempty"`
	Data            json.RawMessage `json:"data,omitempty"`
}

// MarshalJSON writes the CNCF wire form: extension attributes sit at
// the top level of the object, beside the defined attributes.
func (ce CloudEvent) MarshalJSON() ([]byte, error) {
	base, err := json.Marshal(ceEnvelope{
		SpecVersion:     ce.SpecVersion,
		ID:              ce.ID,
		Source:          ce.Source,
		Type:            ce.Type,
		Time:            ce.Time,
		Subject:         ce.Subject,
		DataContentType: ce.DataContentType,
		Data:            ce.Data,
	})
	if err != nil || len(ce.Extensions) == 0 {
		return base, err
	}

	var merged map[string]json.RawMessage
	if err := json.Unmarshal(base, &merged); err != nil {
		return nil, err
	}
	for name, value := range ce.Extensions {
		if envelopeFields[name] {
			continue
		}
		raw, err := json.Marshal(value)
		if err != nil {
			return nil, err
		}
		merged[name] = raw
	}
	return json.Marshal(merged)
}

// UnmarshalJSON reads the CNCF wire form, collecting unknown top-level
// attributes into Extensions.
func (ce *CloudEvent) UnmarshalJSON(data []byte) error {
	var env ceEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}
	*ce = CloudEvent{
		SpecVersion:     env.SpecVersion,
		ID:              env.ID,
		Source:          env.Source,
		Type:            env.Type,
		Time:            env.Time,
		Subject:         env.Subject,
		DataContentType: env.DataContentType,
		Data:            env.Data,
	}

	var all map[string]json.RawMessage
	if err := json.Unmarshal(data, &all); err != nil {
		return err
	}
	for name, raw := range all {
		if envelopeFields[name] {
			continue
		}
		var value string
		if err := json.Unmarshal(raw, &value); err != nil {
			// Non-string extensions are kept in their literal form.
			value = string(raw)
		}
		if ce.Extensions == nil {
			ce.Extensions = map[string]string{}
		}
		ce.Extensions[name] = value
	}
	return nil
}

// NewCloudEvent fills in specversion, id, and time, matching the
// required envelope defaults.
func NewCloudEvent(source, eventType string, data any) (CloudEvent, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return CloudEvent{}, err
	}
	return CloudEvent{
		SpecVersion:     "1.0",
		ID:              uuid.NewString(),
		Source:          source,
		Type:            eventType,
		Time:            time.Now(),
		DataContentType: "application/json",
		Data:            raw,
	}, nil
}

// RouteActionKind selects the variant of a RouteAction.
type RouteActionKind string

const (
	ActionInvokePluginTool RouteActionKind = "invoke_plugin_tool"
	ActionCallExtension    RouteActionKind = "call_extension"
	ActionEmitFrontend     RouteActionKind = "emit_frontend"
)

// RouteAction is materialized as JSON in the deliveries table. If
// ArgsTemplate is nil, the dispatcher forwards the CloudEvent's Data
// unchanged
type RouteAction struct {
	Kind         RouteActionKind `json:"kind"`
	PluginID     string          `json:"plugin_id,omitempty"`
	ToolName     string          `json:"tool_name,omitempty"`
	ExtensionID  string          `json:"extension_id,omitempty"`
	Operation    string          `json:"operation,omitempty"`
	Channel      string          `json:"channel,omitempty"`
	ArgsTemplate json.RawMessage `json:"args_template,omitempty"`
}

// InvokePluginTool builds the RouteAction variant of the same name.
func InvokePluginTool(pluginID, toolName string, argsTemplate json.RawMessage) RouteAction {
	return RouteAction{Kind: ActionInvokePluginTool, PluginID: pluginID, ToolName: toolName, ArgsTemplate: argsTemplate}
}

// CallExtension builds the RouteAction variant of the same name.
func CallExtension(extensionID, operation string, argsTemplate json.RawMessage) RouteAction {
	return RouteAction{Kind: ActionCallExtension, ExtensionID: extensionID, Operation: operation, ArgsTemplate: argsTemplate}
}

// EmitFrontend builds the no-ack, best-effort RouteAction variant.
func EmitFrontend(channel string) RouteAction {
	return RouteAction{Kind: ActionEmitFrontend, Channel: channel}
}

// DeliveryStatus is one of the four delivery lifecycle states.
type DeliveryStatus string

const (
	StatusPending    DeliveryStatus = "pending"
	StatusInFlight   DeliveryStatus = "in_flight"
	StatusCompleted  DeliveryStatus = "completed"
	StatusDeadLetter DeliveryStatus = "dead_letter"
)

// Delivery is one durable delivery row. ClaimedAt marks when a worker
// took the row in_flight, letting the sweeper spot stranded claims.
type Delivery struct {
	ID          int64          `db:"id"`
	EventID     string         `db:"event_id"`
	ActionJSON  string         `db:"action"`
	Status      DeliveryStatus `db:"status"`
	Attempts    int            `db:"attempts"`
	MaxAttempts int            `db:"max_attempts"`
	NextRetry   time.Time      `db:"next_retry"`
	ClaimedAt   *time.Time     `db:"claimed_at"`
	LastError   *string        `db:"last_error"`

	// Event is populated by claim_ready's join, never persisted itself.
	Event CloudEvent `db:"-"`
}

// Action unmarshals the materialized RouteAction for d.
func (d Delivery) Action() (RouteAction, error) {
	var a RouteAction
	err := json.Unmarshal([]byte(d.ActionJSON), &a)
	return a, err
}

const (
	// DefaultMaxAttempts is the DeliveryRow.max_attempts default.
	DefaultMaxAttempts = 5
	// RetentionPeriod is how long events survive the hourly sweep,
	// whatever the status of their deliveries.
	RetentionPeriod = 7 * 24 * time.Hour
)
