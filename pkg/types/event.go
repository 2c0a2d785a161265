package types

import (
	"encoding/json"
	"time"
)

// EventKind classifies an event.
type EventKind string

const (
	EventKindNormal  EventKind = "Normal"
	EventKindWarning EventKind = "Warning"
	EventKindError   EventKind = "Error"
)

// NativeEventAction is the action field of a domain event.
type NativeEventAction string

const (
	ActionCreate     NativeEventAction = "create"
	ActionStarting   NativeEventAction = "starting"
	ActionStart      NativeEventAction = "start"
	ActionStopping   NativeEventAction = "stopping"
	ActionStop       NativeEventAction = "stop"
	ActionUpdating   NativeEventAction = "updating"
	ActionUpdate     NativeEventAction = "update"
	ActionDestroying NativeEventAction = "destroying"
	ActionDestroy    NativeEventAction = "destroy"
	ActionDie        NativeEventAction = "die"
	ActionRestart    NativeEventAction = "restart"
	ActionFinish     NativeEventAction = "finish"
	ActionFail       NativeEventAction = "fail"
)

// EventActor identifies the subject of an event. Attributes carry
// enough context (Name, Namespace, serialized Spec) for handlers that
// run after the store row is gone.
type EventActor struct {
	Key        string            `json:",omitempty"`
	Kind       ObjKind
	Attributes map[string]json.RawMessage `json:",omitempty"`
}

// Event is a bus message describing a state change. One JSON document
// per line on the wire.
type Event struct {
	Key                 string
	CreatedAt           time.Time
	ExpiresAt           time.Time
	ReportingNode       string
	ReportingController string
	Kind                EventKind
	Action              NativeEventAction
	Reason              string
	Note                string          `json:",omitempty"`
	Actor               *EventActor     `json:",omitempty"`
	Related             *EventActor     `json:",omitempty"`
	Metadata            json.RawMessage `json:",omitempty"`
}

// ActorAttribute keys understood by event consumers.
const (
	ActorAttrName      = "Name"
	ActorAttrNamespace = "Namespace"
	ActorAttrSpec      = "Spec"
)

// NewActor builds an actor for an object key, attaching name/namespace
// attributes and, when given, the serialized current spec payload.
func NewActor(kind ObjKind, key, name, namespace string, spec json.RawMessage) *EventActor {
	attrs := map[string]json.RawMessage{}
	if name != "" {
		attrs[ActorAttrName], _ = json.Marshal(name)
	}
	if namespace != "" {
		attrs[ActorAttrNamespace], _ = json.Marshal(namespace)
	}
	if spec != nil {
		attrs[ActorAttrSpec] = spec
	}
	return &EventActor{Key: key, Kind: kind, Attributes: attrs}
}

// AttrString decodes a string attribute of the actor.
func (a *EventActor) AttrString(key string) string {
	if a == nil || a.Attributes == nil {
		return ""
	}
	raw, ok := a.Attributes[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return s
}

// AttrSpec returns the serialized spec payload attached to the actor.
func (a *EventActor) AttrSpec() json.RawMessage {
	if a == nil || a.Attributes == nil {
		return nil
	}
	return a.Attributes[ActorAttrSpec]
}
