package domain

import (
	"bytes"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
)

// ActorKind distinguishes human users from automated agents.
type ActorKind string

const (
	ActorUser  ActorKind = "user"
	ActorAgent ActorKind = "agent"
)

// ActorRef references the party a chat is assigned to or assigned by.
// It is either User(id) or Agent(id); the zero value is not a valid ref.
type ActorRef struct {
	Kind ActorKind `json:"type"`
	ID   string    `json:"id"`
}

// UserRef returns a ref to the human user id.
func UserRef(id string) ActorRef { return ActorRef{Kind: ActorUser, ID: id} }

// AgentRef returns a ref to the automated agent id.
func AgentRef(id string) ActorRef { return ActorRef{Kind: ActorAgent, ID: id} }

// String renders the ref as "kind:id".
func (r ActorRef) String() string { return string(r.Kind) + ":" + r.ID }

// Equal reports whether two optional refs point at the same actor.
func (r *ActorRef) Equal(o *ActorRef) bool {
	if r == nil || o == nil {
		return r == nil && o == nil
	}
	return r.Kind == o.Kind && r.ID == o.ID
}

// ErrInvalidActorRef is returned by ParseActorRef for shapes it does not
// recognize.
var ErrInvalidActorRef = errors.New("invalid actor reference")

// ParseActorRef decodes the accepted wire shapes of an actor reference:
//
//	null                          -> nil (explicitly no actor)
//	"user:12" / "agent:abc"       -> tagged string
//	12                            -> bare number, a user id
//	{"type":"agent","id":"abc"}   -> object; "kind" and "documentId" are accepted aliases
//
// Anything else, including unknown kinds and empty ids, yields
// ErrInvalidActorRef.
func ParseActorRef(raw json.RawMessage) (*ActorRef, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}

	switch raw[0] {
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, ErrInvalidActorRef
		}
		kind, id, ok := strings.Cut(strings.TrimSpace(s), ":")
		if !ok {
			return nil, ErrInvalidActorRef
		}
		return newActorRef(kind, id)

	case '{':
		var obj struct {
			Type       string          `json:"type"`
			Kind       string          `json:"kind"`
			ID         json.RawMessage `json:"id"`
			DocumentID json.RawMessage `json:"documentId"`
		}
		if err := json.Unmarshal(raw, &obj); err != nil {
			return nil, ErrInvalidActorRef
		}
		kind := obj.Type
		if kind == "" {
			kind = obj.Kind
		}
		id := scalarID(obj.ID)
		if id == "" {
			id = scalarID(obj.DocumentID)
		}
		return newActorRef(kind, id)

	default:
		var n json.Number
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.UseNumber()
		if err := dec.Decode(&n); err != nil {
			return nil, ErrInvalidActorRef
		}
		if _, err := strconv.ParseInt(n.String(), 10, 64); err != nil {
			return nil, ErrInvalidActorRef
		}
		ref := UserRef(n.String())
		return &ref, nil
	}
}

func newActorRef(kind, id string) (*ActorRef, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, ErrInvalidActorRef
	}
	switch ActorKind(strings.ToLower(strings.TrimSpace(kind))) {
	case ActorUser:
		ref := UserRef(id)
		return &ref, nil
	case ActorAgent:
		ref := AgentRef(id)
		return &ref, nil
	}
	return nil, ErrInvalidActorRef
}

// scalarID accepts a JSON string or integer and returns it as text.
func scalarID(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var n json.Number
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&n); err == nil {
		if _, err := strconv.ParseInt(n.String(), 10, 64); err == nil {
			return n.String()
		}
	}
	return ""
}
