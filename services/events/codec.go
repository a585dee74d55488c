package events

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	ErrUnknownSubject = errors.New("unknown subject")
	ErrIgnored        = errors.New("message ignored")
	ErrInvalidMessage = errors.New("invalid message")
)

type envelope[T any] struct {
	MsgID string `json:"msg_id"`
	Msg   T      `json:"msg"`
}

type moduleStateMsg struct {
	ID        int64           `json:"id"`
	Name      string          `json:"name"`
	Stream    string          `json:"stream"`
	State     json.RawMessage `json:"state,omitempty"`
	StateName string          `json:"state_name,omitempty"`
}

type commitMsg struct {
	Commit struct {
		Repo      string `json:"repo"`
		Namespace string `json:"namespace"`
		Branch    string `json:"branch"`
		Rev       string `json:"rev"`
	} `json:"commit"`
}

// Parse decodes a bus message into an Event. fallbackID is used when the
// payload carries no msg_id of its own.
func Parse(subject, fallbackID string, data []byte) (Event, error) {
	switch subject {
	case SubjectModuleStateChange:
		return parseModuleStateChange(fallbackID, data)
	case SubjectModuleCommit:
		return parseModuleCommit(fallbackID, data)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownSubject, subject)
	}
}

func parseModuleStateChange(fallbackID string, data []byte) (Event, error) {
	var env envelope[moduleStateMsg]
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}

	id := messageID(env.MsgID, fallbackID)
	if id == "" {
		return nil, fmt.Errorf("%w: msg_id missing", ErrInvalidMessage)
	}
	if env.Msg.Name == "" || env.Msg.Stream == "" {
		return nil, fmt.Errorf("%w: module name and stream are required", ErrInvalidMessage)
	}

	raw := env.Msg.StateName
	if raw == "" {
		v, err := stateValue(env.Msg.State)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
		}
		raw = v
	}
	if raw == "" {
		return nil, fmt.Errorf("%w: module state missing", ErrInvalidMessage)
	}
	state, _ := ParseModuleState(raw)

	return &ModuleStateChange{
		MessageID: id,
		Module:    env.Msg.Name,
		Stream:    env.Msg.Stream,
		BuildID:   env.Msg.ID,
		State:     state,
	}, nil
}

// stateValue reads the state field, which MBS sends as a number or a name.
// An absent or null field yields "".
func stateValue(raw json.RawMessage) (string, error) {
	if len(raw) == 0 {
		return "", nil
	}
	var v any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return "", err
	}
	switch v := v.(type) {
	case nil:
		return "", nil
	case string:
		return strings.TrimSpace(v), nil
	case json.Number:
		return v.String(), nil
	default:
		return "", fmt.Errorf("state has unsupported type %T", v)
	}
}

func parseModuleCommit(fallbackID string, data []byte) (Event, error) {
	var env envelope[commitMsg]
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}

	id := messageID(env.MsgID, fallbackID)
	if id == "" {
		return nil, fmt.Errorf("%w: msg_id missing", ErrInvalidMessage)
	}
	c := env.Msg.Commit
	if c.Namespace != "modules" {
		return nil, fmt.Errorf("%w: commit to namespace %q", ErrIgnored, c.Namespace)
	}
	if c.Repo == "" || c.Branch == "" || c.Rev == "" {
		return nil, fmt.Errorf("%w: repo, branch and rev are required", ErrInvalidMessage)
	}

	return &GitModuleMetadataChange{
		MessageID: id,
		Module:    c.Repo,
		Branch:    c.Branch,
		Rev:       c.Rev,
	}, nil
}

// Encode returns the subject and JSON-serialisable payload for evt, the
// inverse of Parse.
func Encode(evt Event) (string, any, error) {
	switch e := evt.(type) {
	case *ModuleStateChange:
		state := json.RawMessage(strconv.Quote(string(e.State)))
		return SubjectModuleStateChange, envelope[moduleStateMsg]{
			MsgID: e.MessageID,
			Msg: moduleStateMsg{
				ID:        e.BuildID,
				Name:      e.Module,
				Stream:    e.Stream,
				State:     state,
				StateName: string(e.State),
			},
		}, nil
	case *GitModuleMetadataChange:
		var msg commitMsg
		msg.Commit.Repo = e.Module
		msg.Commit.Namespace = "modules"
		msg.Commit.Branch = e.Branch
		msg.Commit.Rev = e.Rev
		return SubjectModuleCommit, envelope[commitMsg]{MsgID: e.MessageID, Msg: msg}, nil
	default:
		return "", nil, fmt.Errorf("encode %T: unsupported event", evt)
	}
}

func messageID(id, fallback string) string {
	if id = strings.TrimSpace(id); id != "" {
		return id
	}
	return strings.TrimSpace(fallback)
}
