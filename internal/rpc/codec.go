// Package rpc implements the streaming RPC engine: the JSON envelope codec,
// the per-connection service, the client session and the action dispatcher.
package rpc

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/quotelab/ratefeed/internal/rates"
)

// Command is the client -> server envelope. Message must be a JSON object;
// unknown top-level fields are ignored.
type Command struct {
	Action  string          `json:"action"`
	Message json.RawMessage `json:"message"`
}

// Response is the server -> client envelope. Action echoes the command (or
// names the emitted payload) and Message carries either a payload model or
// an ErrorMessage.
type Response struct {
	Action  string `json:"action"`
	Message any    `json:"message"`
}

// FieldError is one entry of an ErrorMessage. Loc is the offending field
// name, or a path array when the error sits deeper than one level. Input
// echoes the value that failed validation.
type FieldError struct {
	Loc   any             `json:"loc,omitempty"`
	Msg   string          `json:"msg"`
	Input json.RawMessage `json:"input,omitempty"`
}

// ErrorMessage is the {"errors":[...]} object. Envelope validation failures
// send it bare; action-scoped errors wrap it in a Response.
type ErrorMessage struct {
	Errors []FieldError `json:"errors"`
}

// SingleError builds an action-scoped response carrying one error message.
func SingleError(action, msg string) Response {
	return Response{
		Action:  action,
		Message: ErrorMessage{Errors: []FieldError{{Msg: msg}}},
	}
}

// Validation messages. Clients match on these strings; do not reword.
const (
	msgFieldRequired   = "Field required"
	msgNotADict        = "Input should be a valid dictionary"
	msgNotAString      = "Input should be a valid string"
	msgNotAnInteger    = "Input should be a valid integer"
	textUnparsableJSON = "Could not parse the JSON command"
)

// DecodeError describes a frame that failed to decode into a Command.
// Exactly one of Text and Errors is set: Text goes out as a raw text frame,
// Errors as a bare JSON error object.
type DecodeError struct {
	Text   string
	Errors *ErrorMessage
}

// DecodeCommand parses and validates one inbound frame.
func DecodeCommand(data []byte) (*Command, *DecodeError) {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, &DecodeError{Text: textUnparsableJSON}
	}
	obj, ok := raw.(map[string]any)
	if !ok {
		return nil, &DecodeError{Text: fmt.Sprintf(
			"Invalid type of the message: %s. Command must be a valid JSON mapping",
			jsonTypeName(raw),
		)}
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, &DecodeError{Text: textUnparsableJSON}
	}

	var errs []FieldError
	cmd := &Command{}

	if actionRaw, ok := fields["action"]; !ok {
		errs = append(errs, FieldError{Loc: "action", Msg: msgFieldRequired, Input: compactJSON(data)})
	} else if err := json.Unmarshal(actionRaw, &cmd.Action); err != nil {
		errs = append(errs, FieldError{Loc: "action", Msg: msgNotAString, Input: compactJSON(actionRaw)})
	}

	if messageRaw, ok := fields["message"]; !ok {
		errs = append(errs, FieldError{Loc: "message", Msg: msgFieldRequired, Input: compactJSON(data)})
	} else if _, ok := obj["message"].(map[string]any); !ok {
		errs = append(errs, FieldError{Loc: "message", Msg: msgNotADict, Input: compactJSON(messageRaw)})
	} else {
		cmd.Message = compactJSON(messageRaw)
	}

	if len(errs) > 0 {
		return nil, &DecodeError{Errors: &ErrorMessage{Errors: errs}}
	}
	return cmd, nil
}

// SubscribeMessage is the payload of the "subscribe" action.
type SubscribeMessage struct {
	AssetID int `json:"assetId"`
}

// DecodeSubscribe validates the subscribe payload.
func DecodeSubscribe(message json.RawMessage) (*SubscribeMessage, *ErrorMessage) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(message, &fields); err != nil {
		return nil, &ErrorMessage{Errors: []FieldError{
			{Loc: "assetId", Msg: msgFieldRequired, Input: compactJSON(message)},
		}}
	}

	raw, ok := fields["assetId"]
	if !ok {
		return nil, &ErrorMessage{Errors: []FieldError{
			{Loc: "assetId", Msg: msgFieldRequired, Input: compactJSON(message)},
		}}
	}
	var id int
	if err := json.Unmarshal(raw, &id); err != nil {
		return nil, &ErrorMessage{Errors: []FieldError{
			{Loc: "assetId", Msg: msgNotAnInteger, Input: compactJSON(raw)},
		}}
	}
	return &SubscribeMessage{AssetID: id}, nil
}

// AssetsMessage is the payload of the "assets" response.
type AssetsMessage struct {
	Assets []rates.Asset `json:"assets"`
}

// PointMessage is one projected exchange rate point.
type PointMessage struct {
	AssetName string  `json:"assetName"`
	AssetID   int     `json:"assetId"`
	Time      int64   `json:"time"`
	Value     float64 `json:"value"`
}

// HistoryMessage is the payload of the "asset_history" response, points
// newest first.
type HistoryMessage struct {
	Points []PointMessage `json:"points"`
}

func jsonTypeName(v any) string {
	switch v.(type) {
	case string:
		return "string"
	case float64:
		return "number"
	case bool:
		return "boolean"
	case []any:
		return "array"
	case nil:
		return "null"
	default:
		return "object"
	}
}

func compactJSON(raw []byte) json.RawMessage {
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return json.RawMessage(raw)
	}
	return json.RawMessage(buf.Bytes())
}
