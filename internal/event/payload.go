package event

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// RunStatus is the terminal status reported by a run_completed event.
type RunStatus string

const (
	RunSuccess   RunStatus = "success"
	RunFail      RunStatus = "fail"
	RunTimeout   RunStatus = "timeout"
	RunCancelled RunStatus = "cancelled"
)

// Valid reports whether s is a recognised terminal status.
func (s RunStatus) Valid() bool {
	switch s {
	case RunSuccess, RunFail, RunTimeout, RunCancelled:
		return true
	}
	return false
}

// ErrorType categorises a non-success run for the daily error buckets.
type ErrorType string

const (
	ErrorTool    ErrorType = "tool_error"
	ErrorModel   ErrorType = "model_error"
	ErrorTimeout ErrorType = "timeout"
	ErrorUnknown ErrorType = "unknown"
)

// Valid reports whether t is a recognised error category.
func (t ErrorType) Valid() bool {
	switch t {
	case ErrorTool, ErrorModel, ErrorTimeout, ErrorUnknown:
		return true
	}
	return false
}

// HandoffMethod is the mechanism by which session context left the platform.
type HandoffMethod string

const (
	HandoffTeleport  HandoffMethod = "teleport"
	HandoffDownload  HandoffMethod = "download"
	HandoffCopyPatch HandoffMethod = "copy_patch"
	HandoffOther     HandoffMethod = "other"
)

// Valid reports whether m is a recognised handoff method.
func (m HandoffMethod) Valid() bool {
	switch m {
	case HandoffTeleport, HandoffDownload, HandoffCopyPatch, HandoffOther:
		return true
	}
	return false
}

// RunCompletedPayload is the typed shape behind run_completed events. All
// fields except ErrorType are required on the wire.
type RunCompletedPayload struct {
	Status       RunStatus
	DurationMS   int64
	Cost         Money
	InputTokens  int64
	OutputTokens int64
	ErrorType    *ErrorType
}

// Success reports whether the run ended successfully.
func (p RunCompletedPayload) Success() bool {
	return p.Status == RunSuccess
}

// Bucket returns the error category a non-success run is counted under: the
// payload's error_type when present, otherwise unknown.
func (p RunCompletedPayload) Bucket() ErrorType {
	if p.ErrorType != nil {
		return *p.ErrorType
	}
	return ErrorUnknown
}

// ParseRunCompleted validates and types a run_completed payload.
func ParseRunCompleted(raw json.RawMessage) (RunCompletedPayload, error) {
	var in struct {
		Status       *RunStatus `json:"status"`
		DurationMS   *int64     `json:"duration_ms"`
		Cost         *Money     `json:"cost"`
		InputTokens  *int64     `json:"input_tokens"`
		OutputTokens *int64     `json:"output_tokens"`
		ErrorType    *ErrorType `json:"error_type"`
	}
	if err := unmarshalObject(raw, &in); err != nil {
		return RunCompletedPayload{}, err
	}
	switch {
	case in.Status == nil:
		return RunCompletedPayload{}, errors.New("status is required")
	case !in.Status.Valid():
		return RunCompletedPayload{}, fmt.Errorf("unknown status %q", *in.Status)
	case in.DurationMS == nil:
		return RunCompletedPayload{}, errors.New("duration_ms is required")
	case *in.DurationMS < 0:
		return RunCompletedPayload{}, errors.New("duration_ms must be non-negative")
	case in.Cost == nil:
		return RunCompletedPayload{}, errors.New("cost is required")
	case in.InputTokens == nil:
		return RunCompletedPayload{}, errors.New("input_tokens is required")
	case *in.InputTokens < 0:
		return RunCompletedPayload{}, errors.New("input_tokens must be non-negative")
	case in.OutputTokens == nil:
		return RunCompletedPayload{}, errors.New("output_tokens is required")
	case *in.OutputTokens < 0:
		return RunCompletedPayload{}, errors.New("output_tokens must be non-negative")
	}
	if in.ErrorType != nil && !in.ErrorType.Valid() {
		return RunCompletedPayload{}, fmt.Errorf("unknown error_type %q", *in.ErrorType)
	}
	return RunCompletedPayload{
		Status:       *in.Status,
		DurationMS:   *in.DurationMS,
		Cost:         *in.Cost,
		InputTokens:  *in.InputTokens,
		OutputTokens: *in.OutputTokens,
		ErrorType:    in.ErrorType,
	}, nil
}

// LocalHandoffPayload is the typed shape behind local_handoff events.
type LocalHandoffPayload struct {
	Method HandoffMethod
}

// ParseLocalHandoff validates and types a local_handoff payload.
func ParseLocalHandoff(raw json.RawMessage) (LocalHandoffPayload, error) {
	var in struct {
		Method *HandoffMethod `json:"method"`
	}
	if err := unmarshalObject(raw, &in); err != nil {
		return LocalHandoffPayload{}, err
	}
	if in.Method == nil {
		return LocalHandoffPayload{}, errors.New("method is required")
	}
	if !in.Method.Valid() {
		return LocalHandoffPayload{}, fmt.Errorf("unknown method %q", *in.Method)
	}
	return LocalHandoffPayload{Method: *in.Method}, nil
}

// unmarshalObject decodes raw into v, rejecting anything that is not a JSON
// object. Unknown keys are tolerated so producers can add fields ahead of us.
func unmarshalObject(raw json.RawMessage, v any) error {
	trimmed := bytes.TrimLeft(raw, " \t\r\n")
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return errors.New("payload must be a JSON object")
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("malformed payload: %w", err)
	}
	return nil
}

// isNullOrObject reports whether raw is JSON null or a JSON object. Types
// with opaque payloads accept either.
func isNullOrObject(raw json.RawMessage) bool {
	trimmed := bytes.TrimLeft(raw, " \t\r\n")
	if len(trimmed) == 0 {
		return true
	}
	return trimmed[0] == '{' || bytes.HasPrefix(trimmed, []byte("null"))
}
