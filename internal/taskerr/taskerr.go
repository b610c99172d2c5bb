// Package taskerr defines the error kinds a task response can surface to the
// requesting peer, as opposed to internal errors that are logged and
// swallowed by the event loop.
package taskerr

import "fmt"

// Kind classifies a task failure for the requester.
type Kind string

const (
	KindParse           Kind = "parse"
	KindProvider         Kind = "provider"
	KindHTTP            Kind = "http"
	KindExecutor        Kind = "executor"
	KindOutboundRequest Kind = "outboundRequest"
	KindOther           Kind = "other"
)

// TaskError is surfaced verbatim in a TaskResponsePayload's error field.
type TaskError struct {
	Kind     Kind   `json:"kind"`
	Provider string `json:"provider,omitempty"`
	Code     string `json:"code,omitempty"`
	Message  string `json:"message"`
}

func (e *TaskError) Error() string {
	if e.Provider != "" {
		return fmt.Sprintf("%s: %s[%s]: %s", e.Kind, e.Provider, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Parse wraps a payload-deserialisation failure.
func Parse(err error) *TaskError {
	return &TaskError{Kind: KindParse, Message: err.Error()}
}

// Provider wraps a failure reported by an LLM provider.
func Provider(provider, code, message string) *TaskError {
	return &TaskError{Kind: KindProvider, Provider: provider, Code: code, Message: message}
}

// HTTP wraps a network failure reaching a provider.
func HTTP(err error) *TaskError {
	return &TaskError{Kind: KindHTTP, Message: err.Error()}
}

// Executor wraps any other executor failure.
func Executor(err error) *TaskError {
	return &TaskError{Kind: KindExecutor, Message: err.Error()}
}

// OutboundRequest wraps a failure in the node's own outbound call.
func OutboundRequest(err error) *TaskError {
	return &TaskError{Kind: KindOutboundRequest, Message: err.Error()}
}

// Other is the catch-all kind.
func Other(err error) *TaskError {
	return &TaskError{Kind: KindOther, Message: err.Error()}
}
