package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
)

// Kind is the closed set of gateway failure classes.
type Kind string

const (
	KindInstanceNotFound     Kind = "INSTANCE_NOT_FOUND"
	KindInstanceNotConnected Kind = "INSTANCE_NOT_CONNECTED"
	KindInvalidAPIKey        Kind = "INVALID_API_KEY"
	KindInvalidPhoneNumber   Kind = "INVALID_PHONE_NUMBER"
	KindRequestTimeout       Kind = "REQUEST_TIMEOUT"
	KindGatewayError         Kind = "GATEWAY_ERROR"
)

// Error is returned by every Client operation.
type Error struct {
	Kind       Kind
	StatusCode int // 0 when no response was received
	Message    string
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("gateway %s (status %d): %s", e.Kind, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("gateway %s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether the failure is transient.
func (e *Error) Retryable() bool {
	return e.Kind == KindRequestTimeout || e.Kind == KindGatewayError
}

// Systemic reports whether the failure affects every message of the
// instance, as opposed to a single recipient.
func (e *Error) Systemic() bool {
	switch e.Kind {
	case KindInstanceNotFound, KindInstanceNotConnected, KindInvalidAPIKey:
		return true
	}
	return false
}

// KindOf returns the kind of a gateway error, or "" for any other error.
func KindOf(err error) Kind {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Kind
	}
	return ""
}

// IsRetryable reports whether err is a transient gateway error.
func IsRetryable(err error) bool {
	var ge *Error
	return errors.As(err, &ge) && ge.Retryable()
}

// IsSystemic reports whether err is a gateway error affecting the whole
// instance.
func IsSystemic(err error) bool {
	var ge *Error
	return errors.As(err, &ge) && ge.Systemic()
}

// providerError is the error envelope of the gateway. response.message is
// either a single string or an array mixing strings and number checks.
type providerError struct {
	Response struct {
		Message json.RawMessage `json:"message"`
	} `json:"response"`
}

type numberCheck struct {
	Exists *bool  `json:"exists"`
	Number string `json:"number"`
}

// closedSessionMessages are the messages the gateway answers with when the
// WhatsApp session of the instance is down.
var closedSessionMessages = map[string]bool{
	"connection closed":        true,
	"error: connection closed": true,
	"instance not connected":   true,
}

// decodeProviderError returns the texts and number checks of a gateway error
// body. Bodies that are not the gateway envelope yield nothing.
func decodeProviderError(body []byte) (texts []string, checks []numberCheck) {
	var pe providerError
	if err := json.Unmarshal(body, &pe); err != nil || len(pe.Response.Message) == 0 {
		return nil, nil
	}
	var single string
	if err := json.Unmarshal(pe.Response.Message, &single); err == nil {
		return []string{single}, nil
	}
	var items []json.RawMessage
	if err := json.Unmarshal(pe.Response.Message, &items); err != nil {
		return nil, nil
	}
	for _, item := range items {
		var text string
		if err := json.Unmarshal(item, &text); err == nil {
			texts = append(texts, text)
			continue
		}
		var nc numberCheck
		if err := json.Unmarshal(item, &nc); err == nil && nc.Exists != nil {
			checks = append(checks, nc)
		}
	}
	return texts, checks
}

// classifyResponse maps a non-2xx response to an Error from its status and
// the decoded gateway envelope.
func classifyResponse(status int, body []byte) *Error {
	e := &Error{StatusCode: status, Message: strings.TrimSpace(string(body))}
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		e.Kind = KindInvalidAPIKey
		return e
	case http.StatusNotFound:
		e.Kind = KindInstanceNotFound
		return e
	}

	texts, checks := decodeProviderError(body)
	for _, nc := range checks {
		if !*nc.Exists {
			e.Kind = KindInvalidPhoneNumber
			return e
		}
	}
	for _, text := range texts {
		if closedSessionMessages[strings.ToLower(strings.TrimSpace(text))] {
			e.Kind = KindInstanceNotConnected
			return e
		}
	}
	if status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout {
		e.Kind = KindRequestTimeout
	} else {
		e.Kind = KindGatewayError
	}
	return e
}

// classifyTransport maps an error raised before a response was read.
func classifyTransport(err error) *Error {
	var ne net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
		return &Error{Kind: KindRequestTimeout, Message: "request timed out", Err: err}
	}
	return &Error{Kind: KindGatewayError, Message: err.Error(), Err: err}
}
