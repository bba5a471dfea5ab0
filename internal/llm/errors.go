package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	"github.com/openai/openai-go"
	"google.golang.org/genai"
)

// ErrorClass buckets backend failures.
type ErrorClass int

const (
	ClassProtocol ErrorClass = iota
	ClassAuthentication
	ClassRateLimit
	ClassNetwork
)

var (
	ErrAuthentication = errors.New("llm: authentication failed")
	ErrRateLimit      = errors.New("llm: rate limited")
	ErrNetwork        = errors.New("llm: network failure")
	ErrProtocol       = errors.New("llm: protocol error")
)

func (c ErrorClass) sentinel() error {
	switch c {
	case ClassAuthentication:
		return ErrAuthentication
	case ClassRateLimit:
		return ErrRateLimit
	case ClassNetwork:
		return ErrNetwork
	}
	return ErrProtocol
}

func (c ErrorClass) String() string {
	return c.sentinel().Error()
}

// BackendError is a classified transport failure. errors.Is matches it
// against the class sentinel.
type BackendError struct {
	Backend    string
	Class      ErrorClass
	StatusCode int
	Err        error
}

func (e *BackendError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: %s (status %d): %v", e.Backend, e.Class.sentinel(), e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Backend, e.Class.sentinel(), e.Err)
}

func (e *BackendError) Unwrap() error { return e.Err }

func (e *BackendError) Is(target error) bool {
	return target == e.Class.sentinel()
}

// Classify wraps err in a BackendError. Context errors and errors that are
// already classified pass through unchanged.
func Classify(backend string, err error) error {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var be *BackendError
	if errors.As(err, &be) {
		return err
	}

	status := statusCode(err)
	class := ClassProtocol
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		class = ClassAuthentication
	case status == http.StatusTooManyRequests:
		class = ClassRateLimit
	case status >= 500:
		class = ClassNetwork
	case status == 0 && isNetworkError(err):
		class = ClassNetwork
	}
	return &BackendError{Backend: backend, Class: class, StatusCode: status, Err: err}
}

func statusCode(err error) int {
	var anthropicErr *anthropic.Error
	if errors.As(err, &anthropicErr) {
		return anthropicErr.StatusCode
	}
	var openaiErr *openai.Error
	if errors.As(err, &openaiErr) {
		return openaiErr.StatusCode
	}
	var genaiErr genai.APIError
	if errors.As(err, &genaiErr) {
		return genaiErr.Code
	}
	var genaiPtr *genai.APIError
	if errors.As(err, &genaiPtr) {
		return genaiPtr.Code
	}
	return 0
}

func isNetworkError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr) || errors.Is(err, io.ErrUnexpectedEOF)
}
