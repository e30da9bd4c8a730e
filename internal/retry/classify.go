package retry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"regexp"
	"strings"

	"github.com/raphaelgruber/knowhow-ingest/internal/models"
)

// statusPattern matches a bare 429 or 503, not digits inside addresses or ports.
var statusPattern = regexp.MustCompile(`(?:^|[^\w.:])(?:429|503)(?:$|[^\w.:])`)

// ClassifiedError is a collaborator failure that already knows its classification.
type ClassifiedError struct {
	Class  models.ErrorClass
	Detail map[string]any
	Err    error
}

func (e *ClassifiedError) Error() string {
	if e.Err == nil {
		return string(e.Class)
	}
	return fmt.Sprintf("%s: %v", e.Class, e.Err)
}

func (e *ClassifiedError) Unwrap() error {
	return e.Err
}

// Classified wraps err with a classification.
func Classified(class models.ErrorClass, err error) *ClassifiedError {
	return &ClassifiedError{Class: class, Err: err}
}

// Classify maps a collaborator error to one of the known classifications.
// Explicit classifications win, then timeouts, then string heuristics.
func Classify(err error) models.ErrorClass {
	if err == nil {
		return models.ErrorOther
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) && ce.Class.Valid() {
		return ce.Class
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return models.ErrorTimeout
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return models.ErrorTimeout
		}
		return models.ErrorNetwork
	}

	msg := strings.ToLower(err.Error())
	switch {
	case statusPattern.MatchString(msg),
		containsAny(msg, "too many requests", "rate limit", "service unavailable"):
		return models.ErrorRateLimit
	case containsAny(msg, "timeout", "deadline exceeded", "timed out"):
		return models.ErrorTimeout
	case containsAny(msg, "connection", "network", "reset by peer", "broken pipe",
		"no such host", "unexpected eof", "tls handshake"):
		return models.ErrorNetwork
	case containsAny(msg, "parse", "decode", "unmarshal", "invalid character", "malformed"):
		return models.ErrorParse
	}
	return models.ErrorOther
}

// Detail builds the structured error payload stored on the item.
func Detail(err error, attempt int) map[string]any {
	detail := map[string]any{"attempt": attempt}
	if err != nil {
		detail["message"] = err.Error()
	}
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		for k, v := range ce.Detail {
			detail[k] = v
		}
	}
	return detail
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
