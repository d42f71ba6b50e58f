// Package classify maps upstream failures from either Azure OpenAI surface onto an ErrorKind.
//
// Classify is a pure function over a normalized (status, body) pair. FromError turns the
// error values produced by the surface clients (go-openai errors, StatusError, transport
// errors) into that pair first, so the mapping rules live in one place.
package classify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/sashabaranov/go-openai"
	"github.com/tidwall/gjson"

	"github.com/tkhongsap/line-bot-connect/internal/types"
)

const maxDetailLength = 200

// Classification is the normalized view of one failed call or probe
type Classification struct {
	Kind    types.ErrorKind
	Status  int
	Code    string
	Message string

	// Transport is set when no HTTP response was received (timeout, DNS, reset, cancellation)
	Transport bool
	// Canceled is set when the caller's context was canceled
	Canceled bool
	// ServerError is set for 5xx responses classified Unknown
	ServerError bool
	// RequestRejected is set for 4xx responses specific to the request (validation, content filter)
	RequestRejected bool
}

// OK reports whether the classification describes a success
func (c Classification) OK() bool {
	return c.Kind == types.ErrorKindNone
}

// Detail is a short human-readable description for logs and verdicts
func (c Classification) Detail() string {
	switch {
	case c.Code != "" && c.Message != "":
		return c.Code + ": " + c.Message
	case c.Message != "":
		return c.Message
	case c.Status != 0:
		return "status " + strconv.Itoa(c.Status)
	}
	return ""
}

var (
	notFoundCodes   = []string{"deploymentnotfound", "resourcenotfound", "notfound", "model_not_found"}
	notFoundPhrases = []string{"resource not found", "does not exist"}

	notEnabledCodes   = []string{"operationnotsupported", "featurenotenabled", "apinotenabled", "unsupportedapiversion"}
	notEnabledPhrases = []string{
		"not enabled",
		"enabled only for",
		"api version not supported",
		"api version is not supported",
		"unsupported api version",
		"not available in this region",
		"not supported for this resource",
	}

	quotaCodes   = []string{"insufficient_quota", "quotaexceeded", "rate_limit_exceeded", "429"}
	quotaPhrases = []string{"quota", "rate limit"}
)

// Classify maps an HTTP status and error body to a Classification. Rules are applied in
// order and the first match wins.
func Classify(status int, body []byte) Classification {
	c := Classification{Status: status}
	if status >= 200 && status < 300 {
		return c
	}

	c.Code, c.Message = extractError(body)
	code := strings.ToLower(c.Code)
	message := strings.ToLower(c.Message)

	switch {
	case status == 404 || matchesAny(code, notFoundCodes) || containsAny(message, notFoundPhrases):
		c.Kind = types.ErrorKindNotFound
	case matchesAny(code, notEnabledCodes) || containsAny(message, notEnabledPhrases):
		c.Kind = types.ErrorKindNotEnabled
	case status == 401 || status == 403:
		c.Kind = types.ErrorKindUnauthenticated
	case status == 429 || matchesAny(code, quotaCodes) || containsAny(message, quotaPhrases):
		c.Kind = types.ErrorKindQuotaExceeded
	default:
		c.Kind = types.ErrorKindUnknown
		c.ServerError = status >= 500
		c.RequestRejected = status >= 400 && status < 500
	}

	return c
}

// FromError classifies an error returned by a surface client. A nil error is a success.
func FromError(err error) Classification {
	if err == nil {
		return Classification{}
	}

	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return Classify(statusErr.StatusCode, statusErr.Body)
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return Classify(apiErr.HTTPStatusCode, synthesizeBody(apiErr.Code, apiErr.Message, apiErr.Type))
	}

	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) && reqErr.HTTPStatusCode != 0 {
		message := ""
		if reqErr.Err != nil {
			message = reqErr.Err.Error()
		}
		return Classify(reqErr.HTTPStatusCode, synthesizeBody(nil, message, ""))
	}

	c := Classification{Kind: types.ErrorKindUnknown, Message: truncate(err.Error())}
	switch {
	case errors.Is(err, context.Canceled):
		c.Transport = true
		c.Canceled = true
	case errors.Is(err, context.DeadlineExceeded):
		c.Transport = true
	default:
		var netErr net.Error
		var urlErr *url.Error
		if errors.As(err, &netErr) || errors.As(err, &urlErr) {
			c.Transport = true
		}
	}
	return c
}

// StatusError is returned by clients that talk HTTP directly when the upstream answers
// with a non-2xx status.
type StatusError struct {
	StatusCode int
	Body       []byte
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream returned status %d: %s", e.StatusCode, truncate(string(e.Body)))
}

// extractError pulls the code and message out of the payload shapes Azure and OpenAI use:
// {"error":{"code","message","innererror":{"code"}}}, {"error":"..."} and {"code","message"}.
func extractError(body []byte) (code, message string) {
	if len(body) == 0 {
		return "", ""
	}
	if !gjson.ValidBytes(body) {
		return "", truncate(strings.TrimSpace(string(body)))
	}

	errField := gjson.GetBytes(body, "error")
	if errField.Type == gjson.String {
		message = errField.String()
	} else if errField.IsObject() {
		code = errField.Get("code").String()
		message = errField.Get("message").String()
		if code == "" {
			code = errField.Get("innererror.code").String()
		}
	}

	if code == "" {
		code = gjson.GetBytes(body, "code").String()
	}
	if message == "" {
		message = gjson.GetBytes(body, "message").String()
	}
	return code, truncate(message)
}

func synthesizeBody(code any, message, errType string) []byte {
	payload := map[string]any{
		"error": map[string]any{
			"code":    code,
			"message": message,
			"type":    errType,
		},
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil
	}
	return data
}

func matchesAny(value string, candidates []string) bool {
	if value == "" {
		return false
	}
	for _, candidate := range candidates {
		if value == candidate {
			return true
		}
	}
	return false
}

func containsAny(value string, phrases []string) bool {
	if value == "" {
		return false
	}
	for _, phrase := range phrases {
		if strings.Contains(value, phrase) {
			return true
		}
	}
	return false
}

// truncate cuts s to at most maxDetailLength bytes on a rune boundary
func truncate(s string) string {
	if len(s) <= maxDetailLength {
		return s
	}
	cut := maxDetailLength
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
