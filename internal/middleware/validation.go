package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/getkin/kin-openapi/openapi3filter"
	"github.com/getkin/kin-openapi/routers"
	"github.com/getkin/kin-openapi/routers/gorillamux"
	"github.com/sirupsen/logrus"
)

// ValidationMiddleware checks requests against the OpenAPI document
type ValidationMiddleware struct {
	router  routers.Router
	logger  *logrus.Logger
	enabled bool
}

// ValidationConfig configures the validation middleware
type ValidationConfig struct {
	Enabled bool `yaml:"enabled"`
}

// NewValidationMiddleware parses spec and builds the route matcher. A nil or
// disabled config yields a pass-through middleware.
func NewValidationMiddleware(config *ValidationConfig, spec []byte, logger *logrus.Logger) (*ValidationMiddleware, error) {
	vm := &ValidationMiddleware{logger: logger}
	if config == nil || !config.Enabled {
		logger.Info("API validation middleware disabled")
		return vm, nil
	}

	if err := vm.loadOpenAPISpec(spec); err != nil {
		return nil, fmt.Errorf("failed to load OpenAPI spec: %w", err)
	}
	vm.enabled = true

	logger.Info("API validation middleware enabled")
	return vm, nil
}

func (vm *ValidationMiddleware) loadOpenAPISpec(spec []byte) error {
	loader := openapi3.NewLoader()
	doc, err := loader.LoadFromData(spec)
	if err != nil {
		return err
	}

	if err := doc.Validate(context.Background()); err != nil {
		return fmt.Errorf("invalid OpenAPI spec: %w", err)
	}

	router, err := gorillamux.NewRouter(doc)
	if err != nil {
		return fmt.Errorf("failed to create OpenAPI router: %w", err)
	}

	vm.router = router
	return nil
}

// Middleware returns the HTTP middleware function
func (vm *ValidationMiddleware) Middleware(next http.Handler) http.Handler {
	if !vm.enabled {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := vm.validateRequest(r); err != nil {
			vm.logger.WithError(err).WithFields(logrus.Fields{
				"method":     r.Method,
				"path":       r.URL.Path,
				"request_id": RequestIDFrom(r.Context()),
			}).Warn("Request validation failed")

			writeValidationError(w, err)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (vm *ValidationMiddleware) validateRequest(r *http.Request) error {
	route, pathParams, err := vm.router.FindRoute(r)
	if err != nil {
		// undocumented routes are left to the mux
		if errors.Is(err, routers.ErrPathNotFound) || errors.Is(err, routers.ErrMethodNotAllowed) {
			return nil
		}
		return fmt.Errorf("route lookup failed: %w", err)
	}

	var body []byte
	if r.Body != nil {
		body, err = io.ReadAll(r.Body)
		if err != nil {
			return fmt.Errorf("failed to read request body: %w", err)
		}
		r.Body.Close()
	}

	input := &openapi3filter.RequestValidationInput{
		Request:    r.Clone(r.Context()),
		PathParams: pathParams,
		Route:      route,
		Options: &openapi3filter.Options{
			// credentials are checked by the auth middleware
			AuthenticationFunc: openapi3filter.NoopAuthenticationFunc,
		},
	}
	input.Request.Body = io.NopCloser(bytes.NewReader(body))

	// restore the body for downstream handlers
	r.Body = io.NopCloser(bytes.NewReader(body))

	if err := openapi3filter.ValidateRequest(r.Context(), input); err != nil {
		return fmt.Errorf("request validation failed: %w", err)
	}
	return nil
}

func writeValidationError(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadRequest)

	detail := parseValidationError(err)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"error": map[string]interface{}{
			"message": detail.Message,
			"type":    "validation_error",
			"code":    http.StatusBadRequest,
			"details": detail.Details,
		},
		"timestamp": time.Now().Unix(),
	})
}

// ValidationErrorDetail contains parsed validation error information
type ValidationErrorDetail struct {
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func parseValidationError(err error) *ValidationErrorDetail {
	detail := &ValidationErrorDetail{
		Message: "Request validation failed",
		Details: make(map[string]interface{}),
	}

	var reqErr *openapi3filter.RequestError
	if errors.As(err, &reqErr) {
		switch {
		case reqErr.Parameter != nil:
			detail.Message = "Invalid parameter"
			detail.Details["parameter"] = reqErr.Parameter.Name
		case reqErr.RequestBody != nil:
			detail.Message = "Invalid request body"
			detail.Details["field"] = "request body"
		}
		if reqErr.Err != nil {
			detail.Details["error"] = reqErr.Err.Error()
		}
		return detail
	}

	msg := err.Error()
	switch {
	case strings.Contains(msg, "required"):
		detail.Message = "Missing required field"
	case strings.Contains(msg, "enum"):
		detail.Message = "Invalid enum value"
	}
	detail.Details["error"] = msg
	return detail
}
