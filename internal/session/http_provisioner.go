package session

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/prohmpiriya/school-tenancy/internal/apperr"
	"github.com/prohmpiriya/school-tenancy/internal/dto"
	"github.com/prohmpiriya/school-tenancy/pkg/response"
)

// HTTPProvisioner implements Provisioner against a remote POST /auth/signup
type HTTPProvisioner struct {
	baseURL    string
	httpClient *http.Client
}

// NewHTTPProvisioner creates a provisioner for the tenant service at baseURL
func NewHTTPProvisioner(baseURL string) *HTTPProvisioner {
	return &HTTPProvisioner{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: DefaultBindTimeout,
		},
	}
}

// WithHTTPClient replaces the underlying client
func (p *HTTPProvisioner) WithHTTPClient(c *http.Client) *HTTPProvisioner {
	p.httpClient = c
	return p
}

// Signup posts req and maps the error envelope back onto apperr kinds
func (p *HTTPProvisioner) Signup(ctx context.Context, req *dto.SignupRequest) (*dto.SignupResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode signup: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/auth/signup", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		var timeout interface{ Timeout() bool }
		if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &timeout) && timeout.Timeout()) {
			return nil, &apperr.TransientError{Op: "signup", Err: err}
		}
		return nil, fmt.Errorf("failed to reach tenant service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusCreated || resp.StatusCode == http.StatusOK {
		var out dto.SignupResponse
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return nil, fmt.Errorf("failed to decode response: %w", err)
		}
		return &out, nil
	}

	var envelope response.Response
	_ = json.NewDecoder(resp.Body).Decode(&envelope)
	info := envelope.Error
	if info == nil {
		info = &response.ErrorInfo{Message: fmt.Sprintf("tenant service returned status %d", resp.StatusCode)}
	}
	return nil, errorFromEnvelope(resp.StatusCode, info)
}

func errorFromEnvelope(status int, info *response.ErrorInfo) error {
	switch status {
	case http.StatusBadRequest:
		fields := make([]string, 0, len(info.Details))
		for f := range info.Details {
			fields = append(fields, f)
		}
		sort.Strings(fields)
		ve := apperr.NewValidationError()
		for _, f := range fields {
			ve.Fields = append(ve.Fields, apperr.FieldError{Field: f, Message: info.Details[f]})
		}
		if len(ve.Fields) == 0 {
			ve.Fields = append(ve.Fields, apperr.FieldError{Field: "request", Message: info.Message})
		}
		return ve
	case http.StatusConflict:
		return apperr.NewConflictError(response.ConflictField(info.Code), info.Message)
	case http.StatusForbidden:
		return apperr.NewAccessDenied("%s", info.Message)
	case http.StatusServiceUnavailable, http.StatusTooManyRequests, http.StatusGatewayTimeout:
		return &apperr.TransientError{Op: "signup", Err: errors.New(info.Message)}
	}
	return errors.New(info.Message)
}
