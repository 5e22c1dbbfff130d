package edi

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/ehr/claimsedi/internal/domain/claim"
	"github.com/ehr/claimsedi/internal/platform/secrets"
)

const (
	apiSubmitTimeout = 30 * time.Second
	submitPath       = "/api/claims/837d"
	healthPath       = "/api/health"
	maxResponseBody  = 64 << 10
	userAgent        = "claimsedi/1.0"
)

type apiParams struct {
	Endpoint string `validate:"required,url"`
}

// APITransport posts claims to payer REST endpoints.
type APITransport struct {
	client   *http.Client
	cipher   secrets.SecretCipher
	validate *validator.Validate
	logger   zerolog.Logger
}

// NewAPITransport returns a transport using client, or a default client when
// nil. Timeouts come from the request context.
func NewAPITransport(client *http.Client, cipher secrets.SecretCipher, logger zerolog.Logger) *APITransport {
	if client == nil {
		client = &http.Client{}
	}
	return &APITransport{
		client:   client,
		cipher:   cipher,
		validate: validator.New(),
		logger:   logger.With().Str("channel", "api").Logger(),
	}
}

func (t *APITransport) endpoint(plan *claim.InsurancePlan) (string, error) {
	base := strings.TrimSpace(plan.APIEndpoint)
	if err := t.validate.Struct(apiParams{Endpoint: base}); err != nil {
		return "", validationError("api", err)
	}
	return strings.TrimRight(base, "/"), nil
}

// authorize attaches the payer's API key, if one is configured.
func (t *APITransport) authorize(req *http.Request, plan *claim.InsurancePlan) error {
	if plan.APIKeyEncrypted == "" {
		return nil
	}
	key, err := t.cipher.Decrypt(plan.APIKeyEncrypted)
	if err != nil {
		return &ConfigurationError{Reason: fmt.Sprintf("decrypt api key for payer %s: %v", plan.PayerName, err)}
	}
	switch plan.AuthType() {
	case claim.AuthAPIKey:
		req.Header.Set("X-API-Key", key)
	default:
		req.Header.Set("Authorization", "Bearer "+key)
	}
	return nil
}

// Submit posts payload to {endpoint}/api/claims/837d. Non-2xx responses are
// returned as a TransportError carrying the status and body.
func (t *APITransport) Submit(ctx context.Context, payload *ClaimPayload, plan *claim.InsurancePlan) (*APIResponse, error) {
	base, err := t.endpoint(plan)
	if err != nil {
		return nil, err
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal claim payload: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, apiSubmitTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+submitPath, bytes.NewReader(body))
	if err != nil {
		return nil, &TransportError{Channel: "api", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)
	if err := t.authorize(req, plan); err != nil {
		return nil, err
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, &TransportError{Channel: "api", Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, &TransportError{Channel: "api", Err: fmt.Errorf("read response: %w", err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &TransportError{Channel: "api", StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	var out APIResponse
	if len(bytes.TrimSpace(respBody)) > 0 {
		if err := json.Unmarshal(respBody, &out); err != nil {
			return nil, &TransportError{Channel: "api", Err: fmt.Errorf("decode response: %w", err)}
		}
	}

	t.logger.Info().
		Str("claim_number", payload.ClaimNumber).
		Int("status", resp.StatusCode).
		Bool("accepted", out.Success).
		Str("tracking_id", out.TrackingID).
		Msg("claim posted")
	return &out, nil
}

// TestConnection sends GET {endpoint}/api/health with a 10 second budget and
// reports whether the status was 2xx.
func (t *APITransport) TestConnection(ctx context.Context, plan *claim.InsurancePlan) bool {
	base, err := t.endpoint(plan)
	if err != nil {
		t.logger.Warn().Err(err).Str("payer", plan.PayerName).Msg("api probe not attempted")
		return false
	}

	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+healthPath, nil)
	if err != nil {
		return false
	}
	req.Header.Set("User-Agent", userAgent)
	if err := t.authorize(req, plan); err != nil {
		t.logger.Warn().Err(err).Str("payer", plan.PayerName).Msg("api probe not attempted")
		return false
	}

	resp, err := t.client.Do(req)
	if err != nil {
		t.logger.Warn().Err(err).Str("payer", plan.PayerName).Msg("api probe failed")
		return false
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBody))

	return resp.StatusCode >= 200 && resp.StatusCode < 300
}
