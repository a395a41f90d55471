package credentials

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// IssueRequest is posted to the issuance backend.
type IssueRequest struct {
	SubjectID   string `json:"subjectId"`
	Email       string `json:"email"`
	AccessToken string `json:"accessToken"`
}

// IssueResponse is the backend's answer. On failure UserExists tells an
// already issued credential apart from other errors.
type IssueResponse struct {
	Success         bool   `json:"success"`
	AccessKeyID     string `json:"accessKeyId,omitempty"`
	SecretKey       string `json:"secretKey,omitempty"`
	Region          string `json:"region,omitempty"`
	ServiceUsername string `json:"serviceUsername,omitempty"`
	Bucket          string `json:"bucket,omitempty"`
	Prefix          string `json:"prefix,omitempty"`
	UserExists      bool   `json:"userExists,omitempty"`
	Error           string `json:"error,omitempty"`
}

// Issuer mints service credentials.
type Issuer interface {
	Issue(ctx context.Context, req IssueRequest) (*IssueResponse, error)
}

// HTTPIssuer calls the issuance function over HTTPS.
type HTTPIssuer struct {
	url    string
	client *http.Client
}

func NewHTTPIssuer(url string, timeout time.Duration) *HTTPIssuer {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPIssuer{url: url, client: &http.Client{Timeout: timeout}}
}

func (i *HTTPIssuer) Issue(ctx context.Context, in IssueRequest) (*IssueResponse, error) {
	payload, err := json.Marshal(in)
	if err != nil {
		return nil, fmt.Errorf("failed to encode issuance request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, i.url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create issuance request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+in.AccessToken)

	resp, err := i.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("issuance request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read issuance response: %w", err)
	}

	var out IssueResponse
	if err := json.Unmarshal(body, &out); err != nil {
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("issuance failed with status %d: %s", resp.StatusCode, string(body))
		}
		return nil, fmt.Errorf("failed to parse issuance response: %w", err)
	}
	// Error statuses with a structured body (e.g. 409 userExists) are
	// answers, not transport failures.
	if resp.StatusCode != http.StatusOK && out.Success {
		return nil, fmt.Errorf("issuance failed with status %d", resp.StatusCode)
	}
	return &out, nil
}

var _ Issuer = (*HTTPIssuer)(nil)
