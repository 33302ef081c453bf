package openai

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

	"proctorcall/internal/ports"
)

// Config controls the realtime session endpoints.
type Config struct {
	APIKey       string
	APIBaseURL   string
	Model        string
	Voice        string
	Instructions string
	HTTPClient   *http.Client
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.APIBaseURL) == "" {
		c.APIBaseURL = "https://api.openai.com/v1"
	}
	c.APIBaseURL = strings.TrimRight(strings.TrimSpace(c.APIBaseURL), "/")
	if c.Model == "" {
		c.Model = "gpt-4o-realtime-preview"
	}
	if c.Voice == "" {
		c.Voice = "alloy"
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: 15 * time.Second}
	}
	return c
}

// SessionIssuer mints ephemeral client secrets for realtime sessions.
type SessionIssuer struct {
	cfg Config
}

func NewSessionIssuer(cfg Config) *SessionIssuer {
	return &SessionIssuer{cfg: cfg.withDefaults()}
}

type sessionRequest struct {
	Model        string   `json:"model"`
	Voice        string   `json:"voice,omitempty"`
	Modalities   []string `json:"modalities"`
	Instructions string   `json:"instructions,omitempty"`
}

type sessionResponse struct {
	Model        string `json:"model"`
	ClientSecret struct {
		Value     string `json:"value"`
		ExpiresAt int64  `json:"expires_at"`
	} `json:"client_secret"`
}

func (i *SessionIssuer) Issue(ctx context.Context) (ports.Credential, error) {
	if strings.TrimSpace(i.cfg.APIKey) == "" {
		return ports.Credential{}, errors.New("OPENAI_API_KEY is not configured")
	}

	body, err := json.Marshal(sessionRequest{
		Model:        i.cfg.Model,
		Voice:        i.cfg.Voice,
		Modalities:   []string{"audio", "text"},
		Instructions: i.cfg.Instructions,
	})
	if err != nil {
		return ports.Credential{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, i.cfg.APIBaseURL+"/realtime/sessions", bytes.NewReader(body))
	if err != nil {
		return ports.Credential{}, fmt.Errorf("invalid realtime session URL: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+i.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := i.cfg.HTTPClient.Do(req)
	if err != nil {
		return ports.Credential{}, fmt.Errorf("realtime session request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return ports.Credential{}, fmt.Errorf("realtime session request failed: %s: %s", resp.Status, strings.TrimSpace(string(detail)))
	}

	var decoded sessionResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return ports.Credential{}, fmt.Errorf("invalid realtime session response: %w", err)
	}
	if decoded.ClientSecret.Value == "" {
		return ports.Credential{}, errors.New("realtime session response did not include a client secret")
	}

	cred := ports.Credential{Token: decoded.ClientSecret.Value, Model: decoded.Model}
	if cred.Model == "" {
		cred.Model = i.cfg.Model
	}
	if decoded.ClientSecret.ExpiresAt > 0 {
		cred.ExpiresAt = time.Unix(decoded.ClientSecret.ExpiresAt, 0)
	}
	return cred, nil
}
