package envinject

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

type loginCandidate struct {
	path string
	// userField carries the login email: "email" or "username".
	userField string
}

var loginCandidates = []loginCandidate{
	{"/api/v1/auth/login", "email"},
	{"/api/v1/auth/token", "username"},
	{"/api/auth/login", "email"},
	{"/api/auth/token", "username"},
	{"/auth/login", "email"},
	{"/api/token", "username"},
}

// Login tries the common login endpoints in order and returns the first
// token found. Every failure is swallowed; ok is false when none worked.
func (i *Injector) Login(ctx context.Context, backendURL, email, password string) (token string, ok bool) {
	base := strings.TrimRight(backendURL, "/")
	for _, c := range loginCandidates {
		tok, err := i.tryLogin(ctx, base+c.path, map[string]string{c.userField: email, "password": password})
		if err != nil {
			i.Logger.Debug("login attempt failed", "url", base+c.path, "error", err)
			continue
		}
		if tok != "" {
			i.Logger.Info("auth token obtained", "url", base+c.path)
			return tok, true
		}
	}
	return "", false
}

func (i *Injector) tryLogin(ctx context.Context, url string, body map[string]string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, i.LoginTimeout)
	defer cancel()

	payload, err := json.Marshal(body)
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := i.Client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		io.Copy(io.Discard, resp.Body)
		return "", fmt.Errorf("status %d", resp.StatusCode)
	}

	var data map[string]any
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&data); err != nil {
		return "", err
	}
	return extractToken(data), nil
}

// extractToken recognizes access_token, token, accessToken,
// data.access_token and tokens.access.
func extractToken(data map[string]any) string {
	for _, key := range []string{"access_token", "token", "accessToken"} {
		if s := stringField(data, key); s != "" {
			return s
		}
	}
	if nested, ok := data["data"].(map[string]any); ok {
		if s := stringField(nested, "access_token"); s != "" {
			return s
		}
	}
	if nested, ok := data["tokens"].(map[string]any); ok {
		if s := stringField(nested, "access"); s != "" {
			return s
		}
	}
	return ""
}

func stringField(m map[string]any, key string) string {
	switch v := m[key].(type) {
	case string:
		return v
	case nil:
		return ""
	case map[string]any, []any:
		return ""
	default:
		return fmt.Sprint(v)
	}
}
