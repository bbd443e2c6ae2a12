package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/conveyr/conveyr/internal/domain"
	"golang.org/x/oauth2/clientcredentials"
)

// HTTPRunner executes Http steps. Supported methods are GET, POST and PUT;
// auth covers Basic, Bearer and the OAuth2 client-credentials grant.
type HTTPRunner struct {
	client *http.Client
}

func NewHTTPRunner() *HTTPRunner {
	// No global timeout: each step runs under the job-level deadline
	// carried by ctx.
	return &HTTPRunner{client: &http.Client{}}
}

var allowedMethods = map[string]bool{
	http.MethodGet:  true,
	http.MethodPost: true,
	http.MethodPut:  true,
}

func (r *HTTPRunner) Execute(ctx context.Context, step *domain.Step, _ *domain.JobContext) (any, error) {
	cfg := step.HTTP

	method := strings.ToUpper(cfg.Method)
	if !allowedMethods[method] {
		return nil, domain.Errorf(domain.KindValidation, false, "unsupported http method %q", cfg.Method)
	}

	var bodyReader io.Reader
	if cfg.Body != nil {
		bodyReader = strings.NewReader(*cfg.Body)
	}

	req, err := http.NewRequestWithContext(ctx, method, cfg.URL, bodyReader)
	if err != nil {
		return nil, domain.Errorf(domain.KindValidation, false, "build request: %v", err)
	}
	for k, v := range cfg.Headers {
		req.Header.Set(k, v)
	}

	client := r.client
	if cfg.Auth != nil {
		client, err = r.applyAuth(ctx, req, cfg.Auth)
		if err != nil {
			return nil, err
		}
	}

	resp, err := client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, domain.NewError(domain.KindStep, true, fmt.Errorf("do request: %w", err))
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nil, domain.NewError(domain.KindStep, true, fmt.Errorf("read response: %w", err))
	}

	output := map[string]any{
		"status_code": resp.StatusCode,
		"headers":     flattenHeaders(resp.Header),
		"body":        parseBody(raw),
	}

	if err := classifyStatus(resp.StatusCode); err != nil {
		return output, err
	}
	return output, nil
}

// applyAuth mutates the request for basic/bearer, or returns an OAuth2
// token-injecting client for client-credentials.
func (r *HTTPRunner) applyAuth(ctx context.Context, req *http.Request, auth *domain.StepAuth) (*http.Client, error) {
	switch auth.Type {
	case domain.AuthBasic:
		req.SetBasicAuth(auth.Username, auth.Password)
		return r.client, nil
	case domain.AuthBearer:
		req.Header.Set("Authorization", "Bearer "+auth.Token)
		return r.client, nil
	case domain.AuthOAuth2:
		cc := clientcredentials.Config{
			ClientID:     auth.ClientID,
			ClientSecret: auth.ClientSecret,
			TokenURL:     auth.TokenURL,
			Scopes:       auth.Scopes,
		}
		tok, err := cc.Token(ctx)
		if err != nil {
			return nil, domain.NewError(domain.KindStepAuth, false, fmt.Errorf("oauth2 token: %w", err))
		}
		tok.SetAuthHeader(req)
		return r.client, nil
	default:
		return nil, domain.Errorf(domain.KindValidation, false, "unsupported auth type %q", auth.Type)
	}
}

// classifyStatus maps response codes onto the error taxonomy: 401/403 are
// auth failures, other 4xx are non-retryable except 408/429, 5xx retryable.
func classifyStatus(code int) error {
	switch {
	case code < 400:
		return nil
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return domain.Errorf(domain.KindStepAuth, false, "http status %d", code)
	case code == http.StatusRequestTimeout || code == http.StatusTooManyRequests:
		return domain.Errorf(domain.KindStep, true, "http status %d", code)
	case code < 500:
		return domain.Errorf(domain.KindStep, false, "http status %d", code)
	default:
		return domain.Errorf(domain.KindStep, true, "http status %d", code)
	}
}

func flattenHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k := range h {
		out[k] = h.Get(k)
	}
	return out
}

// parseBody decodes JSON responses into a navigable structure so later
// steps can reference fields; anything else stays a string.
func parseBody(raw []byte) any {
	trimmed := strings.TrimSpace(string(raw))
	if strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "[") {
		var v any
		if err := json.Unmarshal(raw, &v); err == nil {
			return v
		}
	}
	return string(raw)
}
