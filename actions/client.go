package actions

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/liamcoop/automations/rules"
)

// maxErrorBody caps how much of a failed response is kept in the error
const maxErrorBody = 512

// jsonClient sends JSON requests to one collaborator service
type jsonClient struct {
	actionType rules.ActionType
	baseURL    *url.URL
	http       *http.Client
}

func newJSONClient(actionType rules.ActionType, baseURL string, client *http.Client) (*jsonClient, error) {
	if client == nil {
		client = http.DefaultClient
	}
	c := &jsonClient{actionType: actionType, http: client}
	if baseURL != "" {
		u, err := url.Parse(baseURL)
		if err != nil {
			return nil, fmt.Errorf("invalid %s base URL %q: %w", actionType, baseURL, err)
		}
		// "messages" must resolve below the base path, not replace its last segment
		if !strings.HasSuffix(u.Path, "/") {
			u.Path += "/"
		}
		c.baseURL = u
	}
	return c, nil
}

// resolve joins a relative target onto the base URL; absolute targets pass through
func (c *jsonClient) resolve(target string) (string, error) {
	u, err := url.Parse(target)
	if err != nil {
		return "", fmt.Errorf("invalid URL %q: %w", target, err)
	}
	if u.IsAbs() {
		return u.String(), nil
	}
	if c.baseURL == nil {
		return "", fmt.Errorf("relative URL %q requires a base URL", target)
	}
	return c.baseURL.ResolveReference(u).String(), nil
}

// do sends body as JSON and decodes a 2xx response into out when out is non-nil.
// Transport failures and non-2xx responses become *rules.ActionTransportError;
// context errors are returned unwrapped so callers can tell a timeout apart.
func (c *jsonClient) do(ctx context.Context, method, target string, headers map[string]string, body, out any) error {
	endpoint, err := c.resolve(target)
	if err != nil {
		return err
	}

	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal %s request body: %w", c.actionType, err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, strings.ToUpper(method), endpoint, reader)
	if err != nil {
		return fmt.Errorf("failed to create %s request: %w", c.actionType, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return &rules.ActionTransportError{ActionType: c.actionType, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &rules.ActionTransportError{
			ActionType: c.actionType,
			StatusCode: resp.StatusCode,
			Err:        errors.New(strings.TrimSpace(string(msg))),
		}
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("failed to decode %s response: %w", c.actionType, err)
		}
	}
	return nil
}

func stringValue(config map[string]any, key string) string {
	s, _ := config[key].(string)
	return s
}

// stringList accepts a single string or a list of strings
func stringList(v any) []string {
	switch val := v.(type) {
	case string:
		if val == "" {
			return nil
		}
		return []string{val}
	case []string:
		return val
	case []any:
		out := make([]string, 0, len(val))
		for _, item := range val {
			if s, ok := item.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func stringMap(v any) map[string]string {
	m, ok := v.(map[string]any)
	if !ok {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, item := range m {
		out[k] = fmt.Sprint(item)
	}
	return out
}
