// ABOUTME: Executes a single HTTP call described by a tool definition
// ABOUTME: All transport and status failures come back as {"error": ...} results, never as Go errors

package toolcall

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"
)

// Placement controls where tool arguments are put on the outgoing request.
type Placement string

const (
	PlacementQuery Placement = "query"
	PlacementRoute Placement = "route"
	PlacementBody  Placement = "body"
)

// ErrUnsupportedMethod is reported for any HTTP method other than GET or POST.
var ErrUnsupportedMethod = errors.New("unsupported HTTP method")

// DefaultTimeout bounds a single tool call when the caller provides no client.
const DefaultTimeout = 30 * time.Second

// maxResponseBytes caps how much of a tool response is read into memory.
const maxResponseBytes = 4 << 20

var routeParam = regexp.MustCompile(`\{(\w+)\}`)

// Result is the outcome of a tool call. It marshals to the parsed response
// (JSON value or raw text) or to {"error": "..."} when the call failed.
type Result struct {
	Value any
	Error string
}

// Failed reports whether the call produced an error result.
func (r Result) Failed() bool {
	return r.Error != ""
}

// MarshalJSON implements json.Marshaler.
func (r Result) MarshalJSON() ([]byte, error) {
	if r.Failed() {
		return json.Marshal(map[string]string{"error": r.Error})
	}
	return json.Marshal(r.Value)
}

func errorResult(err error) Result {
	return Result{Error: err.Error()}
}

// Invoker issues tool HTTP calls.
type Invoker struct {
	client *http.Client
	logger *slog.Logger
}

// NewInvoker creates an Invoker. A nil client gets a default one with DefaultTimeout.
func NewInvoker(client *http.Client, logger *slog.Logger) *Invoker {
	if client == nil {
		client = &http.Client{Timeout: DefaultTimeout}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Invoker{
		client: client,
		logger: logger.With("component", "toolcall"),
	}
}

// Invoke performs the call and normalizes every failure into an error Result.
func (i *Invoker) Invoke(ctx context.Context, method, endpoint string, args map[string]any, placement Placement, headers map[string]string) Result {
	req, err := buildRequest(ctx, strings.ToUpper(method), endpoint, args, placement)
	if err != nil {
		i.logger.Warn("tool request not built", "endpoint", endpoint, "method", method, "error", err)
		return errorResult(err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := i.client.Do(req)
	if err != nil {
		i.logger.Warn("tool call failed", "url", req.URL.String(), "error", err)
		return errorResult(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return errorResult(fmt.Errorf("reading response: %w", err))
	}

	i.logger.Debug("tool call completed",
		"url", req.URL.String(),
		"status", resp.StatusCode,
		"duration", time.Since(start))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Result{Error: statusError(resp, req.URL)}
	}

	return parseBody(body)
}

// buildRequest lays out args according to method and placement.
// POST always sends a JSON body; GET honors route or query placement.
func buildRequest(ctx context.Context, method, endpoint string, args map[string]any, placement Placement) (*http.Request, error) {
	switch method {
	case http.MethodGet:
		target := endpoint
		if placement == PlacementRoute {
			expanded, err := expandRoute(endpoint, args)
			if err != nil {
				return nil, err
			}
			return http.NewRequestWithContext(ctx, http.MethodGet, expanded, nil)
		}
		u, err := url.Parse(target)
		if err != nil {
			return nil, fmt.Errorf("parsing endpoint: %w", err)
		}
		q := u.Query()
		for k, v := range args {
			addQueryValue(q, k, v)
		}
		u.RawQuery = q.Encode()
		return http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)

	case http.MethodPost:
		if args == nil {
			args = map[string]any{}
		}
		payload, err := json.Marshal(args)
		if err != nil {
			return nil, fmt.Errorf("encoding body: %w", err)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		return req, nil

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedMethod, method)
	}
}

// expandRoute substitutes {name} placeholders from args.
func expandRoute(endpoint string, args map[string]any) (string, error) {
	var missing []string
	expanded := routeParam.ReplaceAllStringFunc(endpoint, func(match string) string {
		name := match[1 : len(match)-1]
		v, ok := args[name]
		if !ok {
			missing = append(missing, name)
			return match
		}
		return url.PathEscape(formatValue(v))
	})
	if len(missing) > 0 {
		return "", fmt.Errorf("missing route parameter(s): %s", strings.Join(missing, ", "))
	}
	return expanded, nil
}

func addQueryValue(q url.Values, key string, v any) {
	if list, ok := v.([]any); ok {
		for _, item := range list {
			q.Add(key, formatValue(item))
		}
		return
	}
	q.Add(key, formatValue(v))
}

// formatValue renders a JSON-decoded scalar the way it appears in a URL.
func formatValue(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case float64, bool, int, int64, json.Number:
		return fmt.Sprint(val)
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprint(val)
		}
		return string(b)
	}
}

func statusError(resp *http.Response, u *url.URL) string {
	kind := "Server Error"
	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		kind = "Client Error"
	}
	return fmt.Sprintf("%d %s: %s for url: %s", resp.StatusCode, kind, http.StatusText(resp.StatusCode), u.String())
}

// parseBody returns structured JSON when the body is valid JSON, else the raw text.
func parseBody(body []byte) Result {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 && json.Valid(trimmed) {
		var v any
		if err := json.Unmarshal(trimmed, &v); err == nil {
			return Result{Value: v}
		}
	}
	return Result{Value: string(body)}
}
