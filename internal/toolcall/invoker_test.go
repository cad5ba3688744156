// ABOUTME: Tests for the tool HTTP invoker
// ABOUTME: Covers placement rules, error normalization, and response parsing

package toolcall

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type capturedRequest struct {
	method      string
	path        string
	rawQuery    string
	body        string
	contentType string
	header      http.Header
}

func newCaptureServer(t *testing.T, status int, respBody string) (*httptest.Server, *capturedRequest) {
	t.Helper()
	captured := &capturedRequest{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		captured.method = r.Method
		captured.path = r.URL.Path
		captured.rawQuery = r.URL.RawQuery
		captured.body = string(body)
		captured.contentType = r.Header.Get("Content-Type")
		captured.header = r.Header.Clone()
		w.WriteHeader(status)
		_, _ = io.WriteString(w, respBody)
	}))
	t.Cleanup(srv.Close)
	return srv, captured
}

func TestInvoke_RoutePlacement(t *testing.T) {
	srv, captured := newCaptureServer(t, http.StatusOK, `{"ok":true}`)
	inv := NewInvoker(srv.Client(), nil)

	res := inv.Invoke(context.Background(), "GET", srv.URL+"/x/{id}", map[string]any{"id": "42"}, PlacementRoute, nil)

	require.False(t, res.Failed(), res.Error)
	assert.Equal(t, http.MethodGet, captured.method)
	assert.Equal(t, "/x/42", captured.path)
	assert.Empty(t, captured.rawQuery)
	assert.Equal(t, map[string]any{"ok": true}, res.Value)
}

func TestInvoke_RoutePlacement_MissingParam(t *testing.T) {
	srv, _ := newCaptureServer(t, http.StatusOK, `{}`)
	inv := NewInvoker(srv.Client(), nil)

	res := inv.Invoke(context.Background(), "GET", srv.URL+"/x/{id}", map[string]any{}, PlacementRoute, nil)

	assert.True(t, res.Failed())
	assert.Contains(t, res.Error, "id")
}

func TestInvoke_QueryPlacementIsDefaultForGet(t *testing.T) {
	srv, captured := newCaptureServer(t, http.StatusOK, `[1,2]`)
	inv := NewInvoker(srv.Client(), nil)

	res := inv.Invoke(context.Background(), "get", srv.URL+"/weather", map[string]any{"city": "NY", "days": float64(3)}, "", nil)

	require.False(t, res.Failed())
	assert.Equal(t, "city=NY&days=3", captured.rawQuery)
	assert.Equal(t, []any{float64(1), float64(2)}, res.Value)
}

func TestInvoke_PostSendsJSONBodyRegardlessOfPlacement(t *testing.T) {
	srv, captured := newCaptureServer(t, http.StatusCreated, `{"id":7}`)
	inv := NewInvoker(srv.Client(), nil)

	res := inv.Invoke(context.Background(), "POST", srv.URL+"/orders", map[string]any{"item": "book"}, PlacementQuery,
		map[string]string{"X-Api-Key": "secret"})

	require.False(t, res.Failed())
	assert.Equal(t, http.MethodPost, captured.method)
	assert.Empty(t, captured.rawQuery)
	assert.Equal(t, "application/json", captured.contentType)
	assert.JSONEq(t, `{"item":"book"}`, captured.body)
	assert.Equal(t, "secret", captured.header.Get("X-Api-Key"))
}

func TestInvoke_UnsupportedMethod(t *testing.T) {
	inv := NewInvoker(nil, nil)

	res := inv.Invoke(context.Background(), "DELETE", "http://example.invalid", nil, PlacementQuery, nil)

	assert.True(t, res.Failed())
	assert.Contains(t, res.Error, ErrUnsupportedMethod.Error())
}

func TestInvoke_NonSuccessStatusBecomesErrorResult(t *testing.T) {
	srv, _ := newCaptureServer(t, http.StatusNotFound, `missing`)
	inv := NewInvoker(srv.Client(), nil)

	res := inv.Invoke(context.Background(), "GET", srv.URL+"/nope", nil, PlacementQuery, nil)

	assert.True(t, res.Failed())
	assert.Contains(t, res.Error, "404 Client Error")
}

func TestInvoke_TransportFailureBecomesErrorResult(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	inv := NewInvoker(nil, nil)
	res := inv.Invoke(context.Background(), "GET", url, nil, PlacementQuery, nil)

	assert.True(t, res.Failed())
}

func TestInvoke_NonJSONBodyReturnedAsText(t *testing.T) {
	srv, _ := newCaptureServer(t, http.StatusOK, "plain words")
	inv := NewInvoker(srv.Client(), nil)

	res := inv.Invoke(context.Background(), "GET", srv.URL, nil, PlacementQuery, nil)

	require.False(t, res.Failed())
	assert.Equal(t, "plain words", res.Value)
}

func TestResult_MarshalJSON(t *testing.T) {
	b, err := json.Marshal(Result{Error: "boom"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"error":"boom"}`, string(b))

	b, err = json.Marshal(Result{Value: map[string]any{"temp": float64(20)}})
	require.NoError(t, err)
	assert.JSONEq(t, `{"temp":20}`, string(b))
}
