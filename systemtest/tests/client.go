package tests

import (
	"bytes"
	"encoding/json"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
)

// Client drives the router the way an agent or the operator UI would.
type Client struct {
	router *gin.Engine
	apiKey string
}

func NewClient(router *gin.Engine, apiKey string) *Client {
	return &Client{router: router, apiKey: apiKey}
}

func (c *Client) do(method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	var b []byte
	if body != nil {
		b, _ = json.Marshal(body)
	}
	req := httptest.NewRequest(method, path, bytes.NewReader(b))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	c.router.ServeHTTP(rr, req)
	return rr
}

// Operator calls the /api surface with the API key.
func (c *Client) Operator(method, path string, body any) *httptest.ResponseRecorder {
	return c.do(method, path, body, map[string]string{"X-API-Key": c.apiKey})
}

// Agent calls the /agent surface with a bearer token. An empty token sends
// no Authorization header.
func (c *Client) Agent(method, path string, body any, token string) *httptest.ResponseRecorder {
	headers := map[string]string{}
	if token != "" {
		headers["Authorization"] = "Bearer " + token
	}
	return c.do(method, path, body, headers)
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &v), rr.Body.String())
	return v
}
