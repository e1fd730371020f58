package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/kimhsiao/bridgesync/internal/logging"
	"github.com/kimhsiao/bridgesync/internal/models"
)

// DefaultTimeout bounds every remote call when no timeout is configured.
const DefaultTimeout = 30 * time.Second

// maxErrorBody caps how much of an error response is kept.
const maxErrorBody = 512

// HTTPConfig configures an HTTPClient.
type HTTPConfig struct {
	Side    models.Side
	BaseURL string
	Token   string
	Timeout time.Duration
	// FieldMap renames outgoing payload fields (local name -> remote name).
	FieldMap map[string]string
}

// HTTPClient pushes entities to a JSON REST API:
//
//	create  POST   {base}/api/{type}
//	update  PUT    {base}/api/{type}/{remote id}
//	delete  DELETE {base}/api/{type}/{remote id}
//
// Responses carry {"id": ..., "updated_at": RFC 3339}.
type HTTPClient struct {
	side       models.Side
	baseURL    string
	token      string
	fieldMap   map[string]string
	httpClient *http.Client
}

// NewHTTPClient creates a client for cfg.Side.
func NewHTTPClient(cfg HTTPConfig) *HTTPClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &HTTPClient{
		side:       cfg.Side,
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		token:      cfg.Token,
		fieldMap:   cfg.FieldMap,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

// Side returns the platform this client talks to.
func (c *HTTPClient) Side() models.Side { return c.side }

type pushResponse struct {
	ID        interface{} `json:"id"`
	UpdatedAt string      `json:"updated_at"`
}

// Push sends req and classifies failures as transient or permanent.
func (c *HTTPClient) Push(ctx context.Context, req Request) (*Response, error) {
	resp, err := c.push(ctx, req)
	if err != nil {
		return nil, Classify(err)
	}
	return resp, nil
}

func (c *HTTPClient) push(ctx context.Context, req Request) (*Response, error) {
	method, path, err := c.route(req)
	if err != nil {
		return nil, &StatusError{Side: c.side, StatusCode: http.StatusBadRequest, Body: err.Error()}
	}

	var body io.Reader
	if req.Operation != models.OperationDelete {
		data, err := json.Marshal(Rename(req.Payload, c.fieldMap))
		if err != nil {
			return nil, &StatusError{Side: c.side, StatusCode: http.StatusBadRequest, Body: err.Error()}
		}
		body = bytes.NewReader(data)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Accept", "application/json")
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.token)
	}
	if req.LocalID != "" {
		httpReq.Header.Set("X-Bridgesync-Local-Id", req.LocalID)
	}

	start := time.Now()
	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer httpResp.Body.Close()

	logging.Debug("Platform call finished", map[string]interface{}{
		"side":        c.side,
		"method":      method,
		"path":        path,
		"status_code": httpResp.StatusCode,
		"duration_ms": time.Since(start).Milliseconds(),
	})

	if httpResp.StatusCode < 200 || httpResp.StatusCode > 299 {
		data, _ := io.ReadAll(io.LimitReader(httpResp.Body, maxErrorBody))
		return nil, &StatusError{Side: c.side, StatusCode: httpResp.StatusCode, Body: strings.TrimSpace(string(data))}
	}

	out := &Response{RemoteID: req.RemoteID}
	if httpResp.StatusCode == http.StatusNoContent {
		return out, nil
	}

	var decoded pushResponse
	dec := json.NewDecoder(httpResp.Body)
	dec.UseNumber()
	if err := dec.Decode(&decoded); err != nil && err != io.EOF {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if decoded.ID != nil {
		out.RemoteID = fmt.Sprint(decoded.ID)
	}
	if decoded.UpdatedAt != "" {
		if ts, err := time.Parse(time.RFC3339Nano, decoded.UpdatedAt); err == nil {
			out.UpdatedAt = ts.UTC()
		}
	}
	return out, nil
}

func (c *HTTPClient) route(req Request) (string, string, error) {
	if req.EntityType == "" {
		return "", "", fmt.Errorf("entity type is required")
	}
	collection := "/api/" + url.PathEscape(req.EntityType)

	switch req.Operation {
	case models.OperationCreate:
		return http.MethodPost, collection, nil
	case models.OperationUpdate, models.OperationDelete:
		if req.RemoteID == "" {
			return "", "", fmt.Errorf("%s requires a remote id", req.Operation)
		}
		method := http.MethodPut
		if req.Operation == models.OperationDelete {
			method = http.MethodDelete
		}
		return method, collection + "/" + url.PathEscape(req.RemoteID), nil
	}
	return "", "", fmt.Errorf("unsupported operation %q", req.Operation)
}

// Rename returns a copy of p with keys renamed through fieldMap. Keys not in
// the map are kept.
func Rename(p models.Payload, fieldMap map[string]string) models.Payload {
	out := make(models.Payload, len(p))
	for k, v := range p {
		if renamed, ok := fieldMap[k]; ok && renamed != "" {
			k = renamed
		}
		out[k] = v
	}
	return out
}
