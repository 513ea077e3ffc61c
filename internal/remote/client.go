// Package remote talks to the fee-management resource API, which exposes every
// entity collection under /api/{entity}.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/JEFF-PRO-017/school-management-sub000/internal/cache"
	"github.com/JEFF-PRO-017/school-management-sub000/internal/queue"
	"go.uber.org/zap"
)

const (
	// RowKeyField is the wire name of the record identifier.
	RowKeyField = "rowIndex"

	headerDeviceID    = "X-Device-Id"
	headerDeviceLabel = "X-Device-Label"
	defaultTimeout    = 15 * time.Second
	maxErrorBody      = 4 << 10
)

var (
	errMissingBaseURL = errors.New("remote base url is required")
	errMissingEntity  = errors.New("remote entity is required")
)

// Client is the remote resource API consumed by the executor and synchronizer.
type Client interface {
	Create(ctx context.Context, entity string, payload map[string]any, origin queue.Origin) (CreateResult, error)
	Update(ctx context.Context, entity, targetKey string, payload map[string]any, origin queue.Origin) error
	Delete(ctx context.Context, entity, targetKey string, origin queue.Origin) error
	List(ctx context.Context, entity string) ([]cache.Record, error)
	Ping(ctx context.Context) error
}

// CreateResult carries the identifier assigned by the server.
type CreateResult struct {
	ID string
}

// HTTPClientConfig configures the HTTP implementation of Client.
type HTTPClientConfig struct {
	BaseURL    string
	Timeout    time.Duration
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// HTTPClient implements Client over JSON HTTP.
type HTTPClient struct {
	baseURL *url.URL
	http    *http.Client
	logger  *zap.Logger
}

// NewHTTPClient validates the base URL and builds a client with a bounded request timeout.
func NewHTTPClient(cfg HTTPClientConfig) (*HTTPClient, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, errMissingBaseURL
	}
	parsed, err := url.Parse(strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"))
	if err != nil {
		return nil, fmt.Errorf("remote: invalid base url: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("remote: invalid base url %q", cfg.BaseURL)
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPClient{baseURL: parsed, http: httpClient, logger: logger}, nil
}

type createResponse struct {
	ID       json.RawMessage `json:"id"`
	RowIndex json.RawMessage `json:"rowIndex"`
}

// Create issues POST /api/{entity} with the record fields as the body.
func (c *HTTPClient) Create(ctx context.Context, entity string, payload map[string]any, origin queue.Origin) (CreateResult, error) {
	var response createResponse
	if err := c.do(ctx, http.MethodPost, entity, nil, payload, origin, &response); err != nil {
		return CreateResult{}, err
	}
	id := rawKey(response.ID)
	if id == "" {
		id = rawKey(response.RowIndex)
	}
	return CreateResult{ID: id}, nil
}

// Update issues PUT /api/{entity} with the target key merged into the body.
func (c *HTTPClient) Update(ctx context.Context, entity, targetKey string, payload map[string]any, origin queue.Origin) error {
	body := make(map[string]any, len(payload)+1)
	for key, value := range payload {
		body[key] = value
	}
	body[RowKeyField] = WireKey(targetKey)
	return c.do(ctx, http.MethodPut, entity, nil, body, origin, nil)
}

// Delete issues DELETE /api/{entity}?rowIndex={targetKey}.
func (c *HTTPClient) Delete(ctx context.Context, entity, targetKey string, origin queue.Origin) error {
	query := url.Values{}
	query.Set(RowKeyField, targetKey)
	return c.do(ctx, http.MethodDelete, entity, query, nil, origin, nil)
}

// List issues GET /api/{entity} and decodes the collection.
func (c *HTTPClient) List(ctx context.Context, entity string) ([]cache.Record, error) {
	var rows []map[string]any
	if err := c.do(ctx, http.MethodGet, entity, nil, nil, queue.Origin{}, &rows); err != nil {
		return nil, err
	}
	return DecodeRecords(rows), nil
}

// Ping checks that the API host answers at all. Any HTTP response counts as reachable.
func (c *HTTPClient) Ping(ctx context.Context) error {
	request, err := http.NewRequestWithContext(ctx, http.MethodHead, c.baseURL.String(), http.NoBody)
	if err != nil {
		return err
	}
	response, err := c.http.Do(request)
	if err != nil {
		return &RequestError{Kind: KindNetwork, Method: http.MethodHead, Err: err}
	}
	response.Body.Close()
	return nil
}

func (c *HTTPClient) do(ctx context.Context, method, entity string, query url.Values, body any, origin queue.Origin, out any) error {
	if strings.TrimSpace(entity) == "" {
		return errMissingEntity
	}
	endpoint := c.baseURL.JoinPath("api", entity)
	if query != nil {
		endpoint.RawQuery = query.Encode()
	}

	var reader io.Reader = http.NoBody
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("remote: encode %s body: %w", entity, err)
		}
		reader = bytes.NewReader(encoded)
	}

	request, err := http.NewRequestWithContext(ctx, method, endpoint.String(), reader)
	if err != nil {
		return err
	}
	request.Header.Set("Accept", "application/json")
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	if origin.DeviceID != "" {
		request.Header.Set(headerDeviceID, origin.DeviceID)
	}
	if origin.Label != "" {
		request.Header.Set(headerDeviceLabel, origin.Label)
	}

	response, err := c.http.Do(request)
	if err != nil {
		c.logger.Debug("remote request failed", zap.String("method", method), zap.String("entity", entity), zap.Error(err))
		return &RequestError{Kind: KindNetwork, Method: method, Entity: entity, Err: err}
	}
	defer response.Body.Close()

	if response.StatusCode < 200 || response.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(response.Body, maxErrorBody))
		return &RequestError{
			Kind:       KindRejected,
			Method:     method,
			Entity:     entity,
			StatusCode: response.StatusCode,
			Body:       strings.TrimSpace(string(snippet)),
		}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, response.Body)
		return nil
	}
	if err := json.NewDecoder(response.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return &RequestError{Kind: KindRejected, Method: method, Entity: entity, StatusCode: response.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}

// DecodeRecords lifts the rowIndex field out of each row into Record.RowKey.
func DecodeRecords(rows []map[string]any) []cache.Record {
	records := make([]cache.Record, 0, len(rows))
	for _, row := range rows {
		fields := make(map[string]any, len(row))
		rowKey := ""
		for key, value := range row {
			if key == RowKeyField {
				rowKey = formatKey(value)
				continue
			}
			fields[key] = value
		}
		records = append(records, cache.Record{RowKey: rowKey, Fields: fields})
	}
	return records
}

// WireKey sends integer keys as JSON numbers and anything else as a string.
func WireKey(key string) any {
	if parsed, err := strconv.ParseInt(key, 10, 64); err == nil {
		return parsed
	}
	return key
}

func formatKey(value any) string {
	switch typed := value.(type) {
	case nil:
		return ""
	case string:
		return typed
	case float64:
		return strconv.FormatFloat(typed, 'f', -1, 64)
	case json.Number:
		return typed.String()
	default:
		return fmt.Sprint(typed)
	}
}

func rawKey(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var value any
	if err := json.Unmarshal(raw, &value); err != nil {
		return ""
	}
	return formatKey(value)
}
