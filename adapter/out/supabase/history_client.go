package supabase

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"github.com/sony/gobreaker"

	"history_server/core/domain"
	"history_server/core/port/out"
	"history_server/pkg/apperr"
	"history_server/pkg/httputil"
	"history_server/pkg/logger"
)

// =============================================================================
// Supabase PostgREST History Client
// =============================================================================
//
// Implements out.HistoryStore against a Supabase project's PostgREST
// endpoint. All calls go through a circuit breaker so a degraded backend
// fails fast instead of tying up the sync queue in timeouts.

const historyTable = "analysis_history"

// TokenProvider supplies the bearer token for each request. Tokens are
// fetched per call because Supabase access tokens rotate.
type TokenProvider interface {
	AccessToken(ctx context.Context) (string, error)
}

// Config holds the Supabase connection settings.
type Config struct {
	ProjectURL string // e.g. https://xyz.supabase.co
	AnonKey    string // apikey header
	Timeout    time.Duration
}

type HistoryClient struct {
	baseURL string
	anonKey string
	tokens  TokenProvider
	http    *http.Client
	cb      *gobreaker.CircuitBreaker
	log     *logger.Logger
}

func NewHistoryClient(cfg *Config, tokens TokenProvider, log *logger.Logger) out.HistoryStore {
	if log == nil {
		log = logger.Default()
	}

	clientCfg := httputil.DefaultClientConfig()
	if cfg.Timeout > 0 {
		clientCfg.ResponseTimeout = cfg.Timeout
	}

	cbSettings := gobreaker.Settings{
		Name:        "supabase-rest",
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.ConsecutiveFailures > 5 ||
				(counts.Requests >= 10 && failureRatio >= 0.6)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("[CircuitBreaker] %s: state changed from %s to %s", name, from.String(), to.String())
		},
	}

	return &HistoryClient{
		baseURL: cfg.ProjectURL + "/rest/v1/" + historyTable,
		anonKey: cfg.AnonKey,
		tokens:  tokens,
		http:    httputil.NewPooledClient(clientCfg),
		cb:      gobreaker.NewCircuitBreaker(cbSettings),
		log:     log,
	}
}

// =============================================================================
// HistoryStore Implementation
// =============================================================================

func (c *HistoryClient) List(ctx context.Context, filter *domain.HistoryFilter) ([]*domain.AnalysisHistoryItem, error) {
	filter = filter.Normalize()

	q := url.Values{}
	q.Set("owner_id", "eq."+filter.OwnerID)
	if filter.Type != nil {
		q.Set("type", "eq."+string(*filter.Type))
	}
	column := "ts"
	if filter.SortBy == "created_at" {
		column = "created_at"
	}
	direction := "desc"
	if filter.SortOrder == "asc" {
		direction = "asc"
	}
	q.Set("order", column+"."+direction)
	q.Set("limit", strconv.Itoa(filter.Limit))
	q.Set("offset", strconv.Itoa(filter.Offset))

	body, err := c.do(ctx, http.MethodGet, "?"+q.Encode(), nil, nil)
	if err != nil {
		return nil, err
	}

	var rows []historyRecord
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, apperr.RemoteUnavailable("list history", fmt.Errorf("decode response: %w", err))
	}

	items := make([]*domain.AnalysisHistoryItem, len(rows))
	for i, row := range rows {
		items[i] = row.toDomain()
	}
	return items, nil
}

func (c *HistoryClient) Get(ctx context.Context, id, ownerID string) (*domain.AnalysisHistoryItem, error) {
	q := url.Values{}
	q.Set("id", "eq."+id)
	q.Set("owner_id", "eq."+ownerID)
	q.Set("limit", "1")

	body, err := c.do(ctx, http.MethodGet, "?"+q.Encode(), nil, nil)
	if err != nil {
		return nil, err
	}

	var rows []historyRecord
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, apperr.RemoteUnavailable("get history item", fmt.Errorf("decode response: %w", err))
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return rows[0].toDomain(), nil
}

func (c *HistoryClient) Insert(ctx context.Context, item *domain.AnalysisHistoryItem, ownerID string) error {
	rec := toRecord(item, ownerID)
	payload, err := json.Marshal(rec)
	if err != nil {
		return apperr.BadRequest("encode history item: " + err.Error())
	}

	// merge-duplicates makes insert idempotent, which the replay queue
	// depends on: a retried add must not fail on the second attempt.
	headers := map[string]string{
		"Prefer": "resolution=merge-duplicates,return=minimal",
	}
	_, err = c.do(ctx, http.MethodPost, "", payload, headers)
	return err
}

func (c *HistoryClient) Update(ctx context.Context, id string, item *domain.AnalysisHistoryItem) error {
	// owner_id is left out of the payload so a PATCH can never move the
	// row to another owner.
	rec := toRecord(item, "")
	payload, err := json.Marshal(rec)
	if err != nil {
		return apperr.BadRequest("encode history item: " + err.Error())
	}

	q := url.Values{}
	q.Set("id", "eq."+id)
	headers := map[string]string{"Prefer": "return=minimal"}
	_, err = c.do(ctx, http.MethodPatch, "?"+q.Encode(), payload, headers)
	return err
}

func (c *HistoryClient) Delete(ctx context.Context, id, ownerID string) error {
	q := url.Values{}
	q.Set("id", "eq."+id)
	q.Set("owner_id", "eq."+ownerID)
	_, err := c.do(ctx, http.MethodDelete, "?"+q.Encode(), nil, nil)
	return err
}

func (c *HistoryClient) DeleteAll(ctx context.Context, ownerID string) error {
	q := url.Values{}
	q.Set("owner_id", "eq."+ownerID)
	_, err := c.do(ctx, http.MethodDelete, "?"+q.Encode(), nil, nil)
	return err
}

func (c *HistoryClient) Ping(ctx context.Context) error {
	q := url.Values{}
	q.Set("limit", "1")
	q.Set("select", "id")
	_, err := c.do(ctx, http.MethodGet, "?"+q.Encode(), nil, nil)
	return err
}

// =============================================================================
// Transport
// =============================================================================

// do runs one PostgREST request through the circuit breaker and maps the
// outcome to apperr codes the offline layer understands.
func (c *HistoryClient) do(ctx context.Context, method, suffix string, payload []byte, headers map[string]string) ([]byte, error) {
	token, err := c.tokens.AccessToken(ctx)
	if err != nil {
		return nil, apperr.AuthRequired("access token unavailable: " + err.Error())
	}

	result, err := c.cb.Execute(func() (interface{}, error) {
		var body io.Reader
		if payload != nil {
			body = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+suffix, body)
		if err != nil {
			return nil, err
		}
		req.Header.Set("apikey", c.anonKey)
		req.Header.Set("Authorization", "Bearer "+token)
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		for k, v := range headers {
			req.Header.Set(k, v)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode >= 400 {
			return nil, &restError{status: resp.StatusCode, body: string(data)}
		}
		return data, nil
	})
	if err != nil {
		return nil, c.mapError(err)
	}
	return result.([]byte), nil
}

type restError struct {
	status int
	body   string
}

func (e *restError) Error() string {
	return fmt.Sprintf("supabase: status %d: %s", e.status, e.body)
}

func (c *HistoryClient) mapError(err error) error {
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		return apperr.RemoteUnavailable("supabase", err)
	}
	if re, ok := err.(*restError); ok {
		switch {
		case re.status == http.StatusUnauthorized:
			return apperr.InvalidToken("supabase rejected credentials")
		case re.status == http.StatusForbidden:
			return apperr.Forbidden("supabase: row access denied")
		case re.status == http.StatusNotFound:
			return apperr.NotFound("history item")
		case re.status == http.StatusConflict:
			return apperr.Conflict(re.body)
		case re.status >= 500 || re.status == http.StatusTooManyRequests:
			return apperr.RemoteUnavailable("supabase", re)
		default:
			return apperr.BadRequest(re.body)
		}
	}
	return apperr.RemoteUnavailable("supabase", err)
}

// =============================================================================
// Wire Types
// =============================================================================

type historyRecord struct {
	ID           string          `json:"id"`
	OwnerID      string          `json:"owner_id,omitempty"`
	Type         string          `json:"type,omitempty"`
	Input        string          `json:"input,omitempty"`
	Result       json.RawMessage `json:"result,omitempty"`
	Timestamp    int64           `json:"ts,omitempty"`
	SessionID    string          `json:"session_id,omitempty"`
	SessionTitle string          `json:"session_title,omitempty"`
	AnalysisID   string          `json:"analysis_id,omitempty"`
	CreatedAt    string          `json:"created_at,omitempty"`
	UpdatedAt    string          `json:"updated_at,omitempty"`
}

func toRecord(item *domain.AnalysisHistoryItem, ownerID string) *historyRecord {
	return &historyRecord{
		ID:           item.ID,
		OwnerID:      ownerID,
		Type:         string(item.Type),
		Input:        item.Input,
		Result:       item.Result,
		Timestamp:    item.Timestamp,
		SessionID:    item.SessionID,
		SessionTitle: item.SessionTitle,
		AnalysisID:   item.AnalysisID,
		CreatedAt:    item.CreatedAt,
		UpdatedAt:    item.UpdatedAt,
	}
}

func (r *historyRecord) toDomain() *domain.AnalysisHistoryItem {
	return &domain.AnalysisHistoryItem{
		ID:           r.ID,
		Type:         domain.AnalysisType(r.Type),
		Input:        r.Input,
		Result:       r.Result,
		Timestamp:    r.Timestamp,
		SessionID:    r.SessionID,
		SessionTitle: r.SessionTitle,
		AnalysisID:   r.AnalysisID,
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.UpdatedAt,
	}
}

// StaticTokenProvider returns a fixed token, used for service-role access
// and in tests.
type StaticTokenProvider string

func (t StaticTokenProvider) AccessToken(context.Context) (string, error) {
	return string(t), nil
}
