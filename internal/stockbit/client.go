// Package stockbit talks to the broker's REST API: running-trade pages for
// the historical path and the websocket trading key for the streaming path.
// The client classifies failures but never retries; retry policy belongs to
// the caller.
package stockbit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"stockbit-ingest/internal/credentials"
)

// DefaultPageLimit is the broker's page size for running-trade queries.
const DefaultPageLimit = 50

// Browser-like headers; the broker rejects bare clients.
var browserHeaders = map[string]string{
	"User-Agent":      "Mozilla/5.0 (Macintosh; Intel Mac OS X 10.15; rv:144.0) Gecko/20100101 Firefox/144.0",
	"Accept":          "application/json",
	"Accept-Language": "en-US,en;q=0.5",
	"Referer":         "https://stockbit.com/",
	"Origin":          "https://stockbit.com",
	"DNT":             "1",
	"Connection":      "keep-alive",
}

// Page is one running-trade page. NextCursor is empty when this is the last
// page (the page was empty or shorter than the limit, or the broker stopped
// returning trade numbers).
type Page struct {
	Trades       []Trade
	NextCursor   string
	IsOpenMarket bool
}

// Client is safe for concurrent use.
type Client struct {
	httpClient *http.Client
	baseURL    string
	creds      *credentials.Store
	limit      int
	logger     zerolog.Logger
}

// NewClient builds a client against the given API base URL
// (e.g. https://exodus.stockbit.com).
func NewClient(baseURL string, timeout time.Duration, creds *credentials.Store, logger zerolog.Logger) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    baseURL,
		creds:      creds,
		limit:      DefaultPageLimit,
		logger:     logger.With().Str("component", "stockbit").Logger(),
	}
}

// FetchTrades returns one page of running trades for (ticker, date). An
// empty cursor asks for the most recent page; the returned cursor walks
// backwards in time.
func (c *Client) FetchTrades(ctx context.Context, ticker, date, cursor string) (*Page, error) {
	q := url.Values{}
	q.Set("sort", "DESC")
	q.Set("limit", strconv.Itoa(c.limit))
	q.Set("order_by", "RUNNING_TRADE_ORDER_BY_TIME")
	q.Set("symbols[]", ticker)
	q.Set("date", date)
	if cursor != "" {
		q.Set("trade_number", cursor)
	}

	body, err := c.get(ctx, "/order-trade/running-trade", q)
	if err != nil {
		return nil, err
	}

	trades, isOpen, err := parseTradesBody(body)
	if err != nil {
		return nil, err
	}

	page := &Page{Trades: trades, IsOpenMarket: isOpen}
	if len(trades) == c.limit {
		last := trades[len(trades)-1]
		page.NextCursor = string(last.TradeNumber)
	}
	c.logger.Debug().Str("ticker", ticker).Str("date", date).
		Int("trades", len(trades)).Str("next_cursor", page.NextCursor).
		Msg("fetched running-trade page")
	return page, nil
}

// FetchTradingKey returns the short-lived key that goes into field 3 of the
// streaming subscription frame.
func (c *Client) FetchTradingKey(ctx context.Context) (string, error) {
	body, err := c.get(ctx, "/auth/websocket/key", nil)
	if err != nil {
		return "", err
	}

	var envelope struct {
		Data struct {
			Key string `json:"key"`
		} `json:"data"`
		Key string `json:"key"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return "", fmt.Errorf("stockbit: trading key response: %w: %v", ErrMalformed, err)
	}
	key := envelope.Data.Key
	if key == "" {
		key = envelope.Key
	}
	if key == "" {
		return "", fmt.Errorf("stockbit: trading key response has no key: %w", ErrMalformed)
	}
	return key, nil
}

func (c *Client) get(ctx context.Context, path string, q url.Values) ([]byte, error) {
	token, ok := c.creds.Token()
	if !ok {
		return nil, fmt.Errorf("stockbit: no credential set: %w", ErrAuthExpired)
	}

	endpoint := c.baseURL + path
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("stockbit: build request: %w", err)
	}
	if q != nil {
		req.URL.RawQuery = q.Encode()
	}
	for k, v := range browserHeaders {
		req.Header.Set(k, v)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if cookies := c.creds.Cookies(); cookies != "" {
		req.Header.Set("Cookie", cookies)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("stockbit: %s: %v: %w", path, err, ErrRetryable)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nil, fmt.Errorf("stockbit: read %s response: %v: %w", path, err, ErrRetryable)
	}
	if resp.StatusCode != http.StatusOK {
		apiErr := newAPIError(path, resp.StatusCode, string(body))
		c.logger.Warn().Int("status", resp.StatusCode).Str("endpoint", path).Msg("request failed")
		return nil, apiErr
	}
	return body, nil
}

// parseTradesBody accepts both the current envelope, where the list sits
// under data.running_trade, and the legacy top-level layout.
func parseTradesBody(body []byte) ([]Trade, bool, error) {
	var envelope struct {
		Data         json.RawMessage `json:"data"`
		RunningTrade []Trade         `json:"running_trade"`
		IsOpenMarket bool            `json:"is_open_market"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, false, fmt.Errorf("stockbit: running-trade response: %w: %v", ErrMalformed, err)
	}

	if len(envelope.Data) > 0 && envelope.Data[0] == '{' {
		var inner struct {
			RunningTrade []Trade `json:"running_trade"`
			IsOpenMarket bool    `json:"is_open_market"`
		}
		if err := json.Unmarshal(envelope.Data, &inner); err != nil {
			return nil, false, fmt.Errorf("stockbit: running-trade data: %w: %v", ErrMalformed, err)
		}
		return inner.RunningTrade, inner.IsOpenMarket, nil
	}
	return envelope.RunningTrade, envelope.IsOpenMarket, nil
}

// IsTerminal reports whether an error is neither retryable nor recoverable
// by a fresh credential.
func IsTerminal(err error) bool {
	return !errors.Is(err, ErrRetryable) && !errors.Is(err, ErrAuthExpired)
}
