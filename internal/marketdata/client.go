package marketdata

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is the REST half of the source adapter: spot quotes and full chain
// snapshots from the upstream quote provider.
type Client struct {
	host       string
	httpClient *http.Client
}

type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error (%d): %s", e.Status, e.Body)
}

func NewClient(httpClient *http.Client, host string) *Client {
	host = strings.TrimRight(host, "/")
	return &Client{
		host:       host,
		httpClient: httpClient,
	}
}

func (c *Client) doRequest(ctx context.Context, path string, query url.Values) ([]byte, error) {
	fullURL := c.host + path
	if len(query) > 0 {
		fullURL = fullURL + "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &APIError{Status: resp.StatusCode, Body: string(body)}
	}
	return body, nil
}

type wireSpot struct {
	Symbol string  `json:"symbol"`
	Price  float64 `json:"price"`
	AsOf   int64   `json:"as_of"`
}

func (c *Client) FetchSpot(ctx context.Context, symbol string) (SpotQuote, error) {
	if symbol == "" {
		return SpotQuote{}, fmt.Errorf("symbol is required")
	}
	query := url.Values{}
	query.Set("symbol", symbol)
	body, err := c.doRequest(ctx, "/v1/spot", query)
	if err != nil {
		return SpotQuote{}, err
	}
	var w wireSpot
	if err := json.Unmarshal(body, &w); err != nil {
		return SpotQuote{}, fmt.Errorf("decode spot: %w", err)
	}
	if w.Price <= 0 {
		return SpotQuote{}, fmt.Errorf("invalid spot price for %s", symbol)
	}
	asOf := time.Now().UTC()
	if w.AsOf > 0 {
		asOf = time.UnixMilli(w.AsOf).UTC()
	}
	return SpotQuote{Symbol: w.Symbol, Price: w.Price, AsOf: asOf}, nil
}

type wireContract struct {
	Symbol       string  `json:"symbol"`
	Strike       float64 `json:"strike"`
	Expiration   string  `json:"expiration"`
	Right        string  `json:"right"`
	Bid          float64 `json:"bid"`
	Ask          float64 `json:"ask"`
	Mid          float64 `json:"mid"`
	Delta        float64 `json:"delta"`
	Gamma        float64 `json:"gamma"`
	Theta        float64 `json:"theta"`
	Vega         float64 `json:"vega"`
	OpenInterest int64   `json:"open_interest"`
	Multiplier   float64 `json:"multiplier"`
	AsOf         int64   `json:"as_of"`
}

type wireChain struct {
	Underlying string         `json:"underlying"`
	AsOf       int64          `json:"as_of"`
	Contracts  []wireContract `json:"contracts"`
}

// FetchChain returns the provider's full chain for one underlying. A contract
// row that fails to decode is skipped; it never fails the whole snapshot.
func (c *Client) FetchChain(ctx context.Context, underlying string) (ChainSnapshot, error) {
	if underlying == "" {
		return ChainSnapshot{}, fmt.Errorf("underlying is required")
	}
	query := url.Values{}
	query.Set("underlying", underlying)
	body, err := c.doRequest(ctx, "/v1/chain", query)
	if err != nil {
		return ChainSnapshot{}, err
	}
	var w wireChain
	if err := json.Unmarshal(body, &w); err != nil {
		return ChainSnapshot{}, fmt.Errorf("decode chain: %w", err)
	}
	taken := time.Now().UTC()
	if w.AsOf > 0 {
		taken = time.UnixMilli(w.AsOf).UTC()
	}
	snap := ChainSnapshot{
		Underlying: underlying,
		Taken:      taken,
		Contracts:  make([]ContractEntry, 0, len(w.Contracts)),
	}
	for _, wc := range w.Contracts {
		entry, ok := contractFromWire(underlying, wc, taken)
		if !ok {
			continue
		}
		snap.Contracts = append(snap.Contracts, entry)
	}
	return snap, nil
}

func contractFromWire(underlying string, w wireContract, fallbackAsOf time.Time) (ContractEntry, bool) {
	exp, err := time.Parse("2006-01-02", w.Expiration)
	if err != nil {
		return ContractEntry{}, false
	}
	var right Right
	switch strings.ToUpper(strings.TrimSpace(w.Right)) {
	case "C", "CALL":
		right = Call
	case "P", "PUT":
		right = Put
	default:
		return ContractEntry{}, false
	}
	if w.Strike <= 0 {
		return ContractEntry{}, false
	}
	// Record keys and tick lookups must agree on one symbol form.
	symbol := CanonicalOptionSymbol(w.Symbol)
	if symbol == "" {
		symbol = FormatOptionSymbol(OptionRef{
			Underlying: underlying,
			Expiration: exp,
			Right:      right,
			Strike:     w.Strike,
		})
	}
	mid := w.Mid
	if mid == 0 && w.Bid > 0 && w.Ask > 0 {
		mid = (w.Bid + w.Ask) / 2
	}
	mult := w.Multiplier
	if mult <= 0 {
		mult = 100
	}
	asOf := fallbackAsOf
	if w.AsOf > 0 {
		asOf = time.UnixMilli(w.AsOf).UTC()
	}
	return ContractEntry{
		Symbol:       symbol,
		Underlying:   underlying,
		Strike:       w.Strike,
		Expiration:   exp.UTC(),
		Right:        right,
		Bid:          w.Bid,
		Ask:          w.Ask,
		Mid:          mid,
		Delta:        w.Delta,
		Gamma:        w.Gamma,
		Theta:        w.Theta,
		Vega:         w.Vega,
		OpenInterest: w.OpenInterest,
		Multiplier:   mult,
		AsOf:         asOf,
	}, true
}
