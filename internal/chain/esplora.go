package chain

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/hvx-labs/escrowd/internal/circuitbreaker"
	"github.com/hvx-labs/escrowd/internal/retry"
)

const breakerKey = "esplora"

// EsploraClient reads address activity from an Esplora-compatible REST API
// (blockstream.info, mempool.space, or a self-hosted electrs).
type EsploraClient struct {
	baseURL string
	http    *http.Client
	breaker *circuitbreaker.Breaker
	logger  *slog.Logger
}

// NewEsploraClient creates a client for the given API base URL,
// e.g. "https://blockstream.info/testnet/api". The caller bounds each
// query with a context deadline; timeout here is a safety net only.
func NewEsploraClient(baseURL string, timeout time.Duration, logger *slog.Logger) *EsploraClient {
	return &EsploraClient{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
		breaker: circuitbreaker.New(5, 30*time.Second),
		logger:  logger,
	}
}

type esploraTx struct {
	Txid   string `json:"txid"`
	Status struct {
		Confirmed   bool  `json:"confirmed"`
		BlockHeight int64 `json:"block_height"`
	} `json:"status"`
	Vout []struct {
		ScriptpubkeyAddress string `json:"scriptpubkey_address"`
		Value               int64  `json:"value"`
	} `json:"vout"`
}

// AddressTxs lists transactions paying the address with their confirmation
// counts. Returns ErrUnavailable when the backend is unreachable or the
// circuit breaker is open.
func (c *EsploraClient) AddressTxs(ctx context.Context, address string) ([]AddressTx, error) {
	if !c.breaker.Allow(breakerKey) {
		return nil, fmt.Errorf("%w: circuit open", ErrUnavailable)
	}

	tip, err := c.tipHeight(ctx)
	if err != nil {
		c.breaker.RecordFailure(breakerKey)
		return nil, err
	}

	var raw []esploraTx
	if err := c.getJSON(ctx, "/address/"+url.PathEscape(address)+"/txs", &raw); err != nil {
		c.breaker.RecordFailure(breakerKey)
		return nil, err
	}
	c.breaker.RecordSuccess(breakerKey)

	txs := make([]AddressTx, 0, len(raw))
	for _, tx := range raw {
		var value int64
		for _, out := range tx.Vout {
			if out.ScriptpubkeyAddress == address {
				value += out.Value
			}
		}
		if value == 0 {
			// Address appears only on the input side (a spend, not a payment).
			continue
		}

		confirmations := 0
		if tx.Status.Confirmed && tx.Status.BlockHeight > 0 && tip >= tx.Status.BlockHeight {
			confirmations = int(tip-tx.Status.BlockHeight) + 1
		}

		txs = append(txs, AddressTx{
			Txid:          tx.Txid,
			ValueSats:     value,
			Confirmations: confirmations,
		})
	}
	return txs, nil
}

func (c *EsploraClient) tipHeight(ctx context.Context) (int64, error) {
	body, err := c.get(ctx, "/blocks/tip/height")
	if err != nil {
		return 0, err
	}
	var height int64
	if _, err := fmt.Sscan(string(body), &height); err != nil {
		return 0, fmt.Errorf("parse tip height %q: %w", body, err)
	}
	return height, nil
}

func (c *EsploraClient) getJSON(ctx context.Context, path string, out any) error {
	body, err := c.get(ctx, path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

// get fetches a path with short retries. 4xx responses are permanent;
// network errors and 5xx responses retry with backoff.
func (c *EsploraClient) get(ctx context.Context, path string) ([]byte, error) {
	var body []byte
	err := retry.Do(ctx, 3, 500*time.Millisecond, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
		if err != nil {
			return retry.Permanent(err)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		defer func() { _ = resp.Body.Close() }()

		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return retry.Permanent(fmt.Errorf("esplora %s: status %d", path, resp.StatusCode))
		}
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
		}

		body, err = io.ReadAll(io.LimitReader(resp.Body, 16<<20))
		if err != nil {
			return fmt.Errorf("%w: read body: %v", ErrUnavailable, err)
		}
		return nil
	})
	if err != nil {
		c.logger.Debug("chain query failed", "path", path, "error", err)
		return nil, err
	}
	return body, nil
}
