package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"filler/internal/config"
	"filler/internal/identity"
	"filler/internal/market"
)

// HTTPClient 通过 JSON 网关访问账本。
type HTTPClient struct {
	client     *resty.Client
	marketID   string
	retry      config.RetryConfig
	gasPerCall uint64
	tip        uint64
	logger     *zap.Logger
}

// NewHTTPClient 创建网关客户端，批量提交绑定到 marketID。
func NewHTTPClient(cfg config.LedgerConfig, dispatch config.DispatchConfig, marketID string, logger *zap.Logger) *HTTPClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry.MaxAttempts = 1
	}

	client := resty.New().
		SetBaseURL(strings.TrimSuffix(cfg.Endpoint, "/")).
		SetTimeout(timeout).
		SetHeader("Accept", "application/json")

	return &HTTPClient{
		client:     client,
		marketID:   marketID,
		retry:      cfg.Retry,
		gasPerCall: dispatch.GasPerCall,
		tip:        dispatch.Tip,
		logger:     logger.Named("ledger"),
	}
}

type marketConfigResponse struct {
	BaseAsset     string `json:"base_asset"`
	BaseDecimals  uint8  `json:"base_decimals"`
	QuoteAsset    string `json:"quote_asset"`
	QuoteDecimals uint8  `json:"quote_decimals"`
}

// MarketConfig 实现 Client，可重试错误按退避重试。
func (c *HTTPClient) MarketConfig(ctx context.Context, marketID string) (market.MarketConfig, error) {
	var out marketConfigResponse
	err := c.callWithRetry(ctx, "market_config", func() error {
		resp, err := c.client.R().
			SetContext(ctx).
			SetResult(&out).
			Get("/markets/" + url.PathEscape(marketID) + "/config")
		if err != nil {
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		return classifyStatus(resp)
	})
	if err != nil {
		return market.MarketConfig{}, err
	}
	if out.BaseAsset == "" || out.QuoteAsset == "" {
		return market.MarketConfig{}, fmt.Errorf("%w: 市场 %s 配置缺少资产", ErrRejected, marketID)
	}

	return market.MarketConfig{
		MarketID: marketID,
		Base:     market.NewAsset(out.BaseAsset, out.BaseDecimals),
		Quote:    market.NewAsset(out.QuoteAsset, out.QuoteDecimals),
	}, nil
}

// callPayload 为单个操作的线上表示，整数以十进制字符串传输。
type callPayload struct {
	Kind    string `json:"kind"`
	Side    string `json:"side,omitempty"`
	Price   string `json:"price,omitempty"`
	Amount  string `json:"amount,omitempty"`
	OrderID string `json:"order_id,omitempty"`
}

type unsignedBatch struct {
	Sender   string        `json:"sender"`
	Nonce    string        `json:"nonce"`
	Calls    []callPayload `json:"calls"`
	GasLimit uint64        `json:"gas_limit"`
	Tip      uint64        `json:"tip"`
}

type signedBatch struct {
	unsignedBatch
	Signature string `json:"signature"`
}

type submitResponse struct {
	TxID string `json:"tx_id"`
}

// SubmitBatch 实现 Client；提交本身不在客户端内重试。
func (c *HTTPClient) SubmitBatch(ctx context.Context, sender identity.Identity, ops []market.Operation) (TxRef, error) {
	body, err := c.buildBatch(sender, ops)
	if err != nil {
		return "", err
	}

	var out submitResponse
	resp, err := c.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(body).
		SetResult(&out).
		Post("/markets/" + url.PathEscape(c.marketID) + "/multicall")
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if err := classifyStatus(resp); err != nil {
		return "", err
	}
	if out.TxID == "" {
		return "", fmt.Errorf("%w: 响应缺少 tx_id", ErrUnavailable)
	}
	return TxRef(out.TxID), nil
}

func (c *HTTPClient) buildBatch(sender identity.Identity, ops []market.Operation) (signedBatch, error) {
	calls := make([]callPayload, 0, len(ops))
	for _, op := range ops {
		if err := op.Validate(); err != nil {
			return signedBatch{}, fmt.Errorf("%w: %v", ErrRejected, err)
		}
		calls = append(calls, encodeCall(op))
	}

	unsigned := unsignedBatch{
		Sender:   sender.Address.Hex(),
		Nonce:    uuid.NewString(),
		Calls:    calls,
		GasLimit: c.gasPerCall * uint64(len(calls)),
		Tip:      c.tip,
	}
	digest, err := batchDigest(unsigned)
	if err != nil {
		return signedBatch{}, err
	}
	sig, err := sender.Sign(digest)
	if err != nil {
		return signedBatch{}, fmt.Errorf("%w: 签名失败: %v", ErrRejected, err)
	}
	return signedBatch{unsignedBatch: unsigned, Signature: hexutil.Encode(sig)}, nil
}

// batchDigest 为未签名请求体 JSON 的 keccak256。
func batchDigest(batch unsignedBatch) ([]byte, error) {
	raw, err := json.Marshal(batch)
	if err != nil {
		return nil, fmt.Errorf("编码批量请求失败: %w", err)
	}
	return crypto.Keccak256(raw), nil
}

func encodeCall(op market.Operation) callPayload {
	if op.Kind == market.KindCancelOrder {
		return callPayload{Kind: string(op.Kind), OrderID: op.OrderID}
	}
	return callPayload{
		Kind:   string(op.Kind),
		Side:   op.Side.String(),
		Price:  strconv.FormatUint(op.Price, 10),
		Amount: strconv.FormatUint(op.Amount, 10),
	}
}

// classifyStatus 将 HTTP 状态映射为错误分类。
func classifyStatus(resp *resty.Response) error {
	code := resp.StatusCode()
	if code >= 200 && code < 300 {
		return nil
	}
	detail := strings.TrimSpace(resp.String())
	switch {
	case code == http.StatusRequestTimeout, code == http.StatusTooManyRequests, code >= 500:
		return fmt.Errorf("%w: 状态码 %d: %s", ErrUnavailable, code, detail)
	default:
		return fmt.Errorf("%w: 状态码 %d: %s", ErrRejected, code, detail)
	}
}

func (c *HTTPClient) callWithRetry(ctx context.Context, operation string, fn func() error) error {
	attempt := 0
	delay := c.retry.MinDelay
	if delay <= 0 {
		delay = 500 * time.Millisecond
	}
	maxDelay := c.retry.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 5 * time.Second
	}

	for {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		attempt++
		err := fn()
		if err == nil {
			return nil
		}
		if !IsRetryable(err) || attempt >= c.retry.MaxAttempts {
			c.logger.Error("账本调用失败",
				zap.String("operation", operation),
				zap.Int("attempts", attempt),
				zap.Error(err),
			)
			return err
		}

		wait := delay
		if wait > maxDelay {
			wait = maxDelay
		}
		c.logger.Warn("账本调用失败，等待重试",
			zap.String("operation", operation),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err),
		)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return multierr.Append(ctx.Err(), err)
		case <-timer.C:
		}

		delay *= 2
		if delay > maxDelay {
			delay = maxDelay
		}
	}
}
