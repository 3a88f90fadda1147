package execution

import (
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"

	"github.com/alejandrodnm/arena/internal/adapters/rest"
	"github.com/alejandrodnm/arena/internal/domain"
)

// Request headers carrying the platform signature.
const (
	HeaderAddress   = "X-Arena-Address"
	HeaderTimestamp = "X-Arena-Timestamp"
	HeaderSignature = "X-Arena-Signature"
)

const (
	defaultPollInterval = time.Second
	submitRatePerSec    = 20
)

// HTTPConfig configures the execution submission service client.
type HTTPConfig struct {
	BaseURL       string
	PrivateKeyHex string // secp256k1 key, with or without 0x
	PollInterval  time.Duration
	Timeout       time.Duration
	RetryWait     time.Duration
	Buffer        int
}

type orderRequest struct {
	ClientOrderID string          `json:"client_order_id"`
	AccountID     string          `json:"account_id"`
	Side          domain.Side     `json:"side"`
	Instrument    string          `json:"instrument"`
	Size          decimal.Decimal `json:"size"`
	Price         decimal.Decimal `json:"price"`
}

type orderResponse struct {
	ID          string          `json:"id"`
	Status      string          `json:"status"`
	FilledSize  decimal.Decimal `json:"filled_size"`
	FilledPrice decimal.Decimal `json:"filled_price"`
	Reason      string          `json:"reason"`
}

// HTTPClient submits real orders to the external execution service and polls them until they settle.
type HTTPClient struct {
	client   *rest.Client
	key      *ecdsa.PrivateKey
	address  common.Address
	interval time.Duration
	updates  chan domain.ExecutionUpdate
	now      func() time.Time

	mu      sync.Mutex
	pending map[string]struct{} // external IDs not yet settled
}

// NewHTTPClient parses the signing key and builds the client.
func NewHTTPClient(cfg HTTPConfig) (*HTTPClient, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("execution.NewHTTPClient: invalid private key: %w", err)
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 256
	}
	c := &HTTPClient{
		key:      key,
		address:  crypto.PubkeyToAddress(key.PublicKey),
		interval: cfg.PollInterval,
		updates:  make(chan domain.ExecutionUpdate, cfg.Buffer),
		now:      time.Now,
		pending:  make(map[string]struct{}),
	}
	c.client = rest.New(strings.TrimRight(cfg.BaseURL, "/"), rest.Options{
		Timeout:    cfg.Timeout,
		RatePerSec: submitRatePerSec,
		Burst:      5,
		RetryWait:  cfg.RetryWait,
		Signer:     c.sign,
	})
	return c, nil
}

// Address is the platform address requests are signed with.
func (c *HTTPClient) Address() string { return c.address.Hex() }

// SigningHash is what the service verifies: keccak256(timestamp + METHOD + path + body).
func SigningHash(timestamp, method, path string, body []byte) common.Hash {
	msg := make([]byte, 0, len(timestamp)+len(method)+len(path)+len(body))
	msg = append(msg, timestamp...)
	msg = append(msg, strings.ToUpper(method)...)
	msg = append(msg, path...)
	msg = append(msg, body...)
	return crypto.Keccak256Hash(msg)
}

func (c *HTTPClient) sign(method, path string, body []byte) (map[string]string, error) {
	ts := strconv.FormatInt(c.now().Unix(), 10)
	sig, err := crypto.Sign(SigningHash(ts, method, path, body).Bytes(), c.key)
	if err != nil {
		return nil, err
	}
	sig[64] += 27
	return map[string]string{
		HeaderAddress:   c.address.Hex(),
		HeaderTimestamp: ts,
		HeaderSignature: "0x" + hex.EncodeToString(sig),
	}, nil
}

// Submit implements ports.ExecutionSubmitter.
func (c *HTTPClient) Submit(ctx context.Context, order domain.ExecutionOrder) (string, error) {
	req := orderRequest{
		ClientOrderID: order.ID,
		AccountID:     order.AccountID,
		Side:          order.Side,
		Instrument:    order.Instrument,
		Size:          order.Size,
		Price:         order.Price,
	}
	var resp orderResponse
	if err := c.client.Post(ctx, "/orders", req, &resp); err != nil {
		if rest.IsStatus(err, http.StatusBadRequest) || rest.IsStatus(err, http.StatusUnprocessableEntity) ||
			rest.IsStatus(err, http.StatusForbidden) {
			return "", fmt.Errorf("execution.HTTPClient.Submit: %w: %w", domain.ErrOrderRejected, err)
		}
		return "", fmt.Errorf("execution.HTTPClient.Submit: %w", err)
	}
	if resp.ID == "" {
		return "", errors.New("execution.HTTPClient.Submit: response without order id")
	}
	if status := domain.ExecutionStatus(resp.Status); status == domain.ExecRejected {
		return "", fmt.Errorf("execution.HTTPClient.Submit: %s: %s: %w", resp.ID, resp.Reason, domain.ErrOrderRejected)
	}

	c.mu.Lock()
	c.pending[resp.ID] = struct{}{}
	c.mu.Unlock()
	return resp.ID, nil
}

// Updates implements ports.ExecutionSubmitter.
func (c *HTTPClient) Updates() <-chan domain.ExecutionUpdate { return c.updates }

// Pending is the number of submitted orders not yet settled.
func (c *HTTPClient) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Run polls every pending order each interval until ctx is done, then closes Updates.
func (c *HTTPClient) Run(ctx context.Context) {
	defer close(c.updates)
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.poll(ctx)
		}
	}
}

func (c *HTTPClient) poll(ctx context.Context) {
	c.mu.Lock()
	ids := make([]string, 0, len(c.pending))
	for id := range c.pending {
		ids = append(ids, id)
	}
	c.mu.Unlock()

	for _, id := range ids {
		var resp orderResponse
		if err := c.client.Get(ctx, "/orders/"+id, &resp); err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Warn("execution: poll failed", "external_id", id, "err", err)
			continue
		}
		status := domain.ExecutionStatus(resp.Status)
		if !status.Terminal() {
			continue
		}

		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()

		upd := domain.ExecutionUpdate{
			ExternalID:  id,
			Status:      status,
			FilledSize:  resp.FilledSize,
			FilledPrice: resp.FilledPrice,
			Reason:      resp.Reason,
			At:          c.now(),
		}
		select {
		case c.updates <- upd:
		case <-ctx.Done():
			return
		}
	}
}
