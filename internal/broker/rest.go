package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/brokerlink/relay/internal/resilience"
	"github.com/brokerlink/relay/pkg/models"
)

// RESTConfig configures one REST broker adapter.
type RESTConfig struct {
	Name    string
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// RESTAdapter queries a broker over its JSON status endpoint. It covers
// brokers exposing GET {base}/orders/{id} returning a status document.
type RESTAdapter struct {
	cfg    RESTConfig
	client *http.Client
	logger *zap.Logger
}

func NewRESTAdapter(cfg RESTConfig, logger *zap.Logger) *RESTAdapter {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &RESTAdapter{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logger.Named("broker").With(zap.String("broker", cfg.Name)),
	}
}

func (a *RESTAdapter) Name() string { return a.cfg.Name }

// brokerStatusResponse is the wire shape of the broker status document.
type brokerStatusResponse struct {
	Status           string  `json:"status"`
	ExecutedQuantity *string `json:"executed_quantity"`
	AveragePrice     *string `json:"average_price"`
	RejectionReason  string  `json:"rejection_reason"`
}

func (a *RESTAdapter) GetOrderStatus(ctx context.Context, userID uuid.UUID, brokerOrderID string) (models.StatusReport, error) {
	url := fmt.Sprintf("%s/orders/%s", a.cfg.BaseURL, brokerOrderID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return models.StatusReport{}, fmt.Errorf("build status request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+a.cfg.APIKey)
	req.Header.Set("X-User-ID", userID.String())

	resp, err := a.client.Do(req)
	if err != nil {
		// Transport failures carry no status; the message heuristics
		// recognize timeouts and refused connections.
		return models.StatusReport{}, AdaptError(err, 0, "", "")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return models.StatusReport{}, AdaptError(err, 0, "", resilience.KindNetwork)
	}

	if resp.StatusCode != http.StatusOK {
		a.logger.Warn("broker status call failed",
			zap.String("broker_order_id", brokerOrderID),
			zap.Int("http_status", resp.StatusCode))
		err := fmt.Errorf("broker returned %d: %s", resp.StatusCode, truncate(string(body), 200))
		return models.StatusReport{}, AdaptError(err, resp.StatusCode, "", "")
	}

	var wire brokerStatusResponse
	if err := json.Unmarshal(body, &wire); err != nil {
		return models.StatusReport{}, AdaptError(fmt.Errorf("decode status response: %w", err), 0, "", resilience.KindBroker)
	}

	report := models.StatusReport{
		Status:          wire.Status,
		RejectionReason: wire.RejectionReason,
	}
	if report.Status == "" {
		return models.StatusReport{}, AdaptError(fmt.Errorf("broker response missing status"), 0, "", resilience.KindBroker)
	}
	if wire.ExecutedQuantity != nil {
		qty, err := decimal.NewFromString(*wire.ExecutedQuantity)
		if err != nil {
			return models.StatusReport{}, AdaptError(fmt.Errorf("invalid executed_quantity %q: %w", *wire.ExecutedQuantity, err), 0, "", resilience.KindBroker)
		}
		report.ExecutedQuantity = &qty
	}
	if wire.AveragePrice != nil {
		price, err := decimal.NewFromString(*wire.AveragePrice)
		if err != nil {
			return models.StatusReport{}, AdaptError(fmt.Errorf("invalid average_price %q: %w", *wire.AveragePrice, err), 0, "", resilience.KindBroker)
		}
		report.AveragePrice = &price
	}
	return report, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
