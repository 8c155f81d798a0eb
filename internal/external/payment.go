package external

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"seatline/internal/models"
)

var (
	ErrPaymentRejected = errors.New("payment rejected")
	ErrPaymentGateway  = errors.New("payment gateway error")
)

// Statuses of a payment that has been charged or authorised
var settledStatuses = map[string]bool{
	"CONFIRMED":  true,
	"AUTHORIZED": true,
	"COMPLETED":  true,
}

type PaymentClient struct {
	baseURL    string
	teamSlug   string
	password   string
	httpClient *http.Client
}

type PaymentConfig struct {
	BaseURL  string
	TeamSlug string
	Password string
	Timeout  time.Duration
}

type PaymentCheckRequest struct {
	TeamSlug  string `json:"teamSlug"`
	Token     string `json:"token"`
	PaymentID string `json:"paymentId,omitempty"`
	OrderID   string `json:"orderId,omitempty"`
}

type PaymentCheckResponse struct {
	Success    bool             `json:"success"`
	Payments   []PaymentDetails `json:"payments"`
	TotalCount int              `json:"totalCount"`
	OrderID    string           `json:"orderId"`
}

type PaymentDetails struct {
	PaymentID         string `json:"paymentId"`
	OrderID           string `json:"orderId"`
	Status            string `json:"status"`
	StatusDescription string `json:"statusDescription"`
	Amount            int64  `json:"amount"`
	Currency          string `json:"currency"`
	CreatedAt         string `json:"createdAt"`
	UpdatedAt         string `json:"updatedAt"`
}

func NewPaymentClient(cfg PaymentConfig) *PaymentClient {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}

	return &PaymentClient{
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		teamSlug: cfg.TeamSlug,
		password: cfg.Password,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
	}
}

func (pc *PaymentClient) generateToken(params map[string]string) string {
	params["TeamSlug"] = pc.teamSlug
	params["Password"] = pc.password

	// Sort parameters alphabetically
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	for _, key := range keys {
		sb.WriteString(params[key])
	}

	hash := sha256.Sum256([]byte(sb.String()))
	return hex.EncodeToString(hash[:])
}

func (pc *PaymentClient) CheckPayment(ctx context.Context, paymentID string) (*PaymentCheckResponse, error) {
	token := pc.generateToken(map[string]string{
		"PaymentId": paymentID,
	})

	jsonBody, err := json.Marshal(PaymentCheckRequest{
		TeamSlug:  pc.teamSlug,
		Token:     token,
		PaymentID: paymentID,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, pc.baseURL+"/api/v1/PaymentCheck/check", bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := pc.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to check payment: %v", ErrPaymentGateway, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusInternalServerError {
		return nil, fmt.Errorf("%w: unexpected status code: %d", ErrPaymentGateway, resp.StatusCode)
	}

	var result PaymentCheckResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("%w: failed to decode response: %v", ErrPaymentGateway, err)
	}

	return &result, nil
}

// VerifyPayment checks that proof refers to a settled payment of at least
// amount. A payment that does not qualify yields ErrPaymentRejected; gateway
// trouble yields ErrPaymentGateway.
func (pc *PaymentClient) VerifyPayment(ctx context.Context, proof models.PaymentProof, amount int64) error {
	if strings.TrimSpace(proof.PaymentID) == "" {
		return fmt.Errorf("%w: payment id is required", ErrPaymentRejected)
	}

	result, err := pc.CheckPayment(ctx, proof.PaymentID)
	if err != nil {
		return err
	}
	if !result.Success {
		return fmt.Errorf("%w: payment %s not found", ErrPaymentRejected, proof.PaymentID)
	}

	for _, p := range result.Payments {
		if p.PaymentID != proof.PaymentID {
			continue
		}
		if proof.OrderID != "" && p.OrderID != proof.OrderID {
			return fmt.Errorf("%w: order mismatch", ErrPaymentRejected)
		}
		if !settledStatuses[strings.ToUpper(p.Status)] {
			return fmt.Errorf("%w: status %s", ErrPaymentRejected, p.Status)
		}
		if p.Amount < amount {
			return fmt.Errorf("%w: paid %d, expected %d", ErrPaymentRejected, p.Amount, amount)
		}
		return nil
	}

	return fmt.Errorf("%w: payment %s not found", ErrPaymentRejected, proof.PaymentID)
}
