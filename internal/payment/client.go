// Package payment предоставляет клиент платёжного процессора (Stripe Checkout).
package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-cleanhttp"
)

// ErrSessionNotFound возвращается, если процессинг не знает такой сессии.
var ErrSessionNotFound = errors.New("payment session not found")

const paidStatus = "paid"

// Client инкапсулирует HTTP-взаимодействие с платёжным процессором.
// Запросы не повторяются: каждая ошибка или таймаут возвращается вызывающему.
type Client struct {
	baseURL    string
	secretKey  string
	httpClient *http.Client
}

// Session описывает состояние платёжной сессии.
type Session struct {
	ID         string
	Paid       bool
	PayerEmail string
	PayerName  string
	Amount     float64
}

// CheckoutParams описывает параметры создаваемой платёжной сессии.
type CheckoutParams struct {
	Name       string
	Email      string
	Amount     float64
	SuccessURL string
	CancelURL  string
}

type checkoutSession struct {
	ID            string `json:"id"`
	URL           string `json:"url"`
	PaymentStatus string `json:"payment_status"`
	AmountTotal   int64  `json:"amount_total"`
	CustomerEmail string `json:"customer_email"`
	Metadata      struct {
		DonorName string `json:"donor_name"`
	} `json:"metadata"`
	CustomerDetails *struct {
		Email string `json:"email"`
		Name  string `json:"name"`
	} `json:"customer_details"`
}

// NewClient создаёт клиент для процессора по указанному адресу с ограничением времени запроса.
func NewClient(baseURL, secretKey string, timeout time.Duration) *Client {
	httpClient := cleanhttp.DefaultPooledClient()
	httpClient.Timeout = timeout

	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		secretKey:  secretKey,
		httpClient: httpClient,
	}
}

func (c *Client) endpoint(path string) (string, error) {
	if c == nil || c.baseURL == "" {
		return "", fmt.Errorf("payment client not configured")
	}

	base := c.baseURL
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "https://" + base
	}
	return base + path, nil
}

// CreateCheckout создаёт платёжную сессию и возвращает адрес для перенаправления плательщика.
func (c *Client) CreateCheckout(ctx context.Context, p CheckoutParams) (string, error) {
	endpoint, err := c.endpoint("/v1/checkout/sessions")
	if err != nil {
		return "", err
	}

	productName := p.Name
	if productName == "" {
		productName = "Donation"
	}

	form := url.Values{}
	form.Set("mode", "payment")
	form.Set("payment_method_types[0]", "card")
	form.Set("customer_email", p.Email)
	form.Set("line_items[0][quantity]", "1")
	form.Set("line_items[0][price_data][currency]", "usd")
	form.Set("line_items[0][price_data][product_data][name]", productName)
	form.Set("line_items[0][price_data][unit_amount]", strconv.FormatInt(toMinorUnits(p.Amount), 10))
	form.Set("metadata[donor_name]", p.Name)
	form.Set("success_url", p.SuccessURL)
	form.Set("cancel_url", p.CancelURL)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	var s checkoutSession
	if err := c.do(req, &s); err != nil {
		return "", err
	}
	if s.URL == "" {
		return "", fmt.Errorf("checkout session %s has no redirect url", s.ID)
	}

	return s.URL, nil
}

// RetrieveSession запрашивает состояние платёжной сессии.
func (c *Client) RetrieveSession(ctx context.Context, sessionID string) (*Session, error) {
	endpoint, err := c.endpoint("/v1/checkout/sessions/" + url.PathEscape(sessionID) + "?expand[]=customer_details")
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	var s checkoutSession
	if err := c.do(req, &s); err != nil {
		return nil, err
	}

	res := &Session{
		ID:         s.ID,
		Paid:       s.PaymentStatus == paidStatus,
		PayerEmail: s.CustomerEmail,
		PayerName:  s.Metadata.DonorName,
		Amount:     float64(s.AmountTotal) / 100,
	}
	if s.CustomerDetails != nil {
		if s.CustomerDetails.Email != "" {
			res.PayerEmail = s.CustomerDetails.Email
		}
		if s.CustomerDetails.Name != "" {
			res.PayerName = s.CustomerDetails.Name
		}
	}

	return res, nil
}

func (c *Client) do(req *http.Request, out any) error {
	req.Header.Set("Authorization", "Bearer "+c.secretKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ErrSessionNotFound
	}

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}

	return nil
}

func toMinorUnits(amount float64) int64 {
	return int64(math.Round(amount * 100))
}
