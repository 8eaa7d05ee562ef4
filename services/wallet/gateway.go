package main

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"
)

// ChargeRequest descreve uma cobrança de top-up a ser iniciada no provedor
type ChargeRequest struct {
	Reference   string
	Email       string
	Amount      decimal.Decimal
	Currency    string
	CallbackURL string
}

// ChargeSession é o retorno da inicialização: para onde redirecionar o usuário
type ChargeSession struct {
	Reference        string
	AuthorizationURL string
}

// ChargeVerification é o resultado confirmado pelo provedor para uma referência
type ChargeVerification struct {
	Reference string
	Amount    decimal.Decimal
	Success   bool
	Status    string
}

// TransferRequest descreve uma transferência de saque
type TransferRequest struct {
	Reference     string
	RecipientCode string
	Amount        decimal.Decimal
	Reason        string
}

// TransferResult é o estado de uma transferência no provedor
type TransferResult struct {
	Reference    string
	TransferCode string
	Status       string
}

// Succeeded indica se o provedor aceitou/concluiu a transferência
func (t *TransferResult) Succeeded() bool {
	switch t.Status {
	case "success", "pending", "otp", "received", "processing":
		return true
	}
	return false
}

// ChargeGateway abstrai a cobrança (cartão/transferência) de um provedor
type ChargeGateway interface {
	InitializeCharge(ctx context.Context, req ChargeRequest) (*ChargeSession, error)
	VerifyCharge(ctx context.Context, reference string) (*ChargeVerification, error)
}

// TransferGateway abstrai as transferências de saque
type TransferGateway interface {
	InitiateTransfer(ctx context.Context, req TransferRequest) (*TransferResult, error)
	FetchTransfer(ctx context.Context, reference string) (*TransferResult, error)
}

// gatewayError embrulha a falha do provedor em ErrGateway mantendo o detalhe para o log
func gatewayError(provider, op string, resp *resty.Response, err error) error {
	if err != nil {
		return fmt.Errorf("%w: %s %s: %v", ErrGateway, provider, op, err)
	}
	return fmt.Errorf("%w: %s %s: status %d: %s", ErrGateway, provider, op, resp.StatusCode(), truncate(resp.String(), 200))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// --- Paystack ---

type paystackEnvelope[T any] struct {
	Status  bool   `json:"status"`
	Message string `json:"message"`
	Data    T      `json:"data"`
}

type paystackInitData struct {
	AuthorizationURL string `json:"authorization_url"`
	AccessCode       string `json:"access_code"`
	Reference        string `json:"reference"`
}

type paystackVerifyData struct {
	ID        int64  `json:"id"`
	Status    string `json:"status"`
	Reference string `json:"reference"`
	Amount    int64  `json:"amount"`
	Currency  string `json:"currency"`
}

type paystackTransferData struct {
	Reference    string `json:"reference"`
	TransferCode string `json:"transfer_code"`
	Status       string `json:"status"`
}

// PaystackGateway implementa ChargeGateway e TransferGateway usando a API da Paystack.
// Valores trafegam em kobo.
type PaystackGateway struct {
	client *resty.Client
}

// NewPaystackGateway cria o cliente HTTP autenticado com a secret key
func NewPaystackGateway(baseURL, secretKey string) *PaystackGateway {
	client := resty.New().
		SetBaseURL(baseURL).
		SetAuthToken(secretKey).
		SetHeader("Content-Type", "application/json").
		SetTimeout(15 * time.Second)

	return &PaystackGateway{client: client}
}

// InitializeCharge inicia a transação e devolve a URL de pagamento
func (g *PaystackGateway) InitializeCharge(ctx context.Context, req ChargeRequest) (*ChargeSession, error) {
	var out paystackEnvelope[paystackInitData]
	resp, err := g.client.R().
		SetContext(ctx).
		SetBody(map[string]any{
			"email":        req.Email,
			"amount":       ToMinorUnits(req.Amount),
			"currency":     req.Currency,
			"reference":    req.Reference,
			"callback_url": req.CallbackURL,
		}).
		SetResult(&out).
		Post("/transaction/initialize")
	if err != nil || resp.IsError() || !out.Status {
		return nil, gatewayError(ProviderPaystack, "initialize", resp, err)
	}

	return &ChargeSession{
		Reference:        out.Data.Reference,
		AuthorizationURL: out.Data.AuthorizationURL,
	}, nil
}

// VerifyCharge consulta o status confirmado de uma referência
func (g *PaystackGateway) VerifyCharge(ctx context.Context, reference string) (*ChargeVerification, error) {
	var out paystackEnvelope[paystackVerifyData]
	resp, err := g.client.R().
		SetContext(ctx).
		SetPathParam("reference", reference).
		SetResult(&out).
		Get("/transaction/verify/{reference}")
	if err != nil || resp.IsError() || !out.Status {
		return nil, gatewayError(ProviderPaystack, "verify", resp, err)
	}

	return &ChargeVerification{
		Reference: out.Data.Reference,
		Amount:    FromMinorUnits(out.Data.Amount),
		Success:   out.Data.Status == "success",
		Status:    out.Data.Status,
	}, nil
}

// InitiateTransfer envia o valor líquido ao recipient code do criador
func (g *PaystackGateway) InitiateTransfer(ctx context.Context, req TransferRequest) (*TransferResult, error) {
	var out paystackEnvelope[paystackTransferData]
	resp, err := g.client.R().
		SetContext(ctx).
		SetBody(map[string]any{
			"source":    "balance",
			"amount":    ToMinorUnits(req.Amount),
			"recipient": req.RecipientCode,
			"reference": req.Reference,
			"reason":    req.Reason,
		}).
		SetResult(&out).
		Post("/transfer")
	if err != nil || resp.IsError() || !out.Status {
		return nil, gatewayError(ProviderPaystack, "transfer", resp, err)
	}

	return &TransferResult{
		Reference:    out.Data.Reference,
		TransferCode: out.Data.TransferCode,
		Status:       out.Data.Status,
	}, nil
}

// FetchTransfer consulta uma transferência pela nossa referência
func (g *PaystackGateway) FetchTransfer(ctx context.Context, reference string) (*TransferResult, error) {
	var out paystackEnvelope[paystackTransferData]
	resp, err := g.client.R().
		SetContext(ctx).
		SetPathParam("reference", reference).
		SetResult(&out).
		Get("/transfer/verify/{reference}")
	if resp != nil && resp.StatusCode() == 404 {
		return nil, ErrNotFound
	}
	if err != nil || resp.IsError() || !out.Status {
		return nil, gatewayError(ProviderPaystack, "fetch transfer", resp, err)
	}

	return &TransferResult{
		Reference:    out.Data.Reference,
		TransferCode: out.Data.TransferCode,
		Status:       out.Data.Status,
	}, nil
}

// --- Flutterwave ---

type flutterwaveEnvelope[T any] struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	Data    T      `json:"data"`
}

type flutterwavePaymentData struct {
	Link string `json:"link"`
}

type flutterwaveVerifyData struct {
	ID       int64           `json:"id"`
	TxRef    string          `json:"tx_ref"`
	Amount   decimal.Decimal `json:"amount"`
	Currency string          `json:"currency"`
	Status   string          `json:"status"`
}

// FlutterwaveGateway implementa ChargeGateway usando a API v3 da Flutterwave.
// Valores trafegam na unidade principal da moeda.
type FlutterwaveGateway struct {
	client *resty.Client
}

// NewFlutterwaveGateway cria o cliente HTTP autenticado
func NewFlutterwaveGateway(baseURL, secretKey string) *FlutterwaveGateway {
	client := resty.New().
		SetBaseURL(baseURL).
		SetAuthToken(secretKey).
		SetHeader("Content-Type", "application/json").
		SetTimeout(15 * time.Second)

	return &FlutterwaveGateway{client: client}
}

// InitializeCharge cria o link de pagamento hospedado
func (g *FlutterwaveGateway) InitializeCharge(ctx context.Context, req ChargeRequest) (*ChargeSession, error) {
	var out flutterwaveEnvelope[flutterwavePaymentData]
	resp, err := g.client.R().
		SetContext(ctx).
		SetBody(map[string]any{
			"tx_ref":       req.Reference,
			"amount":       req.Amount.StringFixed(moneyPlaces),
			"currency":     req.Currency,
			"redirect_url": req.CallbackURL,
			"customer":     map[string]string{"email": req.Email},
		}).
		SetResult(&out).
		Post("/v3/payments")
	if err != nil || resp.IsError() || out.Status != "success" {
		return nil, gatewayError(ProviderFlutterwave, "initialize", resp, err)
	}

	return &ChargeSession{
		Reference:        req.Reference,
		AuthorizationURL: out.Data.Link,
	}, nil
}

// VerifyCharge consulta a transação pelo tx_ref
func (g *FlutterwaveGateway) VerifyCharge(ctx context.Context, reference string) (*ChargeVerification, error) {
	var out flutterwaveEnvelope[flutterwaveVerifyData]
	resp, err := g.client.R().
		SetContext(ctx).
		SetQueryParam("tx_ref", reference).
		SetResult(&out).
		Get("/v3/transactions/verify_by_reference")
	if err != nil || resp.IsError() || out.Status != "success" {
		return nil, gatewayError(ProviderFlutterwave, "verify", resp, err)
	}

	return &ChargeVerification{
		Reference: out.Data.TxRef,
		Amount:    out.Data.Amount,
		Success:   out.Data.Status == "successful",
		Status:    out.Data.Status,
	}, nil
}

// Gateways agrupa os provedores configurados
type Gateways struct {
	Charges   map[string]ChargeGateway
	Transfers TransferGateway
}

// Charge devolve o gateway de cobrança do provedor pedido
func (g Gateways) Charge(provider string) (ChargeGateway, error) {
	gw, ok := g.Charges[provider]
	if !ok || gw == nil {
		return nil, ErrInvalidProvider
	}
	return gw, nil
}

func joinURL(base string, parts ...string) string {
	u, err := url.JoinPath(base, parts...)
	if err != nil {
		return base
	}
	return u
}
