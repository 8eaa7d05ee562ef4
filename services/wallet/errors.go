package main

import (
	"errors"
	"net/http"
)

var (
	ErrUnauthorized        = errors.New("unauthorized")
	ErrValidation          = errors.New("validation error")
	ErrVerificationFailed  = errors.New("webhook verification failed")
	ErrGateway             = errors.New("gateway error")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrDuplicateEvent      = errors.New("duplicate event")
	ErrNotFound            = errors.New("not found")
	ErrInvalidTransition   = errors.New("invalid state transition")
	ErrRateLimited         = errors.New("rate limited")
	ErrForbidden           = errors.New("forbidden")
)

// Erros de validação com código exposto ao cliente
var (
	ErrInvalidReference = &WalletError{Code: "INVALID_REFERENCE", Message: "Invalid payment reference", Err: ErrValidation}
	ErrInvalidRecipient = &WalletError{Code: "INVALID_RECIPIENT", Message: "Invalid recipient code", Err: ErrValidation}
	ErrInvalidAmount    = &WalletError{Code: "INVALID_AMOUNT", Message: "Invalid amount", Err: ErrValidation}
	ErrInvalidProvider  = &WalletError{Code: "INVALID_PROVIDER", Message: "Unsupported payment provider", Err: ErrValidation}
	ErrInvalidAddress   = &WalletError{Code: "INVALID_ADDRESS", Message: "Invalid wallet address", Err: ErrValidation}
	ErrSelfPurchase     = &WalletError{Code: "INVALID_PURCHASE", Message: "You cannot buy your own content", Err: ErrValidation}
	ErrPaymentPending   = &WalletError{Code: "PAYMENT_NOT_COMPLETED", Message: "Payment has not been completed", Err: ErrValidation}
)

// WalletError carrega o código e a mensagem curta devolvidos ao cliente
type WalletError struct {
	Code    string
	Message string
	Err     error
}

func (e *WalletError) Error() string {
	return e.Message
}

func (e *WalletError) Unwrap() error {
	return e.Err
}

// errorResponse converte qualquer erro em status HTTP + corpo seguro para o cliente.
// Detalhes internos nunca saem daqui.
func errorResponse(err error) (int, string, string) {
	var we *WalletError
	if errors.As(err, &we) {
		return statusFor(we.Err), we.Code, we.Message
	}

	switch {
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized, "UNAUTHORIZED", "Please sign in again"
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden, "FORBIDDEN", "You are not allowed to do that"
	case errors.Is(err, ErrVerificationFailed):
		return http.StatusUnauthorized, "INVALID_SIGNATURE", "Invalid signature"
	case errors.Is(err, ErrInsufficientBalance):
		return http.StatusPaymentRequired, "INSUFFICIENT_BALANCE", "Insufficient wallet balance"
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound, "NOT_FOUND", "Not found"
	case errors.Is(err, ErrInvalidTransition):
		return http.StatusConflict, "INVALID_STATE", "This action is not allowed right now"
	case errors.Is(err, ErrRateLimited):
		return http.StatusTooManyRequests, "RATE_LIMITED", "Too many requests, try again shortly"
	case errors.Is(err, ErrGateway):
		return http.StatusBadGateway, "GATEWAY_ERROR", "Payment provider is unavailable, try again later"
	case errors.Is(err, ErrValidation):
		return http.StatusBadRequest, "VALIDATION_ERROR", "Invalid request"
	}
	return http.StatusInternalServerError, "INTERNAL_ERROR", "Something went wrong"
}

func statusFor(err error) int {
	status, _, _ := errorResponse(err)
	return status
}
