package handlers

import (
	"os"

	"github.com/gin-gonic/gin"
)

// Stable machine-readable error codes returned alongside the human message.
// Clients branch on the code, never on the message text.
const (
	CodeNotAuthenticated   = "NOT_AUTHENTICATED"
	CodeNotOwned           = "NOT_OWNED"
	CodeNotFound           = "NOT_FOUND"
	CodeInsufficientStock  = "INSUFFICIENT_STOCK"
	CodeEmptyCart          = "EMPTY_CART"
	CodeCodLimitExceeded   = "COD_LIMIT_EXCEEDED"
	CodeGatewayUnavailable = "GATEWAY_UNAVAILABLE"
	CodeSignatureMismatch  = "SIGNATURE_MISMATCH"
	CodeAlreadyFinalized   = "ALREADY_FINALIZED"
	CodeValidationError    = "VALIDATION_ERROR"
	CodeInternal           = "INTERNAL"
)

func apiError(c *gin.Context, status int, code, message string) {
	c.JSON(status, gin.H{"code": code, "error": message})
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
