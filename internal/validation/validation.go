// Package validation provides input validation helpers and middleware for
// the escrow API.
package validation

import (
	"net/http"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/hvx-labs/escrowd/internal/btc"
)

// MaxRequestSize is the maximum accepted request body size (1MB).
const MaxRequestSize = 1 << 20

// MaxReasonLength bounds free-text fields like dispute reasons.
const MaxReasonLength = 4000

var (
	// Covers legacy base58 (1.../3...) and bech32 (bc1.../tb1.../bcrt1...)
	// address shapes. Checksum verification is the chain backend's job.
	btcAddressRegex = regexp.MustCompile(`^(bc1|tb1|bcrt1)[02-9ac-hj-np-z]{11,87}$|^[13mn2][a-km-zA-HJ-NP-Z1-9]{25,34}$`)
	txidRegex       = regexp.MustCompile(`^[a-f0-9]{64}$`)
)

// RequestSizeMiddleware limits request body size.
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidBTCAddress checks that a string looks like a Bitcoin address.
func IsValidBTCAddress(addr string) bool {
	return btcAddressRegex.MatchString(addr)
}

// IsValidTxid checks that a string is a 64-char lowercase hex transaction ID.
func IsValidTxid(s string) bool {
	return txidRegex.MatchString(s)
}

// SanitizeString trims whitespace, caps length, and strips null bytes.
func SanitizeString(s string, maxLen int) string {
	s = strings.TrimSpace(s)
	if len(s) > maxLen {
		s = s[:maxLen]
	}
	return strings.ReplaceAll(s, "\x00", "")
}

// ValidationError is a single field validation failure.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	return e[0].Field + ": " + e[0].Message
}

// Validate runs the given validators and collects their failures.
func Validate(validators ...func() *ValidationError) ValidationErrors {
	var errs ValidationErrors
	for _, v := range validators {
		if err := v(); err != nil {
			errs = append(errs, *err)
		}
	}
	return errs
}

// Required checks that a field is non-empty.
func Required(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if strings.TrimSpace(value) == "" {
			return &ValidationError{Field: field, Message: "is required"}
		}
		return nil
	}
}

// MaxLength checks that a field does not exceed max bytes.
func MaxLength(field, value string, max int) func() *ValidationError {
	return func() *ValidationError {
		if len(value) > max {
			return &ValidationError{Field: field, Message: "exceeds maximum length"}
		}
		return nil
	}
}

// ValidAddress checks that a non-empty field is a plausible Bitcoin address.
func ValidAddress(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil // use Required for required fields
		}
		if !IsValidBTCAddress(value) {
			return &ValidationError{Field: field, Message: "must be a valid Bitcoin address"}
		}
		return nil
	}
}

// ValidAmount checks that a non-empty field parses as a positive BTC amount.
func ValidAmount(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil
		}
		sats, err := btc.ParseBTC(value)
		if err != nil {
			return &ValidationError{Field: field, Message: "invalid amount format"}
		}
		if sats <= 0 {
			return &ValidationError{Field: field, Message: "amount must be greater than zero"}
		}
		return nil
	}
}

// OrderIDParamMiddleware rejects malformed :id URL parameters early.
// Order IDs are idgen-style "ord_" + 24 hex characters.
var orderIDRegex = regexp.MustCompile(`^ord_[a-f0-9]{24}$`)

func OrderIDParamMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		if id != "" && !orderIDRegex.MatchString(id) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_order_id",
				"message": "order ID must look like ord_ followed by 24 hex chars",
			})
			return
		}
		c.Next()
	}
}
