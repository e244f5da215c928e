// Package validation provides request validation helpers for the escrow API.
package validation

import (
	"net/http"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/mbd888/rentescrow/internal/fees"
)

// MaxRequestSize caps JSON request bodies (1MB).
const MaxRequestSize = 1 << 20

// MaxWebhookSize caps raw gateway webhook payloads.
const MaxWebhookSize = 64 << 10

// MaxNoteLength bounds free-text notes, reasons and resolutions.
const MaxNoteLength = 2000

var (
	entryIDRegex  = regexp.MustCompile(`^esc_[a-f0-9]{24}$`)
	currencyRegex = regexp.MustCompile(`^[A-Z]{3}$`)
	partyIDRegex  = regexp.MustCompile(`^[A-Za-z0-9_\-:.]{1,128}$`)
)

// RequestSizeMiddleware limits request body size.
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

func IsValidEntryID(id string) bool { return entryIDRegex.MatchString(id) }
func IsValidCurrency(code string) bool { return currencyRegex.MatchString(code) }
func IsValidPartyID(id string) bool { return partyIDRegex.MatchString(id) }

// SanitizeString trims whitespace, strips NUL bytes and caps length in runes.
func SanitizeString(s string, maxLen int) string {
	s = strings.ReplaceAll(strings.TrimSpace(s), "\x00", "")
	if utf8.RuneCountInString(s) > maxLen {
		s = string([]rune(s)[:maxLen])
	}
	return s
}

// NoteLength counts runes after trimming, so padding with spaces cannot
// satisfy a minimum length.
func NoteLength(s string) int {
	return utf8.RuneCountInString(strings.TrimSpace(s))
}

// ValidationError is a single field failure.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationErrors collects field failures.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	return e[0].Field + ": " + e[0].Message
}

// Validate runs validators and collects their failures.
func Validate(validators ...func() *ValidationError) ValidationErrors {
	var errs ValidationErrors
	for _, v := range validators {
		if err := v(); err != nil {
			errs = append(errs, *err)
		}
	}
	return errs
}

func Required(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if strings.TrimSpace(value) == "" {
			return &ValidationError{Field: field, Message: "is required"}
		}
		return nil
	}
}

func MaxLength(field, value string, max int) func() *ValidationError {
	return func() *ValidationError {
		if utf8.RuneCountInString(value) > max {
			return &ValidationError{Field: field, Message: "exceeds maximum length"}
		}
		return nil
	}
}

// PartyID checks an opaque renter/owner identifier.
func PartyID(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil
		}
		if !IsValidPartyID(value) {
			return &ValidationError{Field: field, Message: "contains invalid characters"}
		}
		return nil
	}
}

// Currency checks an upper-case ISO-4217 code.
func Currency(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil
		}
		if !IsValidCurrency(value) {
			return &ValidationError{Field: field, Message: "must be a 3-letter ISO-4217 code"}
		}
		return nil
	}
}

// Amount checks a positive decimal with no more places than the currency allows.
func Amount(field string, value decimal.Decimal, currency string) func() *ValidationError {
	return func() *ValidationError {
		if !value.IsPositive() {
			return &ValidationError{Field: field, Message: "must be greater than zero"}
		}
		if !fees.HasValidPrecision(value, currency) {
			return &ValidationError{Field: field, Message: "has more decimal places than the currency allows"}
		}
		return nil
	}
}

// EntryIDParamMiddleware rejects malformed :id params before they reach a handler.
func EntryIDParamMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if id := c.Param("id"); id != "" && !IsValidEntryID(id) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_id",
				"message": "escrow id must look like esc_ followed by 24 hex chars",
			})
			return
		}
		c.Next()
	}
}
