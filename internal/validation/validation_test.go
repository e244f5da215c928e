package validation

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestIsValidEntryID(t *testing.T) {
	assert.True(t, IsValidEntryID("esc_0123456789abcdef01234567"))
	assert.False(t, IsValidEntryID("esc_0123456789ABCDEF01234567"))
	assert.False(t, IsValidEntryID("0123456789abcdef01234567"))
	assert.False(t, IsValidEntryID("esc_123"))
	assert.False(t, IsValidEntryID(""))
}

func TestNoteLength_IgnoresPadding(t *testing.T) {
	assert.Equal(t, 5, NoteLength("  short   "))
	assert.Equal(t, 10, NoteLength("héllo wörl"))
}

func TestSanitizeString(t *testing.T) {
	assert.Equal(t, "abc", SanitizeString("  a\x00bc ", 10))
	assert.Equal(t, "ab", SanitizeString("abcdef", 2))
}

func TestValidate_CollectsErrors(t *testing.T) {
	errs := Validate(
		Required("rentalId", ""),
		Currency("currency", "usd"),
		PartyID("payerId", "renter 1"),
		Amount("amount", decimal.RequireFromString("10.001"), "USD"),
		MaxLength("note", strings.Repeat("x", 11), 10),
	)
	assert.Len(t, errs, 5)
	assert.Equal(t, "rentalId: is required", errs.Error())
}

func TestAmount(t *testing.T) {
	assert.Nil(t, Amount("amount", decimal.RequireFromString("100.00"), "USD")())
	assert.Nil(t, Amount("amount", decimal.RequireFromString("500"), "JPY")())
	assert.NotNil(t, Amount("amount", decimal.RequireFromString("500.5"), "JPY")())
	assert.NotNil(t, Amount("amount", decimal.Zero, "USD")())
	assert.NotNil(t, Amount("amount", decimal.RequireFromString("-1"), "USD")())
}

func TestEntryIDParamMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/escrows/:id", EntryIDParamMiddleware(), func(c *gin.Context) { c.Status(http.StatusOK) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/escrows/bogus", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/escrows/esc_0123456789abcdef01234567", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRequestSizeMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RequestSizeMiddleware(8))
	r.POST("/x", func(c *gin.Context) {
		var body map[string]any
		if err := c.ShouldBindJSON(&body); err != nil {
			c.Status(http.StatusRequestEntityTooLarge)
			return
		}
		c.Status(http.StatusOK)
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/x", strings.NewReader(`{"note":"far too long"}`)))
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
}
