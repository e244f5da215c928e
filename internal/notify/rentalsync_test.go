package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/rentescrow/internal/escrow"
)

func TestRentalSyncer_SyncStatus(t *testing.T) {
	var gotPath, gotAuth, gotMethod string
	var gotBody syncRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.EscapedPath()
		gotAuth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	s := NewRentalSyncer(srv.URL+"/", "svc_token").WithHTTPClient(srv.Client())
	require.NoError(t, s.SyncStatus(context.Background(), "rnt 1", escrow.StatusHeld))

	assert.Equal(t, http.MethodPut, gotMethod)
	assert.Equal(t, "/rentals/rnt%201/escrow-status", gotPath)
	assert.Equal(t, "Bearer svc_token", gotAuth)
	assert.Equal(t, escrow.StatusHeld, gotBody.Status)
}

func TestRentalSyncer_Errors(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		notFound bool
	}{
		{"unknown rental", http.StatusNotFound, true},
		{"server error", http.StatusInternalServerError, false},
		{"unauthorized", http.StatusUnauthorized, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			err := NewRentalSyncer(srv.URL, "").SyncStatus(context.Background(), "rnt_1", escrow.StatusReleased)
			require.Error(t, err)
			assert.Equal(t, tt.notFound, errors.Is(err, ErrRentalNotFound))
		})
	}
}

func TestRentalSyncer_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	err := NewRentalSyncer(url, "").SyncStatus(context.Background(), "rnt_1", escrow.StatusHeld)
	assert.Error(t, err)
}
