package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mbd888/rentescrow/internal/escrow"
)

// ErrRentalNotFound is returned when the rental module does not know the rental.
var ErrRentalNotFound = errors.New("notify: rental not found")

// RentalSyncer pushes escrow status to the rental module over HTTP:
//
//	PUT {baseURL}/rentals/{rentalId}/escrow-status  {"status": "..."}
type RentalSyncer struct {
	baseURL string
	token   string
	client  *http.Client
}

var _ escrow.RentalSyncer = (*RentalSyncer)(nil)

// NewRentalSyncer creates a syncer. token is sent as a bearer credential when set.
func NewRentalSyncer(baseURL, token string) *RentalSyncer {
	return &RentalSyncer{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

// WithHTTPClient replaces the default client.
func (r *RentalSyncer) WithHTTPClient(c *http.Client) *RentalSyncer {
	r.client = c
	return r
}

type syncRequest struct {
	Status escrow.Status `json:"status"`
}

// SyncStatus sends the status. Any non-2xx response is an error; the
// settlement sweep retries unsynced entries on its next pass.
func (r *RentalSyncer) SyncStatus(ctx context.Context, rentalID string, status escrow.Status) error {
	body, err := json.Marshal(syncRequest{Status: status})
	if err != nil {
		return err
	}
	endpoint := r.baseURL + "/rentals/" + url.PathEscape(rentalID) + "/escrow-status"
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if r.token != "" {
		req.Header.Set("Authorization", "Bearer "+r.token)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("rental sync: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrRentalNotFound, rentalID)
	default:
		return fmt.Errorf("rental sync: status %d", resp.StatusCode)
	}
}
