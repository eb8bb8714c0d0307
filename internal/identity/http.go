package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/example/ride-grouping/internal/models"
)

// HTTPDirectory looks profiles up against the identity service's REST API:
// GET {Endpoint}/users/{id}/profile.
type HTTPDirectory struct {
	Endpoint string
	Client   *http.Client
}

func NewHTTPDirectory(endpoint string) *HTTPDirectory {
	return &HTTPDirectory{Endpoint: strings.TrimRight(endpoint, "/"), Client: &http.Client{Timeout: 2 * time.Second}}
}

func (h *HTTPDirectory) Lookup(ctx context.Context, userID string) (models.Profile, error) {
	u := fmt.Sprintf("%s/users/%s/profile", h.Endpoint, url.PathEscape(userID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, http.NoBody)
	if err != nil {
		return models.Profile{}, err
	}
	resp, err := h.Client.Do(req)
	if err != nil {
		return models.Profile{}, fmt.Errorf("identity lookup %s: %w", userID, err)
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return models.Profile{}, ErrNotFound
	case resp.StatusCode != http.StatusOK:
		return models.Profile{}, fmt.Errorf("identity lookup %s: status %d", userID, resp.StatusCode)
	}
	var p models.Profile
	if err := json.NewDecoder(resp.Body).Decode(&p); err != nil {
		return models.Profile{}, fmt.Errorf("identity lookup %s: decode: %w", userID, err)
	}
	if p.UserID == "" {
		p.UserID = userID
	}
	p.Known = true
	return p, nil
}
