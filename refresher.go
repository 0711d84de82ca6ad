package tokenkeeper

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
)

// DefaultRefreshPath is the refresh endpoint, relative to the server URL
const DefaultRefreshPath = "/auth/refresh"

// maxRefreshResponse caps how much of a refresh response is read
const maxRefreshResponse = 1 << 20

var errMissingAccessToken = errors.New("response has no data.accessToken")

// Refresher obtains a new access token from the authority.
// The long-lived refresh credential is not its concern; for HTTPRefresher it
// is a cookie in the client's jar.
type Refresher interface {
	Refresh(ctx context.Context) (string, error)
}

// RefresherFunc adapts a function to Refresher
type RefresherFunc func(ctx context.Context) (string, error)

func (f RefresherFunc) Refresh(ctx context.Context) (string, error) { return f(ctx) }

// RefreshResponse is the body returned by the refresh endpoint
type RefreshResponse struct {
	Data struct {
		AccessToken string `json:"accessToken"`
	} `json:"data"`
}

// HTTPRefresher calls POST URL with no body and reads data.accessToken.
type HTTPRefresher struct {
	URL string

	// Client should carry the cookie jar holding the refresh cookie and must
	// not route through Transport, or a 401 here would recurse.
	Client *http.Client
}

// Refresh implements Refresher
func (r *HTTPRefresher) Refresh(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.URL, nil)
	if err != nil {
		return "", &RefreshNetworkError{Err: fmt.Errorf("failed to build request: %w", err)}
	}
	req.Header.Set("Accept", "application/json")

	client := r.Client
	if client == nil {
		client = http.DefaultClient
	}

	resp, err := client.Do(req)
	if err != nil {
		return "", &RefreshNetworkError{Err: fmt.Errorf("failed to connect to server: %w", err)}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxRefreshResponse))
	if err != nil {
		return "", &RefreshNetworkError{StatusCode: resp.StatusCode, Err: fmt.Errorf("failed to read response: %w", err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", &RefreshNetworkError{StatusCode: resp.StatusCode}
	}

	var out RefreshResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return "", &RefreshNetworkError{StatusCode: resp.StatusCode, Err: fmt.Errorf("invalid response from server: %w", err)}
	}
	if out.Data.AccessToken == "" {
		return "", &RefreshNetworkError{StatusCode: resp.StatusCode, Err: errMissingAccessToken}
	}

	return out.Data.AccessToken, nil
}
