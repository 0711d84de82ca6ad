// Package tokenkeeper keeps a short-lived access token valid for an HTTP
// client that issues many concurrent requests.
//
// A Session owns one access token (a JWT whose exp claim drives scheduling) and
// refreshes it two ways: proactively, on a timer that fires a safety margin
// before expiry, and reactively, when a request comes back 401. Both paths go
// through one RefreshCoordinator, which guarantees that at most one call to the
// refresh endpoint is in flight; every caller that needs a token during that
// call receives the same result.
//
// # Components
//
// CredentialStore caches the current Credential and persists the raw token
// through a Storage backend (memory, file, Redis, GORM or Cloud Datastore; see
// the stores packages).
//
// RefreshScheduler holds the single proactive refresh timer.
//
// RefreshCoordinator is the single-flight refresh engine.
//
// Transport attaches the token to outgoing requests and replays a request once
// after a 401 and a successful refresh.
//
// TeardownHandler runs once when the token can no longer be refreshed: it drops
// the realtime connection, cancels the timer, clears the store and navigates
// to login.
//
// # Basic Usage
//
//	storage, _ := fs.NewStorage("", "myapp")
//	session, err := tokenkeeper.NewSession("https://api.example.com", storage,
//	    tokenkeeper.WithNavigator(tokenkeeper.NavigatorFunc(func(ctx context.Context) error {
//	        return showLoginScreen()
//	    })),
//	)
//	if err != nil {
//	    return err
//	}
//	if err := session.Start(ctx); err != nil {
//	    return err
//	}
//	defer session.Close()
//
//	// after an external login has returned a token:
//	session.SetCredential(ctx, token)
//
//	resp, err := session.HTTPClient().Get("https://api.example.com/api/me")
//
// The refresh endpoint is POST /auth/refresh. It is authenticated by a
// long-lived cookie kept in the session's cookie jar and answers
// {"data":{"accessToken":"..."}}.
//
// # Testing
//
// Every time-dependent component takes a clockwork.Clock, so tests drive
// expiry and the refresh timer with clockwork.NewFakeClock. The authserver
// package provides an in-process authority for end-to-end tests.
package tokenkeeper
