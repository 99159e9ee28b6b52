// Package oauth2 keeps a server-side application authenticated against an
// OAuth 2.0 identity provider on behalf of many principals.
//
// # Overview
//
// Tokens are persisted through a TokenStore (memory, Redis, SQLite or
// PostgreSQL, optionally wrapped by EncryptedTokenStore). Application code
// talks to the provider only through Client, which
//
//   - asks the Coordinator for a usable token, refreshing it when it expires
//     within the refresh buffer,
//   - sends the request with the bearer credential, through the provider-api
//     circuit breaker and an optional client-side rate limiter,
//   - hands every failure to the Dispatcher, which picks a recovery strategy
//     and tells the client whether to try again.
//
// # Refresh coordination
//
// For a given principal at most one refresh network call is in flight in a
// process. Callers that find the token stale join the running flight and all
// observe the refreshed token. The flight runs detached from its callers, so a
// caller giving up never leaves the principal stuck mid-refresh. With a Locker
// configured the same holds across processes: the process that loses the lock
// polls the store until the winner's token appears.
//
// # Errors
//
// Provider failures are always returned as *ClassifiedError. Each Kind carries
// fixed Flags, and errors.Is matches ErrReauthenticationRequired,
// ErrAdminInterventionRequired and ErrRetryable by those flags:
//
//	resp, err := client.Get(ctx, principalID, "/me/messages", nil)
//	if errors.Is(err, oauth2.ErrReauthenticationRequired) {
//	    // send the user through /oauth/connect again
//	}
//
// # Backoff
//
// Refresh retries and network retries wait min(1s*2^(k-1), 16s) scaled by a
// random factor in [1.1, 1.3]. Waiting for another process's refresh polls from
// 100ms growing by 1.5x up to 2s, for at most 30s in total.
package oauth2
