// Package oauth implements the client side of the OAuth 2.0 authorization
// code flow with PKCE for public (secretless) clients.
//
// A login runs synchronously in one process:
//
//  1. pkce.Generate creates the verifier, challenge and state.
//  2. Authorizer.Authorize binds a single-use loopback listener on the
//     redirect URI, opens the authorization URL in a browser and waits for
//     exactly one callback.
//  3. Client.ExchangeCode trades the code and verifier for a TokenSet.
//  4. The Manager persists the TokenSet through a session.Store.
//
// Refreshes go through Client.Refresh. When the token endpoint does not
// rotate the refresh token, the previous one is carried forward.
package oauth
