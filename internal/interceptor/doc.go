// Package interceptor enriches MCP tools/call requests with identity
// claims from the caller's bearer token and an allow-list of request
// headers before the backend tool handler runs.
//
// The interceptor trusts the token it is given: signature and expiry are
// checked by the gateway's authorization layer before the interceptor is
// reached. Enrichment is strictly additive. Every caller-supplied
// argument reaches the tool unchanged, and a caller that supplies one of
// the keys the interceptor would add gets the request rejected rather
// than overwritten.
package interceptor
