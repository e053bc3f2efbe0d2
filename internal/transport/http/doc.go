// Package http contains the HTTP transport layer: chi routers and
// handlers that translate between the JSON API surface and the
// license service layer. Handlers never touch the store directly.
package http
