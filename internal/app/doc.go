// Package app wires configuration, the store, services and the HTTP
// router into a runnable application with graceful shutdown.
package app
