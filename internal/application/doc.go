// Package application provides application initialization and dependency wiring.
// It builds the backend client from an explicit endpoint.ServerConfig together
// with the task registry, handlers, router and HTTP server, keeping the main
// package focused on CLI parsing and orchestration.
package application
