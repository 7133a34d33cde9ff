// Package server hosts the Fiber HTTP service that exposes the image cache:
// display slots that load and wait for an image, explicit removal, and the
// /-/ diagnostics surface (health, stats, memory trim, Prometheus metrics).
// Dependencies are passed in through AppOptions; the package keeps no globals.
package server
