// Package observability provides structured logging and Prometheus metrics
// for the OpenAuth server.
//
// The Logger wraps logrus with a JSON formatter and context plumbing so
// handlers can recover a request-scoped logger with FromContext. Metrics
// groups every Prometheus collector behind one registry so tests can use
// isolated registries.
package observability
