// Package triage is the business boundary for the alert triage pipeline.
// It defines the domain models, the Store persistence interface, the intake
// Service (idempotency and read queries), the Pipeline (per-alert stage
// machine with dead-lettering), the Worker claim loop, and the
// replay/experiment engine.
package triage
