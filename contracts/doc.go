// Package contracts provides the core types shared by the consumer, the dispatcher and handlers.
//
// This package defines:
//   - Identity: who a consumer is, and the queue names derived from it
//   - OutboundMessage: a message produced by a handler, with optional routing overrides
//
// Queue names are pure functions of the Identity and never change during a consumer's lifetime.
package contracts
