// Package governance coordinates runtime safety controls for handler
// dispatch: per-handler circuit breaking and retry/backoff policies.
//
// The execution engine consults these primitives before and after every
// dispatch attempt. They never block the caller beyond an immediate
// synchronous check; waiting out a cool-down or a backoff delay is the
// dispatcher's job, not the breaker's.
package governance
