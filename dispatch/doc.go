// Package dispatch routes decoded JSON-RPC requests to registered method
// handlers and executes grouped requests as batches.
//
// The Dispatcher owns per-request concerns: method lookup, parameter
// validation, bounded handler execution, panic containment, and error
// shaping. The Coordinator owns per-batch concerns: size enforcement, the
// batch-wide deadline, sequential or parallel execution, per-item failure
// isolation, and order-preserving reassembly of the response array.
//
// Handlers are registered in a StaticRegistry populated at startup; the
// Registry and Validator interfaces let embedding applications substitute
// their own lookup and schema machinery.
package dispatch
