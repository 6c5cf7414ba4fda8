// Package stateless implements the session-free HTTP transport. Every POST
// is a complete, independent exchange: a throwaway dispatch context is built
// for the request or batch and discarded with the response. Session id
// headers are ignored, the registry is never consulted, and there is no push
// channel, so notifications from handlers are silent no-ops.
package stateless
