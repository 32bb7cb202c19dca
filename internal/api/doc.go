// Package api hosts the HTTP handlers that front the Driftcast gateway API.
//
// The handlers assembled by Handler coordinate stream admission, journal
// queries, and health reporting while delegating ownership decisions to the
// admission.Registry and visitor identity to the identity.Resolver injected at
// construction time. The package does not reach for globals or singletons and
// expects callers to supply fully configured dependencies.
//
// Handler implementations assume upstream middleware from internal/server has
// already enforced rate limiting, metrics, and logging concerns. New routes
// should preserve that contract by leaning on the middleware guarantees
// established in the server stack.
package api
