package routing

import "context"

// The route travels only inside the request's context; no package or
// process level state carries a "current tenant".
type routeKey struct{}

// WithRoute scopes a resolved route to one request context.
func WithRoute(ctx context.Context, rt Route) context.Context {
	return context.WithValue(ctx, routeKey{}, rt)
}

// RouteFrom returns the route attached to ctx, if any.
func RouteFrom(ctx context.Context) (Route, bool) {
	rt, ok := ctx.Value(routeKey{}).(Route)
	return rt, ok
}
