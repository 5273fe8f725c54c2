package audit

import "context"

// ActorResolver returns the actor of the current request, if any
type ActorResolver interface {
	CurrentActor(ctx context.Context) (*Actor, bool)
}

type actorKey struct{}

// WithActor attaches an actor to ctx
func WithActor(ctx context.Context, actor *Actor) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

// ActorFromContext returns the actor attached by WithActor
func ActorFromContext(ctx context.Context) (*Actor, bool) {
	actor, ok := ctx.Value(actorKey{}).(*Actor)
	return actor, ok && actor != nil
}

// ContextResolver resolves the actor stored in the request context
type ContextResolver struct{}

// CurrentActor implements ActorResolver
func (ContextResolver) CurrentActor(ctx context.Context) (*Actor, bool) {
	return ActorFromContext(ctx)
}
