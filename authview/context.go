package authview

import "context"

type viewKey struct{}

// NewContext returns a copy of ctx carrying v.
func NewContext(ctx context.Context, v *View) context.Context {
	return context.WithValue(ctx, viewKey{}, v)
}

// FromContext returns the View stored in ctx, if any.
func FromContext(ctx context.Context) (*View, bool) {
	v, ok := ctx.Value(viewKey{}).(*View)
	return v, ok && v != nil
}

// MustFromContext is FromContext for callers that cannot work without a
// mounted view. It panics when ctx carries none.
func MustFromContext(ctx context.Context) *View {
	v, ok := FromContext(ctx)
	if !ok {
		panic("authview: no auth view in context; mount one with authview.NewContext")
	}
	return v
}
