package ctxutil

import "context"

type contextKey string

const (
	requestDataKey contextKey = "request_data"
	traceDataKey   contextKey = "trace_data"
)

// RequestData is the caller identity asserted by the upstream SSO proxy.
// Groups are the caller's LDAP groups; permission checks against the
// stamps collaborator use email plus groups as principals.
type RequestData struct {
	UserEmail string
	Groups    []string
}

func (rd *RequestData) Principals() []string {
	if rd == nil {
		return nil
	}
	out := make([]string, 0, len(rd.Groups)+1)
	if rd.UserEmail != "" {
		out = append(out, rd.UserEmail)
	}
	out = append(out, rd.Groups...)
	return out
}

type TraceData struct {
	TraceID   string
	RequestID string
}

func WithRequestData(ctx context.Context, rd *RequestData) context.Context {
	return context.WithValue(ctx, requestDataKey, rd)
}

func GetRequestData(ctx context.Context) *RequestData {
	if ctx == nil {
		return nil
	}
	rd, _ := ctx.Value(requestDataKey).(*RequestData)
	return rd
}

func WithTraceData(ctx context.Context, td *TraceData) context.Context {
	return context.WithValue(ctx, traceDataKey, td)
}

func GetTraceData(ctx context.Context) *TraceData {
	if ctx == nil {
		return nil
	}
	td, _ := ctx.Value(traceDataKey).(*TraceData)
	return td
}
