package grpctrace

import (
	"context"

	"github.com/3rs4lg4d0/memberbox/tracing"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
)

// SetMetadata sets a metadata key. gRPC keys are lowercase, which matches the
// W3C header names.
func SetMetadata(md metadata.MD, key string, value string) {
	md.Set(key, value)
}

// GetMetadata returns the first value of a metadata key or "".
func GetMetadata(md metadata.MD, key string) string {
	if values := md.Get(key); len(values) > 0 {
		return values[0]
	}
	return ""
}

// InjectOutgoing returns a context whose outgoing metadata carries the span
// context of ctx.
func InjectOutgoing(ctx context.Context, p propagation.TextMapPropagator) context.Context {
	md, ok := metadata.FromOutgoingContext(ctx)
	if !ok {
		md = metadata.New(nil)
	} else {
		md = md.Copy()
	}
	tracing.Inject(ctx, p, md, SetMetadata)
	return metadata.NewOutgoingContext(ctx, md)
}

// ExtractIncoming returns a context holding the remote span context found in
// the incoming metadata of ctx.
func ExtractIncoming(ctx context.Context, p propagation.TextMapPropagator) context.Context {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ctx
	}
	return tracing.Extract(ctx, p, md, GetMetadata)
}

// UnaryServerInterceptor opens a server span parented to the caller's trace.
func UnaryServerInterceptor(tracer trace.Tracer, p propagation.TextMapPropagator) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		ctx = ExtractIncoming(ctx, p)
		ctx, span := tracer.Start(ctx, info.FullMethod,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(attribute.String("rpc.system", "grpc")))
		defer span.End()

		resp, err := handler(ctx, req)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		return resp, err
	}
}

// UnaryClientInterceptor propagates the caller's span context to the server.
func UnaryClientInterceptor(p propagation.TextMapPropagator) grpc.UnaryClientInterceptor {
	return func(ctx context.Context, method string, req, reply any, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
		return invoker(InjectOutgoing(ctx, p), method, req, reply, cc, opts...)
	}
}
