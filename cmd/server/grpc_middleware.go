package main

import (
	"context"
	"log"
	"strings"
	"time"

	"google.golang.org/grpc"

	"convoy/internal/observability"
)

type rateLimiter interface {
	Wait(ctx context.Context) error
}

// waitAndTrack blocks on the limiter and feeds the waited time into the
// metrics sink.
func waitAndTrack(ctx context.Context, limiter rateLimiter, metrics *observability.Metrics) error {
	if limiter == nil {
		return nil
	}
	start := time.Now()
	err := limiter.Wait(ctx)
	metrics.AddRateLimitWait(time.Since(start))
	return err
}

type rateLimitedServerStream struct {
	grpc.ServerStream
	limiter rateLimiter
	metrics *observability.Metrics
}

func (s *rateLimitedServerStream) RecvMsg(m any) error {
	if err := waitAndTrack(s.Context(), s.limiter, s.metrics); err != nil {
		return err
	}
	return s.ServerStream.RecvMsg(m)
}

func rateLimitUnaryInterceptor(limiter rateLimiter, metrics *observability.Metrics) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		span := &observability.CallSpan{}
		start := time.Now()
		if metrics != nil && shouldTrackMethod(info.FullMethod) {
			span = metrics.Start(info.FullMethod)
		}
		if err := waitAndTrack(ctx, limiter, metrics); err != nil {
			span.End(err)
			return nil, err
		}
		resp, err := handler(ctx, req)
		span.End(err)
		if err != nil && shouldTrackMethod(info.FullMethod) {
			log.Printf("grpc unary %s error after %v: %v", info.FullMethod, time.Since(start), err)
		}
		return resp, err
	}
}

func rateLimitStreamInterceptor(limiter rateLimiter, metrics *observability.Metrics) grpc.StreamServerInterceptor {
	return func(srv any, stream grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		span := &observability.CallSpan{}
		start := time.Now()
		if metrics != nil && shouldTrackMethod(info.FullMethod) {
			span = metrics.Start(info.FullMethod)
		}

		wrapped := stream
		if limiter != nil {
			wrapped = &rateLimitedServerStream{
				ServerStream: stream,
				limiter:      limiter,
				metrics:      metrics,
			}
		}
		err := handler(srv, wrapped)
		span.End(err)
		if err != nil && shouldTrackMethod(info.FullMethod) {
			log.Printf("grpc stream %s error after %v: %v", info.FullMethod, time.Since(start), err)
		}
		return err
	}
}

func shouldTrackMethod(method string) bool {
	return method != "" && !strings.HasPrefix(method, "/grpc.reflection.")
}
