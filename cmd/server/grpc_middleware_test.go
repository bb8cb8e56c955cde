package main

import (
	"context"
	"errors"
	"testing"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"

	"convoy/internal/observability"
)

type stubLimiter struct {
	calls int
	err   error
}

func (s *stubLimiter) Wait(ctx context.Context) error {
	s.calls++
	return s.err
}

type stubServerStream struct {
	ctx       context.Context
	recvCalls int
	recvErr   error
}

func (s *stubServerStream) Context() context.Context { return s.ctx }
func (s *stubServerStream) RecvMsg(m any) error {
	s.recvCalls++
	return s.recvErr
}
func (s *stubServerStream) SendMsg(m any) error             { return nil }
func (s *stubServerStream) SetHeader(md metadata.MD) error  { return nil }
func (s *stubServerStream) SendHeader(md metadata.MD) error { return nil }
func (s *stubServerStream) SetTrailer(md metadata.MD)       {}

func TestRateLimitUnaryInterceptor_CallsLimiter(t *testing.T) {
	limiter := &stubLimiter{}
	metrics := observability.NewMetrics()
	interceptor := rateLimitUnaryInterceptor(limiter, metrics)

	_, err := interceptor(context.Background(), "req", &grpc.UnaryServerInfo{FullMethod: "/convoy.Orders/Get"}, func(ctx context.Context, req any) (any, error) {
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if limiter.calls != 1 {
		t.Fatalf("expected limiter to be called once, got %d", limiter.calls)
	}
}

func TestRateLimitUnaryInterceptor_LimiterErrorShortCircuits(t *testing.T) {
	limErr := errors.New("rate limited")
	limiter := &stubLimiter{err: limErr}
	interceptor := rateLimitUnaryInterceptor(limiter, observability.NewMetrics())

	handled := false
	_, err := interceptor(context.Background(), "req", &grpc.UnaryServerInfo{FullMethod: "/convoy.Orders/Get"}, func(ctx context.Context, req any) (any, error) {
		handled = true
		return nil, nil
	})
	if !errors.Is(err, limErr) {
		t.Fatalf("expected limiter error, got %v", err)
	}
	if handled {
		t.Fatalf("handler ran despite limiter rejection")
	}
}

func TestRateLimitedServerStream_RecvMsgCallsLimiter(t *testing.T) {
	limiter := &stubLimiter{}
	stream := &stubServerStream{ctx: context.Background()}
	wrapped := &rateLimitedServerStream{
		ServerStream: stream,
		limiter:      limiter,
		metrics:      observability.NewMetrics(),
	}

	if err := wrapped.RecvMsg(&struct{}{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if limiter.calls != 1 {
		t.Fatalf("expected limiter to be called once, got %d", limiter.calls)
	}
	if stream.recvCalls != 1 {
		t.Fatalf("expected recv to be called once, got %d", stream.recvCalls)
	}
}

func TestWaitAndTrackRecordsWaitTime(t *testing.T) {
	metrics := observability.NewMetrics()
	limiter := &stubLimiter{}

	if err := waitAndTrack(context.Background(), limiter, metrics); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if limiter.calls != 1 {
		t.Fatalf("expected one limiter call, got %d", limiter.calls)
	}
	if metrics.Snapshot().RateLimitWaits != 1 {
		t.Fatalf("expected one recorded wait, got %d", metrics.Snapshot().RateLimitWaits)
	}
}

func TestShouldTrackMethod(t *testing.T) {
	if shouldTrackMethod("/grpc.reflection.v1.ServerReflection/ServerReflectionInfo") {
		t.Fatalf("reflection calls should not be tracked")
	}
	if shouldTrackMethod("") {
		t.Fatalf("empty method should not be tracked")
	}
	if !shouldTrackMethod("/convoy.Orders/Get") {
		t.Fatalf("business calls should be tracked")
	}
}

func TestWaitAndTrackNilLimiter(t *testing.T) {
	if err := waitAndTrack(context.Background(), nil, observability.NewMetrics()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
