package provider

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestClassifyStatus(t *testing.T) {
	cases := []struct {
		status    int
		wantClass ErrorClass
		retryable bool
	}{
		{401, ErrorClassAuth, false},
		{403, ErrorClassAuth, false},
		{429, ErrorClassRateLimited, true},
		{408, ErrorClassTimeout, true},
		{504, ErrorClassTimeout, true},
		{500, ErrorClassProvider, true},
		{503, ErrorClassProvider, true},
		{400, ErrorClassProvider, false},
		{404, ErrorClassProvider, false},
	}
	for _, tc := range cases {
		e := classifyStatus(tc.status, "body", 0)
		if e.Class != tc.wantClass {
			t.Errorf("status %d: class = %s, want %s", tc.status, e.Class, tc.wantClass)
		}
		if e.Retryable() != tc.retryable {
			t.Errorf("status %d: retryable = %v, want %v", tc.status, e.Retryable(), tc.retryable)
		}
	}
}

func TestClassifyStatusCarriesRetryAfter(t *testing.T) {
	e := classifyStatus(429, "slow down", 7*time.Second)
	if e.RetryAfter != 7*time.Second {
		t.Fatalf("retry after = %v", e.RetryAfter)
	}
}

func TestClassifyTransport(t *testing.T) {
	if e := classifyTransport(context.DeadlineExceeded); true {
		pe, ok := AsError(e)
		if !ok || pe.Class != ErrorClassTimeout {
			t.Fatalf("deadline should classify as timeout, got %v", e)
		}
	}
	if e := classifyTransport(context.Canceled); !errors.Is(e, context.Canceled) {
		t.Fatalf("cancel must pass through, got %v", e)
	}
	if e := classifyTransport(errors.New("connection refused")); true {
		pe, ok := AsError(e)
		if !ok || pe.Class != ErrorClassNetwork {
			t.Fatalf("dial failure should classify as network, got %v", e)
		}
	}
}

func TestIsRetryableUnclassified(t *testing.T) {
	if IsRetryable(errors.New("opaque")) {
		t.Fatal("unclassified errors must not be retryable")
	}
	if IsRetryable(nil) {
		t.Fatal("nil is not retryable")
	}
}

func TestErrorMessageTruncation(t *testing.T) {
	long := make([]byte, 2048)
	for i := range long {
		long[i] = 'x'
	}
	e := classifyStatus(500, string(long), 0)
	if len(e.Message) > 512 {
		t.Fatalf("message not truncated: %d bytes", len(e.Message))
	}
}
