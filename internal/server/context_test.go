package server

import (
	"context"
	"testing"
	"time"
)

func TestRequestInfoContext(t *testing.T) {
	started := time.Date(2024, 3, 4, 12, 0, 0, 0, time.UTC)
	ctx := WithRequestInfo(context.Background(), RequestInfo{
		CorrelationID: "abc",
		Worker:        "w1",
		Started:       started,
	})

	info, ok := RequestInfoFromContext(ctx)
	if !ok {
		t.Fatal("expected request info in context")
	}
	if info.CorrelationID != "abc" || info.Worker != "w1" || !info.Started.Equal(started) {
		t.Errorf("unexpected request info: %+v", info)
	}
}

func TestRequestInfoFromContextEmpty(t *testing.T) {
	if _, ok := RequestInfoFromContext(context.Background()); ok {
		t.Error("expected no request info in a bare context")
	}
}
