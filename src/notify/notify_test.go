package notify

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestRecorder(t *testing.T) {
	r := &Recorder{}
	var sink Sink = r
	sink.Notify(context.Background(), EventVerifiedNoWallet, map[string]any{"publisher": "a.com"})
	sink.Notify(context.Background(), EventGrantReport, map[string]any{"grantId": "g1"})

	got := r.OfType(EventVerifiedNoWallet)
	require.Len(t, got, 1)
	require.Equal(t, "a.com", got[0].Payload["publisher"])
}

func TestLogSinkNeverFails(t *testing.T) {
	var sink Sink = NewLogSink(zap.NewNop())
	sink.Notify(context.Background(), EventFatal, nil)
}

func TestNatsConnectFailure(t *testing.T) {
	_, err := NewNatsSink("nats://127.0.0.1:1", "probi", zap.NewNop())
	require.Error(t, err)
}
