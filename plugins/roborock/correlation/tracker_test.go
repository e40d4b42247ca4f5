package correlation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joshp123/robobridge/plugins/roborock/protocol"
)

func rpcReply(code protocol.Code, key string, id any) protocol.Envelope {
	return protocol.Envelope{
		Header: protocol.Header{Version: protocol.Version1, Protocol: code},
		Body:   protocol.Body{key: map[string]any{"id": id, "result": []any{"ok"}}},
	}
}

func TestResponseTrackerResolves(t *testing.T) {
	tr := NewResponseTracker(time.Second, nil)
	p, err := tr.Expect(42, "get_status")
	require.NoError(t, err)

	reply := rpcReply(protocol.CodeRPCResponse, "102", float64(42))
	assert.True(t, tr.TryResolve(reply))

	env, err := p.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, reply, env)
	assert.Equal(t, 0, tr.Len())

	assert.False(t, tr.TryResolve(reply), "second reply must not resolve again")
}

func TestResponseTrackerRejectsDuplicateID(t *testing.T) {
	tr := NewResponseTracker(time.Second, nil)
	_, err := tr.Expect(7, "a")
	require.NoError(t, err)
	_, err = tr.Expect(7, "b")
	assert.ErrorIs(t, err, ErrDuplicateID)
}

func TestResponseTrackerUniqueIDs(t *testing.T) {
	tr := NewResponseTracker(time.Minute, nil)
	const n = 500
	seen := make(map[int]bool, n)
	for i := 0; i < n; i++ {
		p := tr.Next("get_status")
		require.False(t, seen[p.ID], "duplicate id %d", p.ID)
		seen[p.ID] = true
	}
	assert.Equal(t, n, tr.Len())
	tr.CancelAll(nil)
	assert.Equal(t, 0, tr.Len())
}

func TestResponseTrackerTimeoutRemovesRequest(t *testing.T) {
	tr := NewResponseTracker(20*time.Millisecond, nil)
	p, err := tr.Expect(1, "get_status")
	require.NoError(t, err)

	_, err = p.Wait(context.Background())
	var terr *TimeoutError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, 1, terr.MessageID)
	assert.Equal(t, "get_status", terr.Method)
	assert.Equal(t, 0, tr.Len())

	assert.False(t, tr.TryResolve(rpcReply(protocol.CodeRPCResponse, "102", float64(1))))
}

func TestResponseTrackerContextCancelRemovesRequest(t *testing.T) {
	tr := NewResponseTracker(time.Minute, nil)
	p, err := tr.Expect(3, "app_start")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = p.Wait(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, tr.Len())
}

func TestResponseTrackerCancelAll(t *testing.T) {
	tr := NewResponseTracker(time.Minute, nil)
	a, _ := tr.Expect(1, "a")
	b, _ := tr.Expect(2, "b")
	shutdown := errors.New("shutdown")
	tr.CancelAll(shutdown)

	_, err := a.Wait(context.Background())
	assert.ErrorIs(t, err, shutdown)
	_, err = b.Wait(context.Background())
	assert.ErrorIs(t, err, shutdown)
}

func TestResponseTrackerScanOrder(t *testing.T) {
	tests := []struct {
		name string
		env  protocol.Envelope
		want int
	}{
		{
			name: "declared code",
			env:  rpcReply(protocol.CodeGeneralReply, "5", float64(11)),
			want: 11,
		},
		{
			name: "generic rpc key under another code",
			env:  rpcReply(protocol.CodeStatusPush, "102", "12"),
			want: 12,
		},
		{
			name: "alternate key",
			env:  rpcReply(protocol.CodeRPCResponse, "4", float64(13)),
			want: 13,
		},
		{
			name: "b01 msgId string",
			env: protocol.Envelope{
				Header: protocol.Header{Version: protocol.VersionB01, Protocol: protocol.CodeRPCResponse},
				Body:   protocol.Body{protocol.B01Request: map[string]any{"msgId": "14", "data": map[string]any{}}},
			},
			want: 14,
		},
		{
			name: "array wrapped",
			env: protocol.Envelope{
				Header: protocol.Header{Version: protocol.Version1, Protocol: protocol.CodeRPCResponse},
				Body:   protocol.Body{"102": []any{map[string]any{"id": float64(15)}}},
			},
			want: 15,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := NewResponseTracker(time.Second, nil)
			p, err := tr.Expect(tt.want, "m")
			require.NoError(t, err)
			require.True(t, tr.TryResolve(tt.env))
			select {
			case <-p.Done():
			default:
				t.Fatal("request not settled")
			}
		})
	}
}

func TestResponseTrackerDeclaredCodeWins(t *testing.T) {
	tr := NewResponseTracker(time.Second, nil)
	first, _ := tr.Expect(1, "first")
	second, _ := tr.Expect(2, "second")

	env := protocol.Envelope{
		Header: protocol.Header{Version: protocol.Version1, Protocol: protocol.CodeGeneralReply},
		Body: protocol.Body{
			"102": map[string]any{"id": float64(1)},
			"5":   map[string]any{"id": float64(2)},
		},
	}
	require.True(t, tr.TryResolve(env))
	<-second.Done()
	assert.Equal(t, 1, tr.Len())
	tr.CancelAll(nil)
	<-first.Done()
}

func TestResponseTrackerUnmatchedLeavesState(t *testing.T) {
	tr := NewResponseTracker(time.Second, nil)
	_, _ = tr.Expect(1, "a")
	assert.False(t, tr.TryResolve(rpcReply(protocol.CodeRPCResponse, "102", float64(99))))
	assert.False(t, tr.TryResolve(protocol.Envelope{Header: protocol.Header{Protocol: protocol.CodeStatusPush}, Body: protocol.Body{"121": float64(8)}}))
	assert.Equal(t, 1, tr.Len())
	tr.CancelAll(nil)
}

func TestResponseTrackerConcurrentResolve(t *testing.T) {
	tr := NewResponseTracker(5*time.Second, nil)
	const n = 50
	pending := make([]*Pending, n)
	for i := range pending {
		pending[i] = tr.Next("get_status")
	}

	var wg sync.WaitGroup
	for _, p := range pending {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			tr.TryResolve(rpcReply(protocol.CodeRPCResponse, "102", float64(id)))
		}(p.ID)
	}
	wg.Wait()

	for _, p := range pending {
		env, err := p.Wait(context.Background())
		require.NoError(t, err)
		id, _ := protocol.IntFrom(env.Body["102"].(map[string]any)["id"])
		assert.Equal(t, p.ID, id)
	}
	assert.Equal(t, 0, tr.Len())
}

func TestResponseTrackerMatchesMapBlob(t *testing.T) {
	tr := NewResponseTracker(time.Second, nil)
	p, err := tr.Expect(20001, "get_map_v1")
	require.NoError(t, err)

	env := protocol.Envelope{
		Header: protocol.Header{Version: protocol.Version1, Protocol: protocol.CodeMapResponse},
		Body:   protocol.Body{protocol.CodeMapResponse.Key(): protocol.MapBlob{RequestID: 20001, Data: []byte{1}}},
	}
	require.True(t, tr.TryResolve(env))
	got, err := p.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, env, got)
}
