package router

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func byFirstByte(payload []byte) FrameKind {
	if len(payload) > 0 && payload[0] == 0xAC {
		return KindAck
	}
	return KindMessage
}

func TestDispatchRoutesMessagesAndAcks(t *testing.T) {
	r := New(byFirstByte)
	defer r.Close()

	go func() {
		_ = r.Dispatch(context.Background(), Frame{Payload: []byte{0x01, 'm'}})
	}()
	select {
	case f := <-r.Messages():
		assert.Equal(t, byte('m'), f.Payload[1])
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for message frame")
	}

	go func() {
		_ = r.Dispatch(context.Background(), Frame{Payload: []byte{0xAC, 'a'}})
	}()
	select {
	case f := <-r.Acks():
		assert.Equal(t, byte('a'), f.Payload[1])
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for ack frame")
	}
}

func TestDispatchBlocksUntilConsumed(t *testing.T) {
	r := New(byFirstByte)
	defer r.Close()

	delivered := make(chan struct{})
	go func() {
		_ = r.Dispatch(context.Background(), Frame{Payload: []byte{0x00}})
		close(delivered)
	}()

	select {
	case <-delivered:
		t.Fatal("dispatch should not have returned before the frame was consumed")
	case <-time.After(50 * time.Millisecond):
	}

	<-r.Messages()
	select {
	case <-delivered:
	case <-time.After(time.Second):
		t.Fatal("dispatch did not unblock after consumption")
	}
}

func TestDispatchRespectsContextCancellation(t *testing.T) {
	r := New(byFirstByte)
	defer r.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := r.Dispatch(ctx, Frame{Payload: []byte{0x00}})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDispatchUnblocksOnClose(t *testing.T) {
	r := New(byFirstByte)

	errCh := make(chan error, 1)
	go func() {
		errCh <- r.Dispatch(context.Background(), Frame{Payload: []byte{0x00}})
	}()

	time.Sleep(20 * time.Millisecond)
	r.Close()

	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("dispatch did not unblock on router close")
	}
}
