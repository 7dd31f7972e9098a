package events

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/supercomp/internal/interfaces"
)

func TestLoggerSubscriberAcceptsAnyPayload(t *testing.T) {
	subscriber := NewLoggerSubscriber(arbor.NewLogger())
	ctx := context.Background()

	assert.NoError(t, subscriber(ctx, interfaces.Event{
		Type:    interfaces.EventJobCreated,
		Payload: map[string]interface{}{"job_id": "1790012345001-0a1b2c3d", "state": "pending"},
	}))
	assert.NoError(t, subscriber(ctx, interfaces.Event{Type: interfaces.EventJobFailed}))
}

func TestPublishReachesSubscribers(t *testing.T) {
	service := NewService(arbor.NewLogger())
	defer service.Close()

	var calls int32
	_, err := service.Subscribe(interfaces.EventCaptchaWaiting, func(ctx context.Context, event interfaces.Event) error {
		atomic.AddInt32(&calls, 1)
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, service.Publish(context.Background(), interfaces.Event{Type: interfaces.EventCaptchaWaiting}))
	assert.Eventually(t, func() bool { return atomic.LoadInt32(&calls) == 1 }, time.Second, 5*time.Millisecond)
}

func TestUnsubscribeById(t *testing.T) {
	service := NewService(arbor.NewLogger())
	defer service.Close()

	var calls int32
	handler := func(ctx context.Context, event interfaces.Event) error {
		atomic.AddInt32(&calls, 1)
		return nil
	}
	first, err := service.Subscribe(interfaces.EventJobCompleted, handler)
	require.NoError(t, err)
	_, err = service.Subscribe(interfaces.EventJobCompleted, handler)
	require.NoError(t, err)

	require.NoError(t, service.Unsubscribe(interfaces.EventJobCompleted, first))
	assert.Error(t, service.Unsubscribe(interfaces.EventJobCompleted, first))

	require.NoError(t, service.Publish(context.Background(), interfaces.Event{Type: interfaces.EventJobCompleted}))
	assert.Eventually(t, func() bool { return atomic.LoadInt32(&calls) == 1 }, time.Second, 5*time.Millisecond)
	assert.Never(t, func() bool { return atomic.LoadInt32(&calls) > 1 }, 50*time.Millisecond, 5*time.Millisecond)
}

func TestPublishIgnoresHandlerFailures(t *testing.T) {
	service := NewService(arbor.NewLogger())
	defer service.Close()

	called := make(chan struct{}, 1)
	_, err := service.Subscribe(interfaces.EventJobFailed, func(ctx context.Context, event interfaces.Event) error {
		called <- struct{}{}
		return errors.New("boom")
	})
	require.NoError(t, err)

	assert.NoError(t, service.Publish(context.Background(), interfaces.Event{Type: interfaces.EventJobFailed}))
	select {
	case <-called:
	case <-time.After(time.Second):
		t.Fatal("handler not called")
	}
}

func TestSubscribeRejectsNilHandler(t *testing.T) {
	service := NewService(arbor.NewLogger())
	defer service.Close()

	_, err := service.Subscribe(interfaces.EventJobCreated, nil)
	assert.Error(t, err)
}
