package mbx

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSendWithRetry(t *testing.T) {
	brokerDown := errors.New("broker down")
	testcases := []struct {
		name         string
		emitter      *fakeEmitter
		wantCalls    int
		wantErr      bool
		wantAttempts int
	}{
		{
			name:      "first attempt succeeds",
			emitter:   &fakeEmitter{},
			wantCalls: 1,
		},
		{
			name:      "second attempt succeeds",
			emitter:   &fakeEmitter{failures: []error{brokerDown}},
			wantCalls: 2,
		},
		{
			name:         "always failing delivery is tried exactly three times",
			emitter:      &fakeEmitter{failures: []error{brokerDown, brokerDown, brokerDown, brokerDown}},
			wantCalls:    3,
			wantErr:      true,
			wantAttempts: 3,
		},
		{
			name:         "always failing produce is tried exactly three times",
			emitter:      &fakeEmitter{sendErr: brokerDown},
			wantCalls:    3,
			wantErr:      true,
			wantAttempts: 3,
		},
	}
	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			s := NewSender(tc.emitter, fastSettings)
			d, err := s.SendWithRetry(context.Background(), "member-created-outbox", NewEvent(MemberCreated, 42))
			assert.Equal(t, tc.wantCalls, tc.emitter.callCount())
			if !tc.wantErr {
				require.NoError(t, err)
				assert.Equal(t, "member-created-outbox", d.Topic)
				return
			}
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrDeliveryFailed)
			assert.ErrorIs(t, err, brokerDown)
			var de *DeliveryError
			require.ErrorAs(t, err, &de)
			assert.Equal(t, tc.wantAttempts, de.Attempts)
			assert.Equal(t, "member-created-outbox", de.Topic)
		})
	}
}

func TestSendWithRetryUsesFixedDelay(t *testing.T) {
	delay := 50 * time.Millisecond
	e := &fakeEmitter{sendErr: errors.New("broker down")}
	s := NewSender(e, Settings{MaxAttempts: 3, RetryDelay: delay})

	start := time.Now()
	_, err := s.SendWithRetry(context.Background(), "topic", NewEvent(MemberCreated, 1))
	elapsed := time.Since(start)

	require.ErrorIs(t, err, ErrDeliveryFailed)
	require.Len(t, e.times, 3)
	for i := 1; i < len(e.times); i++ {
		gap := e.times[i].Sub(e.times[i-1])
		assert.GreaterOrEqual(t, gap, delay)
		assert.Less(t, gap, 4*delay, "no exponential growth expected")
	}
	assert.GreaterOrEqual(t, elapsed, 2*delay)
}

func TestSendWaitsForDelivery(t *testing.T) {
	e := &fakeEmitter{}
	s := NewSender(e, fastSettings)
	d, err := s.Send(context.Background(), "topic", NewEvent(MemberCreated, 1))
	require.NoError(t, err)
	assert.Equal(t, int64(1), d.Offset)
}

func TestNewSender(t *testing.T) {
	assert.Panics(t, func() {
		NewSender(nil, Settings{})
	})
}
