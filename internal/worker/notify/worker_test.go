package notify

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acme/adherence-call-pipeline/internal/queue"
	apperrors "github.com/acme/adherence-call-pipeline/pkg/errors"
	"github.com/acme/adherence-call-pipeline/pkg/logger"
)

type fakeDeliverer struct {
	got []queue.NotificationMessage
	err error
}

func (f *fakeDeliverer) Deliver(ctx context.Context, msg queue.NotificationMessage) error {
	f.got = append(f.got, msg)
	return f.err
}

func TestHandleDeliversDecodedMessage(t *testing.T) {
	d := &fakeDeliverer{}
	w := New(nil, d, nil, logger.Nop())
	callID := uuid.New()

	err := w.handle(context.Background(), kafka.Message{
		Value: []byte(`{"kind":"missed_call_alert","call_id":"` + callID.String() + `"}`),
	})
	require.NoError(t, err)
	require.Len(t, d.got, 1)
	assert.Equal(t, queue.NotificationMissedCall, d.got[0].Kind)
	assert.Equal(t, callID, d.got[0].CallID)
}

func TestHandleClassifiesDeliveryErrors(t *testing.T) {
	w := New(nil, &fakeDeliverer{}, nil, logger.Nop())
	err := w.handle(context.Background(), kafka.Message{Value: []byte(`{`)})
	assert.True(t, errors.Is(err, apperrors.ErrValidation))

	w = New(nil, &fakeDeliverer{err: fmt.Errorf("load call: %w", apperrors.ErrNotFound)}, nil, logger.Nop())
	err = w.handle(context.Background(), kafka.Message{Value: []byte(`{}`)})
	assert.False(t, apperrors.Retryable(err))

	w = New(nil, &fakeDeliverer{err: errors.New("twilio: 503")}, nil, logger.Nop())
	err = w.handle(context.Background(), kafka.Message{Value: []byte(`{}`)})
	assert.True(t, apperrors.Retryable(err))
}
