package events

import (
	"context"
	stderrors "errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"LeadFlow/internal/model"
)

type failingPublisher struct{ calls int }

func (f *failingPublisher) Publish(context.Context, string, model.EventMessage) error {
	f.calls++
	return stderrors.New("broker down")
}

func TestEmitterRecordsEvents(t *testing.T) {
	rec := &Recorder{}
	e := NewEmitter(rec)

	e.Emit(context.Background(), MessageSent, "message:1", 7, map[string]interface{}{"channel": "email"})
	e.Emit(context.Background(), CreditsRefunded, "campaign:9", 7, nil)

	assert.Equal(t, []string{MessageSent, CreditsRefunded}, rec.Types())
	require.Len(t, rec.Events, 2)
	assert.Equal(t, int64(7), rec.Events[0].UserID)
	assert.NotEmpty(t, rec.Events[0].OccurredAt)
	assert.NotEmpty(t, rec.Events[0].EventID)
	assert.NotEqual(t, rec.Events[0].EventID, rec.Events[1].EventID)
}

func TestEmitterSwallowsErrors(t *testing.T) {
	p := &failingPublisher{}
	e := NewEmitter(p)
	assert.NotPanics(t, func() {
		e.Emit(context.Background(), MessageFailed, "message:1", 7, nil)
	})
	assert.Equal(t, 1, p.calls)

	var nilEmitter *Emitter
	assert.NotPanics(t, func() {
		nilEmitter.Emit(context.Background(), MessageFailed, "message:1", 7, nil)
	})
}
