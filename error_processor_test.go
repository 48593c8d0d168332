package outbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDirective(t *testing.T) {
	t.Parallel()

	assert.Equal(t, ActionContinue, Continue().Action())
	assert.Equal(t, ActionAbort, Abort().Action())
	assert.Equal(t, ActionAbort, Directive{}.Action())

	d := Retry(3, Continue())
	assert.Equal(t, ActionRetry, d.Action())
	assert.Equal(t, 3, d.Attempts())
	assert.Equal(t, ActionContinue, d.Fallback())
	assert.Equal(t, "retry(3, then continue)", d.String())

	d = Retry(-1, Retry(2, Continue()))
	assert.Zero(t, d.Attempts())
	assert.Equal(t, ActionAbort, d.Fallback())
}

func TestConsoleErrorProcessor(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	p := NewConsoleErrorProcessor(&buf)

	d := p.Process(context.Background(), errors.New("boom"), Envelope{Discriminator: "user.created.v1", ID: "17", Position: 0x16B3748})
	assert.Equal(t, ActionAbort, d.Action())
	assert.Contains(t, buf.String(), `message "user.created.v1" id=17 at 0/16B3748 failed: boom`)

	unknown := fmt.Errorf("%w: %q", ErrUnknownDiscriminator, "order.placed.v1")
	d = p.Process(context.Background(), unknown, Envelope{Discriminator: "order.placed.v1", Position: 0x16B3800})
	assert.Equal(t, ActionContinue, d.Action())
	assert.Contains(t, buf.String(), `message "order.placed.v1"`)
}

func TestErrorProcessorPresets(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	assert.Equal(t, ActionContinue, ContinueOnError().Process(ctx, errors.New("x"), Envelope{}).Action())
	assert.Equal(t, ActionAbort, AbortOnError().Process(ctx, errors.New("x"), Envelope{}).Action())
	assert.Equal(t, ActionAbort, AbortOnError().Process(ctx, ErrUnknownDiscriminator, Envelope{}).Action())

	d := RetryOnError(2, Abort()).Process(ctx, errors.New("x"), Envelope{})
	assert.Equal(t, ActionRetry, d.Action())
	assert.Equal(t, 2, d.Attempts())
	assert.Equal(t, ActionAbort, d.Fallback())
}
