package errors

import (
	"bytes"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

type failingCloser struct{}

func (failingCloser) Close() error { return errors.New("close failed") }

type okCloser struct{ closed bool }

func (c *okCloser) Close() error {
	c.closed = true
	return nil
}

func TestDeferCloseLogsFailure(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)

	DeferClose(logger, failingCloser{}, "failed to close resource")
	assert.Contains(t, buf.String(), "failed to close resource")
}

func TestDeferCloseSuccess(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)

	c := &okCloser{}
	DeferClose(logger, c, "should not log")
	assert.True(t, c.closed)
	assert.Empty(t, buf.String())
}

func TestDeferCloseNil(t *testing.T) {
	logger := zerolog.Nop()
	assert.NotPanics(t, func() {
		DeferClose(logger, nil, "nil closer")
	})
}

func TestMust(t *testing.T) {
	assert.NotPanics(t, func() { Must(nil, "ok") })
	assert.Panics(t, func() { Must(errors.New("boom"), "init") })
}
