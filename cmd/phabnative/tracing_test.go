package main

import (
	"bytes"
	"context"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/momentics/phab-native/internal/logging"
)

func TestTracerProviderLogsSpans(t *testing.T) {
	var buf bytes.Buffer
	tp := newTracerProvider(logging.Setup(logging.Options{JSON: true, Output: &buf}))

	_, span := tp.Tracer(tracerName).Start(context.Background(), "phab.request")
	span.SetAttributes(attribute.String("phab.path", "/missing"))
	span.SetStatus(codes.Error, "no route")
	span.End()
	require.NoError(t, tp.Shutdown(context.Background()))

	out := buf.String()
	assert.Contains(t, out, `"msg":"phab.request"`)
	assert.Contains(t, out, `"phab.path":"/missing"`)
	assert.Contains(t, out, `"status":"Error"`)
	assert.Contains(t, out, `"status_description":"no route"`)
	assert.Contains(t, out, `"component":"trace"`)
}

func TestTraceFlag(t *testing.T) {
	v := viper.New()
	newRootCommand(v)
	cfg, err := loadConfig(v, "")
	require.NoError(t, err)
	assert.False(t, cfg.Trace)

	v = viper.New()
	cmd := newRootCommand(v)
	require.NoError(t, cmd.ParseFlags([]string{"--trace"}))
	cfg, err = loadConfig(v, "")
	require.NoError(t, err)
	assert.True(t, cfg.Trace)
}
