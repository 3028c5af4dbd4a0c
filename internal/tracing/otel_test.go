package tracing

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
)

func TestInitTracer_ExportsSpans(t *testing.T) {
	var buf bytes.Buffer
	shutdown, err := InitTracer("dbops-orchestrator-test", "node-1", &buf, false)
	require.NoError(t, err)

	_, span := otel.Tracer("dbops-orchestrator/test").Start(context.Background(), "engine.Execute")
	span.End()

	require.NoError(t, shutdown(context.Background()))
	assert.Contains(t, buf.String(), "engine.Execute")
	assert.Contains(t, buf.String(), "dbops-orchestrator-test")
}
