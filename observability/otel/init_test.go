package otel

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseHeaders(t *testing.T) {
	got := ParseHeaders(" api-key = abc ,broken, =x,tenant=mm,")
	require.Equal(t, map[string]string{"api-key": "abc", "tenant": "mm"}, got)
	require.Empty(t, ParseHeaders(""))
}

func TestInitValidation(t *testing.T) {
	_, err := Init(context.Background(), Config{})
	require.Error(t, err)

	_, err = Init(context.Background(), Config{ServiceName: "lendingd", SampleRatio: 2})
	require.Error(t, err)
}

func TestInitWithoutExporters(t *testing.T) {
	shutdown, err := Init(context.Background(), Config{ServiceName: "lendingd"})
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))
}
