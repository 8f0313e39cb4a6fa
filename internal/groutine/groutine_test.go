package groutine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGo_NameVisibleInsideGoroutine(t *testing.T) {
	names := make(chan string, 1)

	done := Go(context.Background(), "acquisition-test", func(ctx context.Context) {
		names <- GetName(ctx)
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("goroutine MUST finish")
	}
	assert.Equal(t, "acquisition-test", <-names, "name MUST be propagated through context")
}

func TestGo_NilParentContext(t *testing.T) {
	//nolint:staticcheck // nil parent is an accepted input
	done := Go(nil, "nil-parent", func(ctx context.Context) {
		require.NotNil(t, ctx)
	})
	<-done
}

func TestGo_ParentCancellationPropagates(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	done := Go(ctx, "cancel-aware", func(ctx context.Context) {
		<-ctx.Done()
	})

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("goroutine MUST observe parent cancellation")
	}
}

func TestGetName_Empty(t *testing.T) {
	assert.Empty(t, GetName(context.Background()))
	//nolint:staticcheck
	assert.Empty(t, GetName(nil))
}

func TestGetGID(t *testing.T) {
	assert.NotZero(t, GetGID(), "goroutine id MUST be parsed from the stack header")
}
