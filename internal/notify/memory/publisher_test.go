package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/telemirror/telemirror/internal/mirror"
)

func TestPublisherRecordsItems(t *testing.T) {
	t.Parallel()

	p := New()
	require.Empty(t, p.Items())

	item := mirror.ContentItem{DestinationID: 7, ItemID: 42, Text: "archived"}
	require.NoError(t, p.Publish(context.Background(), item))

	items := p.Items()
	require.Len(t, items, 1)
	require.Equal(t, item, items[0])
	require.NoError(t, p.Close())
}
