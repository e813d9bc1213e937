package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chanfs/internal/common"
)

func TestClient_SendFetchDelete(t *testing.T) {
	ctx := context.Background()
	c := New(8, "data")

	id, err := c.SendBlob(ctx, "data", "a.bin", []byte("payload"))
	require.NoError(t, err)

	got, err := c.FetchBlob(ctx, "data", id)
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), got)

	_, err = c.SendBlob(ctx, "data", "big.bin", make([]byte, 9))
	assert.ErrorIs(t, err, common.ErrChunkTooLarge)

	require.NoError(t, c.DeleteMessage(ctx, "data", id))
	_, err = c.FetchBlob(ctx, "data", id)
	assert.ErrorIs(t, err, common.ErrNotFound)
	assert.ErrorIs(t, c.DeleteMessage(ctx, "data", id), common.ErrNotFound)

	_, err = c.SendBlob(ctx, "missing", "a.bin", nil)
	assert.ErrorIs(t, err, common.ErrNotFound)
}

func TestClient_HistoryPaging(t *testing.T) {
	ctx := context.Background()
	c := New(64, "meta")

	var ids []string
	for i := 0; i < 7; i++ {
		id, err := c.SendBlob(ctx, "meta", "r.json", []byte{byte(i)})
		require.NoError(t, err)
		ids = append(ids, id)
	}
	require.NoError(t, c.DeleteMessage(ctx, "meta", ids[3]))

	var seen []string
	cursor := ""
	pages := 0
	for {
		page, err := c.ListChannelHistory(ctx, "meta", cursor, 2)
		require.NoError(t, err)
		pages++
		for _, m := range page.Messages {
			seen = append(seen, m.ID)
		}
		if page.Next == "" {
			break
		}
		cursor = page.Next
	}

	assert.Equal(t, []string{ids[0], ids[1], ids[2], ids[4], ids[5], ids[6]}, seen)
	assert.Equal(t, 3, pages)
}

func TestClient_FaultInjection(t *testing.T) {
	ctx := context.Background()
	c := New(64, "data")
	boom := errors.New("boom")

	c.FailNext(OpSend, 2, boom)
	_, err := c.SendBlob(ctx, "data", "x", nil)
	assert.ErrorIs(t, err, boom)
	_, err = c.SendBlob(ctx, "data", "x", nil)
	assert.ErrorIs(t, err, boom)
	_, err = c.SendBlob(ctx, "data", "x", nil)
	assert.NoError(t, err)

	c.FailAfter(OpSend, 1, boom)
	_, err = c.SendBlob(ctx, "data", "x", nil)
	assert.NoError(t, err)
	_, err = c.SendBlob(ctx, "data", "x", nil)
	assert.ErrorIs(t, err, boom)

	c.SetFault(OpSend, nil)
	_, err = c.SendBlob(ctx, "data", "x", nil)
	assert.NoError(t, err)
	assert.Equal(t, 6, c.Calls(OpSend))
	assert.Len(t, c.MessageIDs("data"), 3)
}
