package sampleview

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/topos-protocol/topos-tce-broadcast/types"
)

func TestPublisherCurrentReflectsLatestPublish(t *testing.T) {
	v1 := New([]types.ValidatorID{{1}}, []types.ValidatorID{{1}}, 4)
	p := NewPublisher(v1)
	require.Equal(t, 4, p.Current().NetworkSize)

	v2 := New([]types.ValidatorID{{1}, {2}}, []types.ValidatorID{{1}, {2}}, 5)
	p.Publish(v2)
	require.Equal(t, 5, p.Current().NetworkSize)
	require.True(t, p.Current().Echo.Contains(types.ValidatorID{2}))
}

func TestSubscribersReceiveWholeNewView(t *testing.T) {
	p := NewPublisher(New(nil, nil, 1))
	ch, sub := p.Subscribe(1)
	defer sub.Unsubscribe()

	next := New([]types.ValidatorID{{9}}, nil, 3)
	p.Publish(next)

	select {
	case got := <-ch:
		view := got.(View)
		require.Equal(t, 3, view.NetworkSize)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for published view")
	}
}
