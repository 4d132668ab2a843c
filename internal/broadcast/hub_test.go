package broadcast

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHub_DeliversToChannelSubscribers(t *testing.T) {
	h := NewHub[string](4)

	zim, stopZim := h.Subscribe("zim-downloads")
	defer stopZim()

	maps, stopMaps := h.Subscribe("map-downloads")
	defer stopMaps()

	all, stopAll := h.SubscribeAll()
	defer stopAll()

	h.Publish("zim-downloads", "a")

	require.Len(t, zim, 1)
	assert.Equal(t, Message[string]{Channel: "zim-downloads", Payload: "a"}, <-zim)
	assert.Empty(t, maps)

	require.Len(t, all, 1)
	assert.Equal(t, "a", (<-all).Payload)
}

func TestHub_SlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	h := NewHub[int](1)

	ch, stop := h.Subscribe("c")
	defer stop()

	h.Publish("c", 1)
	h.Publish("c", 2)

	assert.Equal(t, 1, (<-ch).Payload)
	assert.Equal(t, int64(1), h.Dropped())
}

func TestHub_PriorityMessageEvictsOldest(t *testing.T) {
	h := NewHub[string](3, WithPriority(func(s string) bool { return strings.HasPrefix(s, "done") }))

	ch, stop := h.Subscribe("c")
	defer stop()

	for _, p := range []string{"p1", "p2", "p3", "done-a", "p4", "done-b"} {
		h.Publish("c", p)
	}

	// p1 made room for done-a, p4 was dropped, p2 made room for done-b
	require.Len(t, ch, 3)
	assert.Equal(t, "p3", (<-ch).Payload)
	assert.Equal(t, "done-a", (<-ch).Payload)
	assert.Equal(t, "done-b", (<-ch).Payload)
	assert.Equal(t, int64(3), h.Dropped())
}

func TestHub_PriorityMessagesAreNotEvictedByEachOther(t *testing.T) {
	h := NewHub[string](2, WithPriority(func(s string) bool { return strings.HasPrefix(s, "done") }))

	ch, stop := h.Subscribe("c")
	defer stop()

	h.Publish("c", "done-a")
	h.Publish("c", "done-b")
	h.Publish("c", "done-c")

	require.Len(t, ch, 2)

	got := []string{(<-ch).Payload, (<-ch).Payload}
	assert.ElementsMatch(t, []string{"done-a", "done-b"}, got)
	assert.Equal(t, int64(1), h.Dropped())
}

func TestHub_UnsubscribeClosesStream(t *testing.T) {
	h := NewHub[int](1)

	ch, stop := h.Subscribe("c")
	stop()
	stop()

	_, ok := <-ch
	assert.False(t, ok)

	h.Publish("c", 1)
	assert.Zero(t, h.Dropped())
}

func TestHub_Close(t *testing.T) {
	h := NewHub[int](1)

	ch, stop := h.Subscribe("c")
	h.Close()
	stop()

	_, ok := <-ch
	assert.False(t, ok)

	late, _ := h.Subscribe("c")
	_, ok = <-late
	assert.False(t, ok)

	h.Publish("c", 1)
}
