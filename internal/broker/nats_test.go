package broker

import (
	"os"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubject(t *testing.T) {
	assert.Equal(t, "chat.room.general", Subject("general"))
}

// Needs a live server: CHATSYNC_TEST_NATS_URL=nats://localhost:4222
func TestBrokerRelaysBetweenOrigins(t *testing.T) {
	url := os.Getenv("CHATSYNC_TEST_NATS_URL")
	if url == "" {
		t.Skip("CHATSYNC_TEST_NATS_URL not set")
	}

	a, err := NewNATSBroker(url, "node-a", zerolog.Nop())
	require.NoError(t, err)
	defer a.Close()
	b, err := NewNATSBroker(url, "node-b", zerolog.Nop())
	require.NoError(t, err)
	defer b.Close()

	type frame struct {
		room string
		data string
	}
	gotA := make(chan frame, 4)
	gotB := make(chan frame, 4)
	require.NoError(t, a.Subscribe(func(room string, data []byte) { gotA <- frame{room, string(data)} }))
	require.NoError(t, b.Subscribe(func(room string, data []byte) { gotB <- frame{room, string(data)} }))
	require.NoError(t, a.conn.Flush())
	require.NoError(t, b.conn.Flush())

	room := "r" + ulid.Make().String()
	require.NoError(t, a.Publish(room, []byte(`{"type":"room_cleared"}`)))

	select {
	case f := <-gotB:
		assert.Equal(t, frame{room, `{"type":"room_cleared"}`}, f)
	case <-time.After(2 * time.Second):
		t.Fatal("frame not relayed")
	}

	select {
	case f := <-gotA:
		t.Fatalf("publisher received its own frame: %+v", f)
	case <-time.After(100 * time.Millisecond):
	}
}
