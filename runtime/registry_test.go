package runtime

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"rescue-chat/domain"
	"rescue-chat/domain/event"
)

type sinkFunc func(ctx context.Context, evt event.ChatEvent) error

func (f sinkFunc) Consume(ctx context.Context, evt event.ChatEvent) error { return f(ctx, evt) }

func nopSink() sinkFunc {
	return func(context.Context, event.ChatEvent) error { return nil }
}

func TestRegistry_Rooms(t *testing.T) {
	room := event.ChatRoom("c1")

	t.Run("should fan a room out to every member", func(t *testing.T) {
		req := require.New(t)
		r := NewRegistry()
		r.Register("conn-1", nopSink())
		r.Register("conn-2", nopSink())
		r.JoinRoom("conn-1", room)
		r.JoinRoom("conn-2", room)

		req.Len(r.RoomSinks(room, "", ""), 2)
	})

	t.Run("should exclude a single connection", func(t *testing.T) {
		req := require.New(t)
		r := NewRegistry()
		r.Register("conn-1", nopSink())
		r.Register("conn-2", nopSink())
		r.JoinRoom("conn-1", room)
		r.JoinRoom("conn-2", room)

		req.Len(r.RoomSinks(room, "conn-1", ""), 1)
	})

	t.Run("should exclude every connection of a user", func(t *testing.T) {
		req := require.New(t)
		r := NewRegistry()
		// Two tabs for u1, one for u2, all in the same room
		for _, id := range []ConnID{"conn-1", "conn-2", "conn-3"} {
			r.Register(id, nopSink())
			r.JoinRoom(id, room)
		}
		r.Bind("conn-1", "u1")
		r.Bind("conn-2", "u1")
		r.Bind("conn-3", "u2")

		req.Len(r.RoomSinks(room, "", "u1"), 1)
	})

	t.Run("should ignore joins from unregistered connections", func(t *testing.T) {
		req := require.New(t)
		r := NewRegistry()
		r.JoinRoom("ghost", room)

		req.Empty(r.RoomSinks(room, "", ""))
	})
}

func TestRegistry_Remove(t *testing.T) {
	t.Run("should drop rooms, user slot and sink together", func(t *testing.T) {
		req := require.New(t)
		r := NewRegistry()
		r.Register("conn-1", nopSink())
		r.Bind("conn-1", "u1")
		r.JoinRoom("conn-1", event.ChatRoom("c1"))
		r.JoinRoom("conn-1", event.UserRoom("u1"))

		r.Remove("conn-1")

		req.Zero(r.ConnectionCount())
		req.Zero(r.UserConnectionCount("u1"))
		req.Empty(r.RoomSinks(event.ChatRoom("c1"), "", ""))
		_, ok := r.Owner("conn-1")
		req.False(ok)
	})

	t.Run("should keep the user set while other connections remain", func(t *testing.T) {
		req := require.New(t)
		r := NewRegistry()
		r.Register("conn-1", nopSink())
		r.Register("conn-2", nopSink())
		r.Bind("conn-1", "u1")
		r.Bind("conn-2", "u1")

		r.Remove("conn-1")

		req.Equal(1, r.UserConnectionCount(domain.UserID("u1")))
	})

	t.Run("should tolerate removing an unknown connection", func(t *testing.T) {
		r := NewRegistry()
		r.Remove("ghost")
	})
}
