package ws

import (
	"testing"

	"github.com/gorilla/websocket"
)

func TestHubAddAndRemoveClient(t *testing.T) {
	hub := NewHub()
	conn := &websocket.Conn{}

	if size := hub.AddClient(1, conn, ConnInfo{ConnID: "c1"}); size != 1 {
		t.Fatalf("expected room size 1, got %d", size)
	}
	if len(hub.rooms) != 1 {
		t.Fatalf("expected chat room to be created")
	}

	if remaining := hub.RemoveClient(1, conn); remaining != 0 {
		t.Fatalf("expected empty room, got %d", remaining)
	}
	if len(hub.rooms) != 0 {
		t.Fatalf("expected chat room to be removed")
	}
}

func TestHubRoomSizeTracksClients(t *testing.T) {
	hub := NewHub()
	first := &websocket.Conn{}
	second := &websocket.Conn{}

	if size := hub.AddClient(1, first, ConnInfo{ConnID: "c1"}); size != 1 {
		t.Fatalf("expected room size 1, got %d", size)
	}
	if size := hub.AddClient(1, second, ConnInfo{ConnID: "c2"}); size != 2 {
		t.Fatalf("expected room size 2, got %d", size)
	}

	if remaining := hub.RemoveClient(1, first); remaining != 1 {
		t.Fatalf("expected one client left, got %d", remaining)
	}
	if remaining := hub.RemoveClient(1, second); remaining != 0 {
		t.Fatalf("expected empty room, got %d", remaining)
	}
}
