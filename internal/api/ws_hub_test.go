package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"github.com/atmx/trading-engine/internal/model"
)

func dialHub(t *testing.T) (*WSHub, *websocket.Conn) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	hub := NewWSHub(nil)
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	t.Cleanup(srv.Close)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	deadline := time.Now().Add(2 * time.Second)
	for hub.ClientCount() != 1 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}
	return hub, conn
}

func readMessage(t *testing.T, conn *websocket.Conn) WSMessage {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var msg WSMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("unmarshal %s: %v", data, err)
	}
	return msg
}

func TestWSHub_PublishTrade(t *testing.T) {
	hub, conn := dialHub(t)

	hub.PublishTrade(&model.Trade{ID: "t1", Symbol: "AAPL", Side: model.SideBuy, Quantity: 10, Price: decimal.NewFromInt(150)})

	msg := readMessage(t, conn)
	if msg.Type != EventTradeExecuted {
		t.Fatalf("expected %s, got %s", EventTradeExecuted, msg.Type)
	}
	if msg.Trade == nil || msg.Trade.ID != "t1" || !msg.Trade.Price.Equal(decimal.NewFromInt(150)) {
		t.Fatalf("unexpected trade payload %+v", msg.Trade)
	}
	if msg.Timestamp.IsZero() {
		t.Error("expected a timestamp")
	}
}

func TestWSHub_PublishLeaderboard(t *testing.T) {
	hub, conn := dialHub(t)

	hub.PublishLeaderboard("c1", []model.CompetitionParticipant{{UserID: "alice", Rank: 1}})

	msg := readMessage(t, conn)
	if msg.Type != EventLeaderboardUpdated || msg.CompetitionID != "c1" {
		t.Fatalf("unexpected message %+v", msg)
	}
	if len(msg.Standings) != 1 || msg.Standings[0].UserID != "alice" {
		t.Fatalf("unexpected standings %+v", msg.Standings)
	}
}

func TestWSHub_UnregistersOnDisconnect(t *testing.T) {
	hub, conn := dialHub(t)
	conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for hub.ClientCount() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("client never unregistered")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
