package events

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alexjbarnes/ghl-bridge/internal/models"
	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// --- Broker ---

func TestBroker_FanOut(t *testing.T) {
	b := NewBroker(testLogger())
	a, cancelA := b.Subscribe(4)
	defer cancelA()
	c, cancelC := b.Subscribe(4)
	defer cancelC()

	b.Publish(models.Event{Type: models.EventInstalled, InstallationID: "install_1"})

	for _, ch := range []<-chan models.Event{a, c} {
		e := <-ch
		assert.Equal(t, models.EventInstalled, e.Type)
		assert.NotEmpty(t, e.ID)
		assert.False(t, e.At.IsZero())
	}
}

func TestBroker_KeepsGivenIDAndTime(t *testing.T) {
	b := NewBroker(testLogger())
	ch, cancel := b.Subscribe(1)
	defer cancel()

	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	b.Publish(models.Event{ID: "evt-1", At: at})

	e := <-ch
	assert.Equal(t, "evt-1", e.ID)
	assert.True(t, at.Equal(e.At))
}

func TestBroker_SlowSubscriberDrops(t *testing.T) {
	b := NewBroker(testLogger())
	ch, cancel := b.Subscribe(1)
	defer cancel()

	b.Publish(models.Event{InstallationID: "first"})
	b.Publish(models.Event{InstallationID: "second"})

	e := <-ch
	assert.Equal(t, "first", e.InstallationID)
	select {
	case e := <-ch:
		t.Fatalf("unexpected event %+v", e)
	default:
	}
}

func TestBroker_CancelUnsubscribes(t *testing.T) {
	b := NewBroker(testLogger())
	ch, cancel := b.Subscribe(1)
	assert.Equal(t, 1, b.Subscribers())

	cancel()
	cancel()
	assert.Equal(t, 0, b.Subscribers())

	_, ok := <-ch
	assert.False(t, ok)

	b.Publish(models.Event{})
}

func TestBroker_Close(t *testing.T) {
	b := NewBroker(testLogger())
	ch, cancel := b.Subscribe(1)

	b.Close()
	_, ok := <-ch
	assert.False(t, ok)

	cancel()
	b.Publish(models.Event{})
	b.Close()

	late, _ := b.Subscribe(1)
	_, ok = <-late
	assert.False(t, ok, "subscribing after close yields a closed channel")
}

// --- Stream ---

func dialStream(t *testing.T, b *Broker, query string) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(HandleStream(b, testLogger()))
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + query
	conn, _, err := websocket.Dial(ctx, url, nil) //nolint:bodyclose // websocket.Dial closes the response body internally
	require.NoError(t, err)
	t.Cleanup(func() { conn.CloseNow() })

	require.Eventually(t, func() bool { return b.Subscribers() == 1 }, 2*time.Second, 10*time.Millisecond)

	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) models.Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	typ, data, err := conn.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, websocket.MessageText, typ)

	var e models.Event
	require.NoError(t, json.Unmarshal(data, &e))
	return e
}

func TestHandleStream_DeliversEvents(t *testing.T) {
	b := NewBroker(testLogger())
	conn := dialStream(t, b, "")

	b.Publish(models.Event{Type: models.EventRefreshed, InstallationID: "install_1", Status: models.StatusValid})

	e := readEvent(t, conn)
	assert.Equal(t, models.EventRefreshed, e.Type)
	assert.Equal(t, "install_1", e.InstallationID)
	assert.Equal(t, models.StatusValid, e.Status)
}

func TestHandleStream_Filter(t *testing.T) {
	b := NewBroker(testLogger())
	conn := dialStream(t, b, "?installation_id=install_2")

	b.Publish(models.Event{Type: models.EventRefreshed, InstallationID: "install_1"})
	b.Publish(models.Event{Type: models.EventRemoved, InstallationID: "install_2"})

	e := readEvent(t, conn)
	assert.Equal(t, "install_2", e.InstallationID)
	assert.Equal(t, models.EventRemoved, e.Type)
}

func TestHandleStream_ClientCloseUnsubscribes(t *testing.T) {
	b := NewBroker(testLogger())
	conn := dialStream(t, b, "")

	conn.Close(websocket.StatusNormalClosure, "bye")

	assert.Eventually(t, func() bool { return b.Subscribers() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestHandleStream_BrokerCloseEndsStream(t *testing.T) {
	b := NewBroker(testLogger())
	conn := dialStream(t, b, "")

	b.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, _, err := conn.Read(ctx)
	require.Error(t, err)
	assert.Equal(t, websocket.StatusGoingAway, websocket.CloseStatus(err))
}
