package fcmclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/fcm/v1"
)

type fakeFCM struct {
	mu       sync.Mutex
	received []*fcm.Message
	paths    []string
}

func (f *fakeFCM) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req fcm.SendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	f.mu.Lock()
	f.received = append(f.received, req.Message)
	f.paths = append(f.paths, r.URL.Path)
	f.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	switch req.Message.Token {
	case "stale":
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":{"code":404,"message":"Requested entity was not found.","status":"NOT_FOUND"}}`))
	case "boom":
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":{"code":500,"message":"internal","status":"INTERNAL"}}`))
	default:
		_, _ = w.Write([]byte(`{"name":"projects/p1/messages/1"}`))
	}
}

func newTestClient(t *testing.T) (*Client, *fakeFCM) {
	t.Helper()
	fake := &fakeFCM{}
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	c, err := NewClientWithHTTP(context.Background(), "p1", srv.URL+"/", srv.Client())
	require.NoError(t, err)
	return c, fake
}

func TestDispatch_SendsMessage(t *testing.T) {
	c, fake := newTestClient(t)

	err := c.Dispatch(context.Background(), Notification{
		DriverID:    "d1",
		DeviceToken: "device-1",
		Title:       "Emergency shift",
		Body:        "Route 12 needs a driver",
		Link:        "https://example.test/landing/c1?token=abc",
		Data:        map[string]string{"callId": "c1"},
	})
	require.NoError(t, err)

	require.Len(t, fake.received, 1)
	msg := fake.received[0]
	assert.Equal(t, "device-1", msg.Token)
	assert.Equal(t, "Emergency shift", msg.Notification.Title)
	assert.Equal(t, "c1", msg.Data["callId"])
	assert.Equal(t, "https://example.test/landing/c1?token=abc", msg.Webpush.FcmOptions.Link)
	assert.Equal(t, "/v1/projects/p1/messages:send", fake.paths[0])
}

func TestDispatch_InvalidToken(t *testing.T) {
	c, _ := newTestClient(t)

	err := c.Dispatch(context.Background(), Notification{DeviceToken: "stale"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidDeviceToken))

	err = c.Dispatch(context.Background(), Notification{})
	assert.True(t, errors.Is(err, ErrInvalidDeviceToken))
}

func TestDispatch_ServerError(t *testing.T) {
	c, _ := newTestClient(t)

	err := c.Dispatch(context.Background(), Notification{DeviceToken: "boom"})
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrInvalidDeviceToken))
}
