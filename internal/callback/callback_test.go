package callback

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonicalJSON_OrderIndependent(t *testing.T) {
	a := []byte(`{"b":2,"a":1,"nested":{"y":"z","x":"w"}}`)
	b := []byte(`{"nested":{"x":"w","y":"z"},"a":1,"b":2}`)

	ca, err := CanonicalJSON(a)
	require.NoError(t, err)
	cb, err := CanonicalJSON(b)
	require.NoError(t, err)
	assert.Equal(t, ca, cb)
}

func TestCanonicalJSON_StripsSignature(t *testing.T) {
	raw := []byte(`{"a":1,"signature":"deadbeef"}`)
	c, err := CanonicalJSON(raw)
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, string(c))
}

func TestSign_StableAcrossKeyOrder(t *testing.T) {
	s1, err := Sign([]byte(`{"session_id":"s","message_id":"m","status":"completed"}`), "secret")
	require.NoError(t, err)
	s2, err := Sign([]byte(`{"status":"completed","session_id":"s","message_id":"m"}`), "secret")
	require.NoError(t, err)
	assert.Equal(t, s1, s2)

	s3, err := Sign([]byte(`{"session_id":"s","message_id":"m","status":"completed"}`), "other")
	require.NoError(t, err)
	assert.NotEqual(t, s1, s3)
}

func TestVerify_RoundTrip(t *testing.T) {
	raw := []byte(`{"session_id":"s","message_id":"m"}`)
	sig, err := Sign(raw, "secret")
	require.NoError(t, err)

	signed := []byte(`{"message_id":"m","session_id":"s","signature":"` + sig + `"}`)
	ok, err := Verify(signed, "secret")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = Verify(signed, "wrong-secret")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = Verify(raw, "secret") // no signature present
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDeliver_SignsAndPosts(t *testing.T) {
	var received atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body := make([]byte, r.ContentLength)
		_, _ = r.Body.Read(body)
		received.Store(body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := NewDelivery("secret", 5*time.Second, 0, nil, zerolog.New(os.Stderr))
	err := d.Deliver(context.Background(), srv.URL, Payload{
		SessionID: "sess-1",
		MessageID: "msg-1",
		Kind:      "completion",
		Status:    "completed",
	})
	require.NoError(t, err)

	body, _ := received.Load().([]byte)
	require.NotNil(t, body)
	ok, err := Verify(body, "secret")
	require.NoError(t, err)
	assert.True(t, ok, "delivered payload must verify against the shared secret")
}

func TestDeliver_RetriesThenFails(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	d := NewDelivery("secret", time.Second, 2, nil, zerolog.New(os.Stderr))
	d.delay = time.Millisecond

	err := d.Deliver(context.Background(), srv.URL, Payload{SessionID: "s"})
	assert.Error(t, err)
	assert.Equal(t, int32(3), calls.Load())
}

func TestDeliver_EmptyURLIsNoop(t *testing.T) {
	d := NewDelivery("secret", time.Second, 2, nil, zerolog.New(os.Stderr))
	assert.NoError(t, d.Deliver(context.Background(), "", Payload{}))
}
