package announcer

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"aaronromeo.com/identityswitch/internal/notify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeliver(t *testing.T) {
	got := make(chan announcement, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, webhookAnnouncePath, r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		var a announcement
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&a))
		got <- a
	}))
	defer srv.Close()

	payload := notify.Payload{
		Title: "New mail",
		Accounts: []notify.Account{
			{IID: 1, Label: "home", Unseen: 2, Desktop: &notify.Desktop{Text: "2 unread message(s) for home"}},
			{IID: 2, Label: "work", Unseen: 1, Sound: true},
			{IID: 3, Label: "idle", Unseen: 4},
		},
	}

	require.NoError(t, New(WithWebhookURL(srv.URL+"/")).Deliver(context.Background(), payload))
	a := <-got
	assert.Equal(t, "2 unread message(s) for home\nwork: 1 unread", a.Message)
	assert.Len(t, a.Accounts, 2)
}

func TestDeliverWithoutURL(t *testing.T) {
	assert.NoError(t, New().Deliver(context.Background(), notify.Payload{}))
}

func TestDeliverStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	err := New(WithWebhookURL(srv.URL)).Deliver(context.Background(), notify.Payload{
		Accounts: []notify.Account{{IID: 1, Basic: true}},
	})
	assert.ErrorContains(t, err, "502")
}
