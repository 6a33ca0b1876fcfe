package queue

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/pcl-labs/mediaflow/internal/config"
)

func TestHTTPTransportSend(t *testing.T) {
	var gotPath, gotAuth string
	var gotBody brokerSendBody
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	transport := NewHTTPTransport(config.Config{
		QueueMode:       config.QueueModeHTTP,
		QueueName:       "jobs",
		BrokerBaseURL:   server.URL,
		BrokerAccountID: "acct-1",
		BrokerAPIToken:  "tok-1",
	})
	defer transport.Close()

	msg := Message{JobID: "j1", UserID: "u1", JobType: "optimize_media"}
	if err := transport.Send(context.Background(), msg); err != nil {
		t.Fatalf("send: %v", err)
	}
	if gotPath != "/accounts/acct-1/queues/jobs/messages" {
		t.Fatalf("wrong path %q", gotPath)
	}
	if gotAuth != "Bearer tok-1" {
		t.Fatalf("wrong auth header %q", gotAuth)
	}
	if gotBody.Body != msg {
		t.Fatalf("wrong body: got %+v want %+v", gotBody.Body, msg)
	}
}

func TestHTTPTransportSendRejection(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte("queue is full"))
	}))
	defer server.Close()

	transport := NewHTTPTransport(config.Config{
		QueueMode:       config.QueueModeHTTP,
		QueueName:       "jobs",
		BrokerBaseURL:   server.URL,
		BrokerAccountID: "acct-1",
		BrokerAPIToken:  "tok-1",
	})
	defer transport.Close()

	err := transport.Send(context.Background(), Message{JobID: "j1", UserID: "u1", JobType: "optimize_media"})
	if err == nil {
		t.Fatalf("expected send failure")
	}
	if !strings.Contains(err.Error(), "429") || !strings.Contains(err.Error(), "queue is full") {
		t.Fatalf("error should carry status and response snippet, got %v", err)
	}
}
