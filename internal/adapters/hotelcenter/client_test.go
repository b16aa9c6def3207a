package hotelcenter

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"staycore/internal/domain"
)

func testBatch() domain.ChannelBatch {
	return domain.ChannelBatch{
		PropertyID: "prop1",
		Items: []domain.ChannelItem{
			{Key: "prop1|rt1|base|2026-03-10..2026-03-12|rate", Kind: domain.KindRate, Payload: []byte(`{"n":1}`)},
			{Key: "prop1|rt2|base|2026-03-10..2026-03-12|rate", Kind: domain.KindRate, Payload: []byte(`{"n":2}`)},
		},
	}
}

func TestPublishOK(t *testing.T) {
	var gotPath, gotKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotKey = r.Header.Get("X-API-Key")
		var b domain.ChannelBatch
		if err := json.NewDecoder(r.Body).Decode(&b); err != nil {
			t.Errorf("decode: %v", err)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"results": []map[string]string{
				{"key": b.Items[0].Key, "status": "ok"},
				{"key": b.Items[1].Key, "status": "ok"},
			},
		})
	}))
	defer srv.Close()

	c, err := New(srv.URL, "secret")
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	res, err := c.Publish(context.Background(), testBatch())
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if len(res.ItemErrors) != 0 {
		t.Fatalf("item errors = %v", res.ItemErrors)
	}
	if gotPath != "/v1/properties/prop1/ari" {
		t.Fatalf("path = %s", gotPath)
	}
	if gotKey != "secret" {
		t.Fatalf("api key header = %q", gotKey)
	}
}

func TestPublishPerItemErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var b domain.ChannelBatch
		_ = json.NewDecoder(r.Body).Decode(&b)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"results": []map[string]string{
				{"key": b.Items[0].Key, "status": "ok"},
				{"key": b.Items[1].Key, "status": "error", "message": "rate out of bounds"},
			},
		})
	}))
	defer srv.Close()

	c, _ := New(srv.URL, "")
	res, err := c.Publish(context.Background(), testBatch())
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if len(res.ItemErrors) != 1 || res.ItemErrors[0].Message != "rate out of bounds" {
		t.Fatalf("item errors = %v", res.ItemErrors)
	}
}

func TestPublishClassifiesFailures(t *testing.T) {
	cases := []struct {
		name      string
		status    int
		transient bool
	}{
		{"throttled", http.StatusTooManyRequests, true},
		{"server error", http.StatusBadGateway, true},
		{"validation rejection", http.StatusUnprocessableEntity, false},
		{"auth rejection", http.StatusUnauthorized, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "nope", tc.status)
			}))
			defer srv.Close()

			c, _ := New(srv.URL, "")
			_, err := c.Publish(context.Background(), testBatch())
			if err == nil {
				t.Fatal("expected error")
			}
			if domain.IsTransient(err) != tc.transient {
				t.Fatalf("status %d: transient = %v, want %v", tc.status, domain.IsTransient(err), tc.transient)
			}
		})
	}
}

func TestPublishUnparseableBodyIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("<html>load balancer error page</html>"))
	}))
	defer srv.Close()

	c, _ := New(srv.URL, "")
	_, err := c.Publish(context.Background(), testBatch())
	if !domain.IsTransient(err) {
		t.Fatalf("err = %v, want transient", err)
	}
}

func TestPublishCancelledContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	c, _ := New(srv.URL, "")
	_, err := c.Publish(ctx, testBatch())
	if !domain.IsTransient(err) {
		t.Fatalf("err = %v, want transient", err)
	}
}

func TestNewRequiresBase(t *testing.T) {
	if _, err := New("", "key"); err == nil {
		t.Fatal("empty base accepted")
	}
}
