package broker

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) (*RESTClient, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	client := NewRESTClient(srv.URL, "key", "secret", 5*time.Second, nil, zerolog.Nop())
	return client, srv
}

// TestOpenSignsAndParsesFill verifies a successful open carries the API key
// header, a signature, and parses the fill.
func TestOpenSignsAndParsesFill(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method %s, want POST", r.Method)
		}
		if r.Header.Get("X-API-KEY") != "key" {
			t.Error("missing API key header")
		}
		q := r.URL.Query()
		if q.Get("signature") == "" || q.Get("timestamp") == "" {
			t.Error("request not signed")
		}
		if q.Get("magic") != "123450107" {
			t.Errorf("magic %s, want 123450107", q.Get("magic"))
		}
		w.Write([]byte(`{"orderId":55,"magic":123450107,"avgPrice":"50012.5","executedQty":"0.1","updateTime":1730000000000,"status":"FILLED"}`))
	})

	fill, err := client.Open(context.Background(), OpenRequest{
		Symbol: "BTCUSDT", Side: SideBuy, Quantity: 0.1, Magic: 123450107, StopPrice: 49700,
	})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if fill.OrderID != 55 || fill.Price != 50012.5 || fill.Quantity != 0.1 {
		t.Errorf("unexpected fill: %+v", fill)
	}
}

// TestErrorClassification verifies HTTP failures map to the right error
// family: 4xx rejected, 429 and 5xx transient.
func TestErrorClassification(t *testing.T) {
	tests := []struct {
		name         string
		status       int
		body         string
		wantRejected bool
	}{
		{"bad request is rejected", http.StatusBadRequest, `{"code":2019,"msg":"insufficient margin"}`, true},
		{"not found is rejected", http.StatusNotFound, `{"code":404,"msg":"unknown symbol"}`, true},
		{"rate limit is transient", http.StatusTooManyRequests, `{"code":429,"msg":"too many requests"}`, false},
		{"server error is transient", http.StatusInternalServerError, `oops`, false},
		{"bad gateway is transient", http.StatusBadGateway, ``, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			})

			_, err := client.Open(context.Background(), OpenRequest{Symbol: "BTCUSDT", Side: SideBuy, Quantity: 0.1, Magic: 1234501, StopPrice: 1})
			if err == nil {
				t.Fatal("expected an error")
			}
			if got := IsRejected(err); got != tt.wantRejected {
				t.Errorf("IsRejected=%v, want %v (err: %v)", got, tt.wantRejected, err)
			}
			if got := IsTransient(err); got == tt.wantRejected {
				t.Errorf("IsTransient=%v should be inverse of rejected (err: %v)", got, err)
			}
		})
	}
}

// TestRateLimitErrorOpensCircuit verifies a 429 trips the limiter so the
// next call short-circuits client-side.
func TestRateLimitErrorOpensCircuit(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"code":429,"msg":"too many requests"}`))
	}))
	defer srv.Close()

	limiter := NewRateLimiter(1000, 1000, zerolog.Nop())
	client := NewRESTClient(srv.URL, "key", "secret", 5*time.Second, limiter, zerolog.Nop())

	if _, err := client.GetPrice(context.Background(), "BTCUSDT"); !IsTransient(err) {
		t.Fatalf("got err=%v, want transient", err)
	}
	if !limiter.IsCircuitOpen() {
		t.Fatal("circuit should open after venue 429")
	}

	if _, err := client.GetPrice(context.Background(), "BTCUSDT"); !IsTransient(err) {
		t.Fatalf("got err=%v, want transient", err)
	}
	if calls != 1 {
		t.Errorf("second call hit the wire (%d calls), should be blocked client-side", calls)
	}
}

// TestGetPositionAbsent verifies an empty position list maps to
// ErrPositionAbsent.
func TestGetPositionAbsent(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[]`))
	})

	_, err := client.GetPosition(context.Background(), "BTCUSDT", 123450107)
	if !errors.Is(err, ErrPositionAbsent) {
		t.Errorf("got err=%v, want ErrPositionAbsent", err)
	}
}

// TestGetKlinesParsesBars verifies the kline array format maps into bars.
func TestGetKlinesParsesBars(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[[1730000000000,"50000","50100","49900","50050","12.5",1730000059999]]`))
	})

	bars, err := client.GetKlines(context.Background(), "BTCUSDT", "1m", 100)
	if err != nil {
		t.Fatalf("GetKlines failed: %v", err)
	}
	if len(bars) != 1 {
		t.Fatalf("got %d bars, want 1", len(bars))
	}
	b := bars[0]
	if b.Open != 50000 || b.High != 50100 || b.Low != 49900 || b.Close != 50050 || b.Volume != 12.5 {
		t.Errorf("unexpected bar: %+v", b)
	}
}
