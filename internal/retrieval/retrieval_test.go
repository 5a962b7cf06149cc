package retrieval

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestRetrieve(t *testing.T) {
	var got retrieveRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		fmt.Fprint(w, `{"chunks": [
			{"text": "x is a list", "source": "docs/x.md", "score": 0.4},
			{"text": "y has details", "source": "docs/y.md", "score": 0.9},
			{"text": "noise", "source": "docs/z.md", "score": 0.05},
			{"text": "", "source": "docs/empty.md", "score": 0.99},
			{"text": "x-1 is first", "source": "docs/x.md", "score": 0.6}
		]}`)
	}))
	defer srv.Close()

	c := New(Config{URL: srv.URL, MinScore: 0.1})
	chunks, err := c.Retrieve(context.Background(), "what is x?", 2)
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}

	if got.Query != "what is x?" || got.TopK != 2 {
		t.Errorf("request = %+v", got)
	}
	if len(chunks) != 2 {
		t.Fatalf("chunks = %d, want 2", len(chunks))
	}
	if chunks[0].Source != "docs/y.md" || chunks[1].Text != "x-1 is first" {
		t.Errorf("chunks not ordered by score: %+v", chunks)
	}
}

func TestRetrieve_NoLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"chunks": [{"text": "a", "score": 0.1}, {"text": "b", "score": 0.2}]}`)
	}))
	defer srv.Close()

	chunks, err := New(Config{URL: srv.URL}).Retrieve(context.Background(), "q", 0)
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if len(chunks) != 2 || chunks[0].Text != "b" {
		t.Errorf("chunks = %+v", chunks)
	}
}

func TestRetrieve_Errors(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{"server error", func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "index offline", http.StatusServiceUnavailable)
		}},
		{"malformed body", func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, `{"chunks": [`)
		}},
		{"slow", func(w http.ResponseWriter, r *http.Request) {
			time.Sleep(200 * time.Millisecond)
			fmt.Fprint(w, `{"chunks": []}`)
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()

			c := New(Config{URL: srv.URL, Timeout: 50 * time.Millisecond})
			if _, err := c.Retrieve(context.Background(), "q", 3); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestNop(t *testing.T) {
	var r Retriever = Nop{}
	chunks, err := r.Retrieve(context.Background(), "anything", 5)
	if err != nil || chunks != nil {
		t.Errorf("Nop.Retrieve = %v, %v", chunks, err)
	}
}
