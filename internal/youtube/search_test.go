package youtube

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func newTestSearcher(t *testing.T, handler http.HandlerFunc) *Searcher {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	s := NewSearcher(server.Client())
	s.youtubeBase = server.URL
	s.ddgBase = server.URL
	return s
}

func TestSearchFirstVideo_FromResultsPage(t *testing.T) {
	s := newTestSearcher(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasPrefix(r.URL.Path, "/results"):
			_, _ = w.Write([]byte(`{"videoId":"abcdefghijk"} junk {"videoId":"lmnopqrstuv"}`))
		case strings.HasPrefix(r.URL.Path, "/oembed"):
			_, _ = w.Write([]byte(`{"title":"Some Video","author_name":"Some Channel"}`))
		default:
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
	})

	result, err := s.SearchFirstVideo(context.Background(), "  go   sqlite tutorial ")
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if result == nil || result.VideoID != "abcdefghijk" {
		t.Fatalf("result: %+v", result)
	}
	if !strings.HasSuffix(result.URL, "/watch?v=abcdefghijk") {
		t.Fatalf("url: %q", result.URL)
	}
	if result.Title != "Some Video" || result.AuthorName != "Some Channel" {
		t.Fatalf("oembed enrichment: %+v", result)
	}
}

func TestSearchFirstVideo_FallsBackToDuckDuckGo(t *testing.T) {
	s := newTestSearcher(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasPrefix(r.URL.Path, "/results"):
			w.WriteHeader(http.StatusServiceUnavailable)
		case strings.HasPrefix(r.URL.Path, "/html/"):
			_, _ = w.Write([]byte(`<a href="https://www.youtube.com/watch?v=ddgvideo123">x</a> https://youtu.be/shorturl456`))
		case strings.HasPrefix(r.URL.Path, "/oembed"):
			w.WriteHeader(http.StatusNotFound)
		}
	})

	result, err := s.SearchFirstVideo(context.Background(), "query")
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if result == nil || result.VideoID != "ddgvideo123" {
		t.Fatalf("result: %+v", result)
	}
	if result.Title != "" {
		t.Fatalf("oembed failure must leave title empty: %+v", result)
	}
}

func TestSearchFirstVideo_NoHits(t *testing.T) {
	s := newTestSearcher(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("nothing relevant"))
	})

	result, err := s.SearchFirstVideo(context.Background(), "query")
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if result != nil {
		t.Fatalf("expected no result: %+v", result)
	}
}

func TestSearchFirstVideo_EmptyQuery(t *testing.T) {
	s := NewSearcher(nil)
	result, err := s.SearchFirstVideo(context.Background(), "   ")
	if err != nil || result != nil {
		t.Fatalf("empty query: %+v %v", result, err)
	}
}

func TestDedupeKeepOrder(t *testing.T) {
	got := dedupeKeepOrder([]string{"a", "b", "a", "c", "b"})
	if strings.Join(got, ",") != "a,b,c" {
		t.Fatalf("got %v", got)
	}
}
