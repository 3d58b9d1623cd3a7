// Package youtube resolves a free-text query to the first matching
// video by scraping the public results page, with a DuckDuckGo
// fallback and oembed enrichment for title/author.
package youtube

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"
)

var (
	videoIDRe  = regexp.MustCompile(`"videoId":"([A-Za-z0-9_-]{11})"`)
	watchURLRe = regexp.MustCompile(`https?://(?:www\.)?youtube\.com/watch\?v=([A-Za-z0-9_-]{11})`)
	shortURLRe = regexp.MustCompile(`https?://youtu\.be/([A-Za-z0-9_-]{11})`)
)

const userAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) " +
	"AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36"

// Result is the top hit for a query.
type Result struct {
	VideoID    string
	URL        string
	Title      string
	AuthorName string
}

// Searcher finds videos over an injected HTTP client so tests can pin
// responses.
type Searcher struct {
	client      *http.Client
	youtubeBase string
	ddgBase     string
}

func NewSearcher(client *http.Client) *Searcher {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Searcher{
		client:      client,
		youtubeBase: "https://www.youtube.com",
		ddgBase:     "https://duckduckgo.com",
	}
}

// SearchFirstVideo returns the first video for the query, or nil when
// nothing was found.
func (s *Searcher) SearchFirstVideo(ctx context.Context, query string) (*Result, error) {
	normalized := strings.Join(strings.Fields(query), " ")
	if normalized == "" {
		return nil, nil
	}

	videoID := s.resolveVideoID(ctx, normalized)
	if videoID == "" {
		return nil, nil
	}

	watchURL := s.youtubeBase + "/watch?v=" + videoID
	result := &Result{VideoID: videoID, URL: watchURL}
	result.Title, result.AuthorName = s.fetchOembed(ctx, watchURL)
	return result, nil
}

// resolveVideoID tries the youtube results page first, DuckDuckGo html
// second. Resolver errors fall through to the next source.
func (s *Searcher) resolveVideoID(ctx context.Context, query string) string {
	if id, err := s.searchYoutubeResults(ctx, query); err == nil && id != "" {
		return id
	}
	if id, err := s.searchDuckDuckGo(ctx, query); err == nil && id != "" {
		return id
	}
	return ""
}

func (s *Searcher) searchYoutubeResults(ctx context.Context, query string) (string, error) {
	body, err := s.get(ctx, s.youtubeBase+"/results?search_query="+url.QueryEscape(query))
	if err != nil {
		return "", err
	}
	var ids []string
	for _, match := range videoIDRe.FindAllStringSubmatch(body, -1) {
		ids = append(ids, match[1])
	}
	ids = dedupeKeepOrder(ids)
	if len(ids) == 0 {
		return "", nil
	}
	return ids[0], nil
}

func (s *Searcher) searchDuckDuckGo(ctx context.Context, query string) (string, error) {
	q := "site:youtube.com/watch " + query
	body, err := s.get(ctx, s.ddgBase+"/html/?q="+url.QueryEscape(q))
	if err != nil {
		return "", err
	}
	var ids []string
	for _, match := range watchURLRe.FindAllStringSubmatch(body, -1) {
		ids = append(ids, match[1])
	}
	for _, match := range shortURLRe.FindAllStringSubmatch(body, -1) {
		ids = append(ids, match[1])
	}
	ids = dedupeKeepOrder(ids)
	if len(ids) == 0 {
		return "", nil
	}
	return ids[0], nil
}

// fetchOembed enriches a watch URL with title and channel name. Any
// failure just leaves the fields empty.
func (s *Searcher) fetchOembed(ctx context.Context, watchURL string) (string, string) {
	endpoint := s.youtubeBase + "/oembed?url=" + url.QueryEscape(watchURL) + "&format=json"
	body, err := s.get(ctx, endpoint)
	if err != nil {
		return "", ""
	}
	var parsed struct {
		Title      string `json:"title"`
		AuthorName string `json:"author_name"`
	}
	if err := json.Unmarshal([]byte(body), &parsed); err != nil {
		return "", ""
	}
	return strings.TrimSpace(parsed.Title), strings.TrimSpace(parsed.AuthorName)
}

func (s *Searcher) get(ctx context.Context, target string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch %s: %w", target, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("fetch %s: HTTP %d", target, resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return "", fmt.Errorf("read %s: %w", target, err)
	}
	return string(data), nil
}

func dedupeKeepOrder(values []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, v := range values {
		if seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out
}
