package importer

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/hitoshi/blogfront/internal/security"
)

func TestLooksLikeFeed(t *testing.T) {
	tests := []struct {
		name string
		body string
		want bool
	}{
		{"rss", `<?xml version="1.0"?><rss version="2.0"><channel></channel></rss>`, true},
		{"rdf", `<?xml version="1.0"?><rdf:RDF xmlns:rdf="http://www.w3.org/1999/02/22-rdf-syntax-ns#"></rdf:RDF>`, true},
		{"atom", `<?xml version="1.0"?><feed xmlns="http://www.w3.org/2005/Atom"></feed>`, true},
		{"feed without atom namespace", `<feed></feed>`, false},
		{"html", `<!DOCTYPE html><html><head></head></html>`, false},
		{"empty", ``, false},
	}
	for _, tt := range tests {
		if got := looksLikeFeed([]byte(tt.body)); got != tt.want {
			t.Errorf("%s: looksLikeFeed() = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestFeedLinksFromHTML(t *testing.T) {
	page := `<!DOCTYPE html><html><head>
<title>Blog</title>
<link rel="stylesheet" href="/style.css">
<link rel="alternate" type="application/rss+xml" title="RSS" href="/rss.xml">
<link rel="Alternate" type="application/atom+xml" title="Atom" href="https://blog.example.com/atom.xml" />
<link rel="alternate" type="application/json" href="/feed.json">
</head><body>
<link rel="alternate" type="application/rss+xml" href="/ignored.xml">
</body></html>`

	links := feedLinksFromHTML([]byte(page), "https://blog.example.com/posts/")
	if len(links) != 2 {
		t.Fatalf("expected 2 feed links, got %d: %+v", len(links), links)
	}
	if links[0].URL != "https://blog.example.com/rss.xml" || links[0].Kind != feedKindRSS || links[0].Title != "RSS" {
		t.Errorf("unexpected first link: %+v", links[0])
	}
	if links[1].URL != "https://blog.example.com/atom.xml" || links[1].Kind != feedKindAtom {
		t.Errorf("unexpected second link: %+v", links[1])
	}
}

func TestFeedLinksFromHTML_NoHead(t *testing.T) {
	page := `<html><body><link rel="alternate" type="application/rss+xml" href="/rss.xml"></body></html>`
	if links := feedLinksFromHTML([]byte(page), "https://blog.example.com/"); len(links) != 0 {
		t.Errorf("expected no links outside head, got %+v", links)
	}
}

func TestSelectFeedLink(t *testing.T) {
	tests := []struct {
		name  string
		links []feedLink
		want  string
	}{
		{
			name:  "none",
			links: nil,
			want:  "",
		},
		{
			name: "same host wins over atom",
			links: []feedLink{
				{URL: "https://feeds.other.com/atom", Kind: feedKindAtom},
				{URL: "https://blog.example.com/rss", Kind: feedKindRSS},
			},
			want: "https://blog.example.com/rss",
		},
		{
			name: "atom wins over rss on same host",
			links: []feedLink{
				{URL: "https://blog.example.com/rss", Kind: feedKindRSS},
				{URL: "https://blog.example.com/atom", Kind: feedKindAtom},
			},
			want: "https://blog.example.com/atom",
		},
		{
			name: "first wins on tie",
			links: []feedLink{
				{URL: "https://blog.example.com/rss1", Kind: feedKindRSS},
				{URL: "https://blog.example.com/rss2", Kind: feedKindRSS},
			},
			want: "https://blog.example.com/rss1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := selectFeedLink(tt.links, "https://blog.example.com/")
			if tt.want == "" {
				if got != nil {
					t.Errorf("expected nil, got %+v", got)
				}
				return
			}
			if got == nil || got.URL != tt.want {
				t.Errorf("selectFeedLink() = %+v, want %s", got, tt.want)
			}
		})
	}
}

func TestImport_DiscoversFeedFromHTML(t *testing.T) {
	feed := rssFeed(rssItem("Discovered", "<p>found via link</p>"))
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		io.WriteString(w, `<html><head><link rel="alternate" type="application/rss+xml" href="/feed.xml"></head><body></body></html>`)
	})
	mux.HandleFunc("/feed.xml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/rss+xml")
		io.WriteString(w, feed)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	blogs := &mockBlogCreator{}
	im := New(security.NewSSRFGuard(time.Second, srv.URL), blogs, nil, discardLogger(), Config{})

	result, err := im.Import(context.Background(), srv.URL+"/")
	if err != nil {
		t.Fatalf("Import() returned error: %v", err)
	}
	if len(result.Created) != 1 || blogs.inputs[0].Title != "Discovered" {
		t.Errorf("expected the discovered feed item to be imported, got %+v", blogs.inputs)
	}
}

func TestImport_HTMLWithoutFeedLink(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, `<html><head><title>No feed</title></head><body></body></html>`)
	}))
	t.Cleanup(srv.Close)

	blogs := &mockBlogCreator{}
	im := New(security.NewSSRFGuard(time.Second, srv.URL), blogs, nil, discardLogger(), Config{})

	_, err := im.Import(context.Background(), srv.URL+"/")
	if !errors.Is(err, ErrFeedNotFound) {
		t.Fatalf("expected ErrFeedNotFound, got %v", err)
	}
	if len(blogs.inputs) != 0 {
		t.Errorf("expected no create calls, got %d", len(blogs.inputs))
	}
}
