package handler

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strings"
	"testing"
)

var pngBytes = []byte("\x89PNG\r\n\x1a\nfake-image-data")

func TestHome_ListsBlogs(t *testing.T) {
	env := newTestEnv(t)
	author := env.api.AddUser("Alice", "alice@example.com", "pw")
	for i := 1; i <= 11; i++ {
		env.api.AddBlog(author, fmt.Sprintf("Post %02d", i), "<p>body</p>")
	}
	b := env.newBrowser(t)

	resp := b.get("/")
	assertStatus(t, resp, http.StatusOK)
	assertContains(t, resp.body, "Post 11")
	assertNotContains(t, resp.body, "Post 01")
	assertContains(t, resp.body, `href="/?page=2"`)

	resp = b.get("/?page=2")
	assertStatus(t, resp, http.StatusOK)
	assertContains(t, resp.body, "Post 01")
	assertNotContains(t, resp.body, "Post 11")
}

func TestHome_Empty(t *testing.T) {
	env := newTestEnv(t)
	b := env.newBrowser(t)

	resp := b.get("/")
	assertStatus(t, resp, http.StatusOK)
	assertContains(t, resp.body, "No blogs yet")
}

func TestHome_APIUnavailable(t *testing.T) {
	env := newTestEnv(t)
	b := env.newBrowser(t)
	b.get("/login")
	env.api.Close()

	resp := b.get("/")
	assertStatus(t, resp, http.StatusOK)
	assertContains(t, resp.body, "request failed")
	assertContains(t, resp.body, "No blogs yet")
}

func TestShow(t *testing.T) {
	env := newTestEnv(t)
	b := env.newBrowser(t)
	b.login("Alice", "alice@example.com", "pw")
	alice := *b.profile().Session.User()
	other := env.api.AddUser("Bob", "bob@example.com", "pw")

	mine := env.api.AddBlog(alice, "Mine", `<p>hello</p><script>alert(1)</script>`)
	theirs := env.api.AddBlog(other, "Theirs", "<p>hi</p>")

	resp := b.get("/blog/" + mine.ID)
	assertStatus(t, resp, http.StatusOK)
	assertContains(t, resp.body, "<p>hello</p>")
	assertNotContains(t, resp.body, "alert(1)")
	assertContains(t, resp.body, `href="/edit/`+mine.ID+`"`)

	resp = b.get("/blog/" + theirs.ID)
	assertStatus(t, resp, http.StatusOK)
	assertNotContains(t, resp.body, `href="/edit/`+theirs.ID+`"`)

	anon := env.newBrowser(t)
	resp = anon.get("/blog/" + mine.ID)
	assertStatus(t, resp, http.StatusOK)
	assertNotContains(t, resp.body, `href="/edit/`+mine.ID+`"`)
}

func TestShow_NotFound(t *testing.T) {
	env := newTestEnv(t)
	b := env.newBrowser(t)

	resp := b.get("/blog/missing")
	assertStatus(t, resp, http.StatusNotFound)
	assertContains(t, resp.body, "Blog not found")
}

func TestCreate_WithImage(t *testing.T) {
	env := newTestEnv(t)
	b := env.newBrowser(t)
	b.login("Alice", "alice@example.com", "pw")

	resp := b.postMultipart("/create", map[string]string{
		"title":   "Hello",
		"content": "<p>World</p>",
	}, &upload{filename: "photo.png", contentType: "image/png", data: pngBytes})
	assertRedirect(t, resp, "/dashboard")

	resp = b.get("/dashboard")
	assertStatus(t, resp, http.StatusOK)
	assertContains(t, resp.body, "Blog created successfully!")
	assertContains(t, resp.body, "Hello")

	reqs := env.api.Requests()
	var created bool
	for _, r := range reqs {
		if r.Method == http.MethodPost && r.Path == "/api/blogs" {
			created = true
			if !strings.HasPrefix(r.Authorization, "Bearer ") {
				t.Errorf("expected bearer token on create, got %q", r.Authorization)
			}
		}
	}
	if !created {
		t.Fatal("expected POST /api/blogs")
	}

	// 詳細ページの画像はプロキシ経由で取得できる
	resp = b.get("/")
	start := strings.Index(resp.body, `src="/api/proxy?url=`)
	if start < 0 {
		t.Fatal("expected proxied image on home page")
	}
	src := resp.body[start+len(`src="`):]
	src = strings.ReplaceAll(src[:strings.Index(src, `"`)], "&amp;", "&")

	img := b.get(src)
	assertStatus(t, img, http.StatusOK)
	if !bytes.Equal([]byte(img.body), pngBytes) {
		t.Error("expected proxied image bytes to match the upload")
	}
}

func TestCreate_Validation(t *testing.T) {
	tests := []struct {
		name    string
		fields  map[string]string
		file    *upload
		wantMsg string
	}{
		{
			name:    "missing title",
			fields:  map[string]string{"content": "body"},
			wantMsg: "Title and content are required",
		},
		{
			name:    "whitespace content",
			fields:  map[string]string{"title": "Hello", "content": "   "},
			wantMsg: "Title and content are required",
		},
		{
			name:    "unsupported image type",
			fields:  map[string]string{"title": "Hello", "content": "body"},
			file:    &upload{filename: "doc.txt", contentType: "text/plain", data: []byte("text")},
			wantMsg: "Please select a valid image file (JPEG, PNG, GIF, WebP)",
		},
		{
			name:    "image too large",
			fields:  map[string]string{"title": "Hello", "content": "body"},
			file:    &upload{filename: "big.png", contentType: "image/png", data: make([]byte, MaxImageBytes+1)},
			wantMsg: "Image size should be less than 5MB",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			b := env.newBrowser(t)
			b.login("Alice", "alice@example.com", "pw")

			resp := b.postMultipart("/create", tt.fields, tt.file)

			assertStatus(t, resp, http.StatusUnprocessableEntity)
			assertContains(t, resp.body, tt.wantMsg)
			if title := tt.fields["title"]; title != "" {
				assertContains(t, resp.body, `value="`+title+`"`)
			}
			if n := env.api.CountRequests(http.MethodPost, "/api/blogs"); n != 0 {
				t.Errorf("expected no API request, got %d", n)
			}
		})
	}
}

func TestCreate_SessionExpired(t *testing.T) {
	env := newTestEnv(t)
	b := env.newBrowser(t)
	b.login("Alice", "alice@example.com", "pw")
	p := b.profile()

	tok, _ := env.storage.Get(context.Background(), p.ID)
	env.api.RevokeToken(tok)

	resp := b.postMultipart("/create", map[string]string{"title": "Hello", "content": "body"}, nil)
	assertRedirect(t, resp, "/login")

	if p.Session.IsAuthenticated() {
		t.Error("expected session to be cleared after 401")
	}
	if stored, _ := env.storage.Get(context.Background(), p.ID); stored != "" {
		t.Errorf("expected stored token to be removed, got %q", stored)
	}
	assertContains(t, b.get("/login").body, "Your session has expired. Please log in again.")
}

func TestEdit_Author(t *testing.T) {
	env := newTestEnv(t)
	b := env.newBrowser(t)
	b.login("Alice", "alice@example.com", "pw")
	blog := env.api.AddBlog(*b.profile().Session.User(), "Original", "<p>old</p>")

	resp := b.get("/edit/" + blog.ID)
	assertStatus(t, resp, http.StatusOK)
	assertContains(t, resp.body, `value="Original"`)
	assertContains(t, resp.body, `action="/edit/`+blog.ID+`"`)

	resp = b.postMultipart("/edit/"+blog.ID, map[string]string{"title": "Changed", "content": "<p>new</p>"}, nil)
	assertRedirect(t, resp, "/blog/"+blog.ID)

	resp = b.get("/blog/" + blog.ID)
	assertContains(t, resp.body, "Changed")
	assertContains(t, resp.body, "Blog updated successfully!")
	assertContains(t, resp.body, "Updated")
}

func TestEdit_NotAuthor(t *testing.T) {
	env := newTestEnv(t)
	other := env.api.AddUser("Bob", "bob@example.com", "pw")
	blog := env.api.AddBlog(other, "Theirs", "<p>hi</p>")

	b := env.newBrowser(t)
	b.login("Alice", "alice@example.com", "pw")

	resp := b.get("/edit/" + blog.ID)
	assertRedirect(t, resp, "/blog/"+blog.ID)
	assertContains(t, b.get("/blog/"+blog.ID).body, "You can only edit your own blogs")

	resp = b.postMultipart("/edit/"+blog.ID, map[string]string{"title": "Hijack", "content": "x"}, nil)
	assertStatus(t, resp, http.StatusForbidden)
	assertContains(t, resp.body, "Not authorized to update this blog")
}

func TestEdit_NotFound(t *testing.T) {
	env := newTestEnv(t)
	b := env.newBrowser(t)
	b.login("Alice", "alice@example.com", "pw")

	resp := b.get("/edit/missing")
	assertStatus(t, resp, http.StatusNotFound)
	assertContains(t, resp.body, "Blog not found")

	resp = b.postMultipart("/edit/missing", map[string]string{"title": "t", "content": "c"}, nil)
	assertStatus(t, resp, http.StatusNotFound)
}

func TestDelete(t *testing.T) {
	env := newTestEnv(t)
	b := env.newBrowser(t)
	b.login("Alice", "alice@example.com", "pw")
	blog := env.api.AddBlog(*b.profile().Session.User(), "Doomed", "<p>bye</p>")

	resp := b.post("/blog/"+blog.ID+"/delete", nil)
	assertRedirect(t, resp, "/dashboard")

	resp = b.get("/dashboard")
	assertContains(t, resp.body, "Blog deleted successfully")
	assertNotContains(t, resp.body, "Doomed")
	assertStatus(t, b.get("/blog/"+blog.ID), http.StatusNotFound)
}

func TestDelete_NotAuthor(t *testing.T) {
	env := newTestEnv(t)
	other := env.api.AddUser("Bob", "bob@example.com", "pw")
	blog := env.api.AddBlog(other, "Theirs", "<p>hi</p>")

	b := env.newBrowser(t)
	b.login("Alice", "alice@example.com", "pw")

	resp := b.post("/blog/"+blog.ID+"/delete", nil)
	assertRedirect(t, resp, "/dashboard")
	assertContains(t, b.get("/dashboard").body, "Failed to delete blog")
	assertStatus(t, b.get("/blog/"+blog.ID), http.StatusOK)
}

func TestDashboard(t *testing.T) {
	env := newTestEnv(t)
	b := env.newBrowser(t)
	b.login("Alice", "alice@example.com", "pw")
	alice := *b.profile().Session.User()
	other := env.api.AddUser("Bob", "bob@example.com", "pw")

	env.api.AddBlog(alice, "First", "<p>1</p>")
	env.api.AddBlog(alice, "Second", "<p>2</p>")
	env.api.AddBlog(other, "Not mine", "<p>3</p>")

	resp := b.get("/dashboard")
	assertStatus(t, resp, http.StatusOK)
	assertContains(t, resp.body, "<h3>Total Blogs</h3><p>2</p>")
	assertContains(t, resp.body, "First")
	assertContains(t, resp.body, "Second")
	assertNotContains(t, resp.body, "Not mine")
	assertContains(t, resp.body, `data-confirm="Are you sure you want to delete this blog?"`)
}

func TestDashboard_SessionExpired(t *testing.T) {
	env := newTestEnv(t)
	b := env.newBrowser(t)
	b.login("Alice", "alice@example.com", "pw")
	p := b.profile()
	tok, _ := env.storage.Get(context.Background(), p.ID)
	env.api.RevokeToken(tok)

	assertRedirect(t, b.get("/dashboard"), "/login")
	if p.Session.IsAuthenticated() {
		t.Error("expected session to be cleared after 401")
	}
}

func TestMyBlogs(t *testing.T) {
	env := newTestEnv(t)
	b := env.newBrowser(t)
	b.login("Alice", "alice@example.com", "pw")
	alice := *b.profile().Session.User()
	other := env.api.AddUser("Bob", "bob@example.com", "pw")

	env.api.AddBlog(alice, "Alice post", "<p>a</p>")
	env.api.AddBlog(other, "Bob post", "<p>b</p>")

	resp := b.get("/my-blogs")
	assertStatus(t, resp, http.StatusOK)
	assertContains(t, resp.body, "Alice post")
	assertNotContains(t, resp.body, "Bob post")
}

func TestNewForm(t *testing.T) {
	env := newTestEnv(t)
	b := env.newBrowser(t)
	b.login("Alice", "alice@example.com", "pw")

	resp := b.get("/create")
	assertStatus(t, resp, http.StatusOK)
	assertContains(t, resp.body, "Create New Blog")
	assertContains(t, resp.body, `action="/create"`)
	assertContains(t, resp.body, `name="csrf_token" value="`+b.cookie("csrf_token")+`"`)
}
