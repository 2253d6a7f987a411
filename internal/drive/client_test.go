package drive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/corentel/difysync/internal/apperrors"
)

// driveStub serves canned files.list and alt=media responses.
type driveStub struct {
	// children maps a folder ID to its direct children.
	children map[string][]file
	// content maps a file ID to its bytes.
	content map[string][]byte
	// rateLimitFirst makes the first list request return 429.
	rateLimitFirst bool
	listCalls      int
}

func (d *driveStub) handler(t *testing.T) http.HandlerFunc {
	t.Helper()

	return func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer test-token" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}

		// Content download: /files/{id}?alt=media
		if r.URL.Query().Get("alt") == "media" {
			id := strings.TrimPrefix(r.URL.Path, "/files/")
			data, ok := d.content[id]
			if !ok {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			_, _ = w.Write(data)
			return
		}

		// files.list
		if r.URL.Path == "/files" {
			d.listCalls++
			if d.rateLimitFirst && d.listCalls == 1 {
				w.WriteHeader(http.StatusTooManyRequests)
				return
			}

			q := r.URL.Query().Get("q")
			// q has the shape: 'FOLDER' in parents and trashed = false
			start := strings.Index(q, "'")
			end := strings.Index(q[start+1:], "'")
			folderID := q[start+1 : start+1+end]

			files := d.children[folderID]
			page := fileList{Files: files}

			// Two-page pagination for folders with a "page2:" sibling entry
			if more, ok := d.children["page2:"+folderID]; ok {
				if r.URL.Query().Get("pageToken") == "" {
					page.NextPageToken = "tok"
				} else {
					page.Files = more
				}
			}

			_ = json.NewEncoder(w).Encode(page)
			return
		}

		// folder metadata: /files/{id}
		if strings.HasPrefix(r.URL.Path, "/files/") {
			id := strings.TrimPrefix(r.URL.Path, "/files/")
			_ = json.NewEncoder(w).Encode(file{ID: id, Name: "Watched Folder"})
			return
		}

		w.WriteHeader(http.StatusNotFound)
	}
}

func newStubClient(t *testing.T, stub *driveStub) *Client {
	t.Helper()

	srv := httptest.NewServer(stub.handler(t))
	t.Cleanup(srv.Close)
	return NewClient("test-token", "root", WithBaseURL(srv.URL))
}

func TestClient_ListRecursive(t *testing.T) {
	t.Parallel()

	stub := &driveStub{
		children: map[string][]file{
			"root": {
				{ID: "f1", Name: "readme.md", MimeType: "text/markdown", Md5Checksum: "aaa", Size: "10"},
				{ID: "d1", Name: "docs", MimeType: mimeFolder},
				{ID: "g1", Name: "Design Doc", MimeType: "application/vnd.google-apps.document"},
			},
			"d1": {
				{ID: "f2", Name: "guide.pdf", MimeType: "application/pdf", Md5Checksum: "bbb", Size: "2048"},
			},
		},
	}
	client := newStubClient(t, stub)

	entries, err := client.ListRecursive(context.Background())
	if err != nil {
		t.Fatalf("ListRecursive failed: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries (google-native doc skipped), got %d", len(entries))
	}

	byID := make(map[string]int)
	for i, e := range entries {
		byID[e.RemoteID] = i
	}
	if _, ok := byID["g1"]; ok {
		t.Error("google-native document must be skipped")
	}

	top := entries[byID["f1"]]
	if top.Path != "readme.md" || top.Fingerprint != "aaa" || top.SizeBytes != 10 {
		t.Errorf("unexpected top-level entry: %+v", top)
	}

	nested := entries[byID["f2"]]
	if nested.Path != "docs/guide.pdf" {
		t.Errorf("expected nested path docs/guide.pdf, got %s", nested.Path)
	}
	if nested.SizeBytes != 2048 {
		t.Errorf("expected size 2048, got %d", nested.SizeBytes)
	}
}

func TestClient_ListRecursive_Pagination(t *testing.T) {
	t.Parallel()

	stub := &driveStub{
		children: map[string][]file{
			"root": {
				{ID: "f1", Name: "one.txt", MimeType: "text/plain", Md5Checksum: "a", Size: "1"},
			},
			"page2:root": {
				{ID: "f2", Name: "two.txt", MimeType: "text/plain", Md5Checksum: "b", Size: "1"},
			},
		},
	}
	client := newStubClient(t, stub)

	entries, err := client.ListRecursive(context.Background())
	if err != nil {
		t.Fatalf("ListRecursive failed: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries across pages, got %d", len(entries))
	}
}

func TestClient_ListRecursive_RetriesRateLimit(t *testing.T) {
	t.Parallel()

	stub := &driveStub{
		rateLimitFirst: true,
		children: map[string][]file{
			"root": {
				{ID: "f1", Name: "one.txt", MimeType: "text/plain", Md5Checksum: "a", Size: "1"},
			},
		},
	}
	client := newStubClient(t, stub)

	entries, err := client.ListRecursive(context.Background())
	if err != nil {
		t.Fatalf("ListRecursive failed after rate limit: %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("expected 1 entry, got %d", len(entries))
	}
	if stub.listCalls != 2 {
		t.Errorf("expected 2 list calls (429 then 200), got %d", stub.listCalls)
	}
}

func TestClient_FetchContent(t *testing.T) {
	t.Parallel()

	stub := &driveStub{
		content: map[string][]byte{"f1": []byte("hello drive")},
	}
	client := newStubClient(t, stub)

	body, err := client.FetchContent(context.Background(), "f1")
	if err != nil {
		t.Fatalf("FetchContent failed: %v", err)
	}
	defer body.Close()

	data, err := io.ReadAll(body)
	if err != nil {
		t.Fatalf("read body failed: %v", err)
	}
	if string(data) != "hello drive" {
		t.Errorf("unexpected content: %q", data)
	}
}

func TestClient_FetchContent_NotFound(t *testing.T) {
	t.Parallel()

	stub := &driveStub{content: map[string][]byte{}}
	client := newStubClient(t, stub)

	_, err := client.FetchContent(context.Background(), "missing")
	var httpErr *apperrors.HTTPError
	if !errors.As(err, &httpErr) {
		t.Fatalf("expected HTTPError, got %v", err)
	}
	if httpErr.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404, got %d", httpErr.StatusCode)
	}
	if apperrors.IsTransient(err) {
		t.Error("404 must be permanent")
	}
}

func TestClient_Ping(t *testing.T) {
	t.Parallel()

	stub := &driveStub{}
	client := newStubClient(t, stub)

	name, err := client.Ping(context.Background())
	if err != nil {
		t.Fatalf("Ping failed: %v", err)
	}
	if name != "Watched Folder" {
		t.Errorf("unexpected folder name: %q", name)
	}
}

func TestFile_Fingerprint(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		file file
		want string
	}{
		{
			name: "checksum preferred",
			file: file{Md5Checksum: "abc", ModifiedTime: "2025-01-01T00:00:00Z"},
			want: "abc",
		},
		{
			name: "modified time fallback",
			file: file{ModifiedTime: "2025-01-01T00:00:00Z"},
			want: "2025-01-01T00:00:00Z",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			if got := tt.file.fingerprint(); got != tt.want {
				t.Errorf("fingerprint() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestClient_AuthHeaderSent(t *testing.T) {
	t.Parallel()

	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		fmt.Fprint(w, `{"files": []}`)
	}))
	t.Cleanup(srv.Close)

	client := NewClient("secret", "root", WithBaseURL(srv.URL))
	if _, err := client.ListRecursive(context.Background()); err != nil {
		t.Fatalf("ListRecursive failed: %v", err)
	}
	if gotAuth != "Bearer secret" {
		t.Errorf("expected bearer auth, got %q", gotAuth)
	}
}
