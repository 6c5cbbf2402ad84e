package dav

import (
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/rmdav/rmdav/internal/cache"
	"github.com/rmdav/rmdav/internal/render"
	"github.com/rmdav/rmdav/internal/store"
	"github.com/rmdav/rmdav/internal/tree"
	"github.com/rmdav/rmdav/internal/writer"
)

func newServer(t *testing.T) (*httptest.Server, *store.Dir) {
	t.Helper()
	d, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	tr := tree.New()
	c := cache.New(0)
	co := writer.New(d, tr, c, 0)
	fsys := NewFS(d, tr, co, c, render.Disabled(), nil)
	srv := httptest.NewServer(NewHandler("/dav", fsys))
	t.Cleanup(srv.Close)
	return srv, d
}

func do(t *testing.T, method, url, body string, hdr map[string]string) *http.Response {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, url, r)
	if err != nil {
		t.Fatal(err)
	}
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestPutGetRoundTrip(t *testing.T) {
	srv, _ := newServer(t)

	if resp := do(t, "MKCOL", srv.URL+"/dav/Projects", "", nil); resp.StatusCode != http.StatusCreated {
		t.Fatalf("MKCOL status = %d", resp.StatusCode)
	}
	if resp := do(t, http.MethodPut, srv.URL+"/dav/Projects/Plan.pdf", "%PDF-1.4 v1", nil); resp.StatusCode != http.StatusCreated {
		t.Fatalf("PUT create status = %d", resp.StatusCode)
	}

	resp := do(t, http.MethodGet, srv.URL+"/dav/Projects/Plan.pdf", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET status = %d", resp.StatusCode)
	}
	b, _ := io.ReadAll(resp.Body)
	if string(b) != "%PDF-1.4 v1" {
		t.Errorf("GET body = %q", b)
	}

	// Replacing an existing document reports no content, and subsequent
	// reads see the new payload.
	if resp := do(t, http.MethodPut, srv.URL+"/dav/Projects/Plan.pdf", "%PDF-1.4 v2", nil); resp.StatusCode != http.StatusNoContent {
		t.Fatalf("PUT replace status = %d", resp.StatusCode)
	}
	resp = do(t, http.MethodGet, srv.URL+"/dav/Projects/Plan.pdf", "", nil)
	b, _ = io.ReadAll(resp.Body)
	if string(b) != "%PDF-1.4 v2" {
		t.Errorf("GET after replace = %q", b)
	}
}

func TestPutErrors(t *testing.T) {
	srv, _ := newServer(t)

	if resp := do(t, http.MethodPut, srv.URL+"/dav/Missing/Plan.pdf", "x", nil); resp.StatusCode != http.StatusConflict {
		t.Errorf("PUT under missing parent = %d, want 409", resp.StatusCode)
	}
	if resp := do(t, http.MethodPut, srv.URL+"/dav/notes.txt", "x", nil); resp.StatusCode != http.StatusUnsupportedMediaType {
		t.Errorf("PUT unsupported extension = %d, want 415", resp.StatusCode)
	}
	if resp := do(t, "MKCOL", srv.URL+"/dav/Dup", "", nil); resp.StatusCode != http.StatusCreated {
		t.Fatalf("MKCOL status = %d", resp.StatusCode)
	}
	if resp := do(t, "MKCOL", srv.URL+"/dav/Dup", "", nil); resp.StatusCode == http.StatusCreated {
		t.Error("duplicate MKCOL succeeded")
	}
}

func TestRangeRequest(t *testing.T) {
	srv, _ := newServer(t)
	if resp := do(t, http.MethodPut, srv.URL+"/dav/Doc.pdf", "0123456789", nil); resp.StatusCode != http.StatusCreated {
		t.Fatalf("PUT status = %d", resp.StatusCode)
	}
	resp := do(t, http.MethodGet, srv.URL+"/dav/Doc.pdf", "", map[string]string{"Range": "bytes=2-5"})
	if resp.StatusCode != http.StatusPartialContent {
		t.Fatalf("ranged GET status = %d", resp.StatusCode)
	}
	b, _ := io.ReadAll(resp.Body)
	if string(b) != "2345" {
		t.Errorf("ranged body = %q, want 2345", b)
	}
}

func TestPropfindListsChildren(t *testing.T) {
	srv, _ := newServer(t)
	do(t, "MKCOL", srv.URL+"/dav/Notes", "", nil)
	do(t, http.MethodPut, srv.URL+"/dav/Notes/Todo.pdf", "todo", nil)

	resp := do(t, "PROPFIND", srv.URL+"/dav/Notes", "", map[string]string{"Depth": "1"})
	if resp.StatusCode != http.StatusMultiStatus {
		t.Fatalf("PROPFIND status = %d", resp.StatusCode)
	}
	b, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(b), "Todo.pdf") {
		t.Errorf("PROPFIND response missing child: %s", b)
	}
}

func TestDeleteTrashLifecycle(t *testing.T) {
	srv, _ := newServer(t)
	do(t, http.MethodPut, srv.URL+"/dav/Temp.pdf", "x", nil)

	if resp := do(t, http.MethodDelete, srv.URL+"/dav/Temp.pdf", "", nil); resp.StatusCode != http.StatusNoContent {
		t.Fatalf("DELETE status = %d", resp.StatusCode)
	}
	if resp := do(t, http.MethodGet, srv.URL+"/dav/Temp.pdf", "", nil); resp.StatusCode != http.StatusNotFound {
		t.Errorf("GET deleted = %d, want 404", resp.StatusCode)
	}
	if resp := do(t, http.MethodGet, srv.URL+"/dav/Trash/Temp.pdf", "", nil); resp.StatusCode != http.StatusOK {
		t.Errorf("GET trashed = %d, want 200", resp.StatusCode)
	}

	// Deleting inside the trash purges permanently.
	if resp := do(t, http.MethodDelete, srv.URL+"/dav/Trash/Temp.pdf", "", nil); resp.StatusCode != http.StatusNoContent {
		t.Fatalf("DELETE in trash status = %d", resp.StatusCode)
	}
	if resp := do(t, http.MethodGet, srv.URL+"/dav/Trash/Temp.pdf", "", nil); resp.StatusCode != http.StatusNotFound {
		t.Errorf("GET purged = %d, want 404", resp.StatusCode)
	}
}

func TestMoveVerb(t *testing.T) {
	srv, _ := newServer(t)
	do(t, "MKCOL", srv.URL+"/dav/Notes", "", nil)
	do(t, "MKCOL", srv.URL+"/dav/Archive", "", nil)
	do(t, http.MethodPut, srv.URL+"/dav/Notes/Todo.pdf", "todo", nil)

	resp := do(t, "MOVE", srv.URL+"/dav/Notes/Todo.pdf", "", map[string]string{
		"Destination": srv.URL + "/dav/Archive/Todo.pdf",
	})
	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusNoContent {
		t.Fatalf("MOVE status = %d", resp.StatusCode)
	}
	if resp := do(t, http.MethodGet, srv.URL+"/dav/Archive/Todo.pdf", "", nil); resp.StatusCode != http.StatusOK {
		t.Errorf("GET at destination = %d", resp.StatusCode)
	}
	if resp := do(t, http.MethodGet, srv.URL+"/dav/Notes/Todo.pdf", "", nil); resp.StatusCode != http.StatusNotFound {
		t.Errorf("GET at source = %d, want 404", resp.StatusCode)
	}
}

func TestExternalChangeConflictStatus(t *testing.T) {
	srv, d := newServer(t)
	do(t, http.MethodPut, srv.URL+"/dav/Doc.pdf", "%PDF-1.4", nil)

	entities, _ := d.Scan(t.Context())
	if len(entities) != 1 {
		t.Fatalf("Scan returned %d entities, want 1", len(entities))
	}
	// The native application touches the record behind our back; the
	// mutation must be rejected as a protocol conflict, not a 403/500.
	future := time.Now().Add(3 * time.Second)
	if err := os.Chtimes(d.MetadataPath(entities[0].ID), future, future); err != nil {
		t.Fatal(err)
	}

	resp := do(t, "MOVE", srv.URL+"/dav/Doc.pdf", "", map[string]string{
		"Destination": srv.URL + "/dav/Renamed.pdf",
	})
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("MOVE after external change = %d, want 409", resp.StatusCode)
	}
	resp = do(t, http.MethodDelete, srv.URL+"/dav/Doc.pdf", "", nil)
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("DELETE after external change = %d, want 409", resp.StatusCode)
	}
}

func TestMoveToTrashViaRename(t *testing.T) {
	srv, _ := newServer(t)
	do(t, http.MethodPut, srv.URL+"/dav/Old.pdf", "x", nil)

	resp := do(t, "MOVE", srv.URL+"/dav/Old.pdf", "", map[string]string{
		"Destination": srv.URL + "/dav/Trash/Old.pdf",
	})
	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusNoContent {
		t.Fatalf("MOVE to trash status = %d", resp.StatusCode)
	}
	if resp := do(t, http.MethodGet, srv.URL+"/dav/Trash/Old.pdf", "", nil); resp.StatusCode != http.StatusOK {
		t.Errorf("GET in trash = %d", resp.StatusCode)
	}
}
