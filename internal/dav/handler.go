package dav

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"strings"

	"golang.org/x/net/webdav"

	"github.com/rmdav/rmdav/internal/store"
	"github.com/rmdav/rmdav/internal/writer"
)

// Handler serves the WebDAV surface. The mutating verbs PUT, DELETE and
// MOVE are handled directly so they reach the coordinator with
// request-scoped cancellation and precise status codes (a commit-time
// concurrent change surfaces as 409); every other verb goes through the
// webdav package against FS.
type Handler struct {
	prefix string
	fs     *FS
	dav    *webdav.Handler
}

// NewHandler mounts fsys under prefix (e.g. "/dav").
func NewHandler(prefix string, fsys *FS) *Handler {
	prefix = strings.TrimSuffix(prefix, "/")
	return &Handler{
		prefix: prefix,
		fs:     fsys,
		dav: &webdav.Handler{
			Prefix:     prefix,
			FileSystem: fsys,
			LockSystem: webdav.NewMemLS(),
			Logger: func(r *http.Request, err error) {
				if err != nil {
					slog.Warn("WebDAV request failed", "method", r.Method, "path", r.URL.Path, "err", err)
				}
			},
		},
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPut:
		h.put(w, r)
	case http.MethodDelete:
		h.delete(w, r)
	case "MOVE":
		h.move(w, r)
	default:
		h.dav.ServeHTTP(w, r)
	}
}

// stripPrefix maps a request path to a tree path.
func (h *Handler) stripPrefix(p string) (string, bool) {
	name, ok := strings.CutPrefix(p, h.prefix)
	if !ok {
		return "", false
	}
	return path.Clean("/" + name), true
}

// put streams a document create or replace. The request body is consumed
// directly by the staging pipeline; a client disconnect cancels the context
// and the staged write rolls back with nothing published.
func (h *Handler) put(w http.ResponseWriter, r *http.Request) {
	if strings.HasSuffix(r.URL.Path, "/") {
		http.Error(w, "cannot PUT a collection", http.StatusMethodNotAllowed)
		return
	}
	name, ok := h.stripPrefix(r.URL.Path)
	if !ok {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}

	snap, n, found := h.fs.resolve(name)
	if found {
		if n.IsDir() {
			http.Error(w, "cannot PUT a collection", http.StatusMethodNotAllowed)
			return
		}
		err := h.fs.co.ReplaceDocument(r.Context(), n.ID, r.Body)
		h.finish(w, r, err, http.StatusNoContent)
		return
	}

	parent, base := splitPath(name)
	pn, ok := snap.Resolve(parent)
	if !ok || !pn.IsDir() {
		http.Error(w, "parent collection does not exist", http.StatusConflict)
		return
	}
	docName, format, ok := splitDocumentName(base)
	if !ok {
		http.Error(w, "only .pdf and .epub documents can be uploaded", http.StatusUnsupportedMediaType)
		return
	}
	_, err := h.fs.co.CreateDocument(r.Context(), parentRef(pn), docName, format, r.Body)
	h.finish(w, r, err, http.StatusCreated)
}

// delete removes a node through the coordinator: to trash when live,
// permanently when already trashed.
func (h *Handler) delete(w http.ResponseWriter, r *http.Request) {
	name, ok := h.stripPrefix(r.URL.Path)
	if !ok {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	_, n, found := h.fs.resolve(name)
	if !found {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	if n.Entity == nil {
		http.Error(w, "cannot delete", http.StatusForbidden)
		return
	}
	h.finish(w, r, h.fs.co.Delete(r.Context(), n.ID), http.StatusNoContent)
}

// move reparents and/or renames a node per the Destination header.
func (h *Handler) move(w http.ResponseWriter, r *http.Request) {
	src, ok := h.stripPrefix(r.URL.Path)
	if !ok {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	u, err := url.Parse(r.Header.Get("Destination"))
	if err != nil || u.Path == "" {
		http.Error(w, "bad destination", http.StatusBadRequest)
		return
	}
	if u.Host != "" && u.Host != r.Host {
		http.Error(w, "destination host mismatch", http.StatusBadGateway)
		return
	}
	dst, ok := h.stripPrefix(u.Path)
	if !ok {
		http.Error(w, "destination outside share", http.StatusBadGateway)
		return
	}

	snap, n, found := h.fs.resolve(src)
	if !found {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	if n.Entity == nil {
		http.Error(w, "cannot move", http.StatusForbidden)
		return
	}

	okStatus := http.StatusCreated
	if dn, exists := snap.Resolve(dst); exists {
		if dn.ID == n.ID || dn.Entity == nil {
			http.Error(w, "cannot overwrite destination", http.StatusForbidden)
			return
		}
		if r.Header.Get("Overwrite") == "F" {
			http.Error(w, "destination exists", http.StatusPreconditionFailed)
			return
		}
		if err := h.fs.co.Delete(r.Context(), dn.ID); err != nil {
			h.finish(w, r, err, http.StatusNoContent)
			return
		}
		okStatus = http.StatusNoContent
	}

	parent, base := splitPath(dst)
	pn, ok := snap.Resolve(parent)
	if !ok || !pn.IsDir() {
		http.Error(w, "destination parent does not exist", http.StatusConflict)
		return
	}
	if n.Kind == store.KindDocument {
		base = strings.TrimSuffix(base, n.Entity.Format.Extension())
	}
	if base == "" {
		http.Error(w, "bad destination", http.StatusForbidden)
		return
	}
	h.finish(w, r, h.fs.co.Move(r.Context(), n.ID, parentRef(pn), base), okStatus)
}

func (h *Handler) finish(w http.ResponseWriter, r *http.Request, err error, okStatus int) {
	switch {
	case err == nil:
		w.WriteHeader(okStatus)
	case errors.Is(err, context.Canceled):
		// Client gone; the staged write was rolled back.
	case errors.Is(err, writer.ErrTooLarge):
		http.Error(w, err.Error(), http.StatusRequestEntityTooLarge)
	case writer.IsConflict(err):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, writer.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, writer.ErrInvalid):
		http.Error(w, err.Error(), http.StatusForbidden)
	default:
		slog.Error("Mutation failed", "method", r.Method, "path", r.URL.Path, "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}
