// Package server assembles the HTTP surface: the WebDAV mount, the health
// endpoint, and the bridge that feeds watcher events into the tree and
// cache.
package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/rmdav/rmdav/internal/cache"
	"github.com/rmdav/rmdav/internal/dav"
	"github.com/rmdav/rmdav/internal/render"
	"github.com/rmdav/rmdav/internal/server/bandwidth"
	"github.com/rmdav/rmdav/internal/store"
	"github.com/rmdav/rmdav/internal/tree"
	"github.com/rmdav/rmdav/internal/writer"
)

// Prefix is where the WebDAV tree is mounted.
const Prefix = "/dav"

// Service bundles the wired components behind the HTTP surface.
type Service struct {
	Dir      *store.Dir
	Tree     *tree.Tree
	Cache    *cache.Cache
	Writer   *writer.Coordinator
	Renderer render.Renderer
	Egress   *bandwidth.Limiter
	Version  string
}

// NewService wires the component graph for one store directory.
func NewService(dir *store.Dir, cacheBudget, maxPayload, egressLimit int64, rend render.Renderer, version string) *Service {
	t := tree.New()
	c := cache.New(cacheBudget)
	return &Service{
		Dir:      dir,
		Tree:     t,
		Cache:    c,
		Writer:   writer.New(dir, t, c, maxPayload),
		Renderer: rend,
		Egress:   bandwidth.NewLimiter(egressLimit),
		Version:  version,
	}
}

// NewRouter creates and configures the HTTP router.
func NewRouter(svc *Service) http.Handler {
	mux := &http.ServeMux{}

	fsys := dav.NewFS(svc.Dir, svc.Tree, svc.Writer, svc.Cache, svc.Renderer, svc.Egress)
	mux.Handle(Prefix+"/", dav.NewHandler(Prefix, fsys))
	mux.Handle(Prefix, http.RedirectHandler(Prefix+"/", http.StatusMovedPermanently))

	mux.HandleFunc("GET /healthz", svc.health)

	return logRequests(mux)
}

type healthResponse struct {
	Status   string    `json:"status"`
	Version  string    `json:"version"`
	Entities int       `json:"entities"`
	Excluded int       `json:"excluded"`
	BuiltAt  time.Time `json:"builtAt"`
}

func (svc *Service) health(w http.ResponseWriter, r *http.Request) {
	snap := svc.Tree.Snapshot()
	resp := healthResponse{
		Status:   "ok",
		Version:  svc.Version,
		Entities: len(snap.Generations()),
		Excluded: len(snap.Excluded()),
		BuiltAt:  snap.BuiltAt(),
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(&resp); err != nil {
		slog.Warn("Failed to write health response", "err", err)
	}
}
