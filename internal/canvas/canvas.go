// ABOUTME: Canvas asset host serving embedded UI behind scoped-path authorization
// ABOUTME: Normalizes /canvas/key/<token> URLs and gates access through the resolver

package canvas

import (
	"embed"
	"io/fs"
	"log/slog"
	"net/http"
	"path"
	"regexp"
	"strings"

	"github.com/2389/perch-gateway/internal/auth"
	"github.com/2389/perch-gateway/internal/config"
	"github.com/2389/perch-gateway/internal/httperr"
	"github.com/2389/perch-gateway/internal/scoped"
)

//go:embed static
var staticFS embed.FS

// hashPattern detects content hashes in asset filenames so hashed
// files can be cached immutably.
var hashPattern = regexp.MustCompile(`\.[a-zA-Z0-9_-]{8,16}\.`)

// Authorizer gates canvas access with the gateway trust config.
type Authorizer interface {
	Authorize(r *http.Request, cfg *config.Config, capabilityToken string) auth.Verdict
}

// Handler serves the embedded canvas UI. Scoped paths are normalized
// first; a malformed scoped path is denied before any other check, and
// the extracted capability token feeds the resolver.
type Handler struct {
	snapshot func() *config.Config
	resolver Authorizer
	logger   *slog.Logger
	files    http.Handler
}

func NewHandler(snapshot func() *config.Config, resolver Authorizer, logger *slog.Logger) *Handler {
	sub, err := fs.Sub(staticFS, "static")
	if err != nil {
		panic("canvas: embedded static tree missing: " + err.Error())
	}
	return &Handler{
		snapshot: snapshot,
		resolver: resolver,
		logger:   logger.With("component", "canvas"),
		files:    http.FileServer(http.FS(sub)),
	}
}

func (h *Handler) TryHandle(w http.ResponseWriter, r *http.Request) bool {
	res := scoped.Normalize(r.URL.Path)
	if res.Malformed {
		http.Error(w, "malformed scoped path", http.StatusBadRequest)
		return true
	}
	if res.Rewritten != "/canvas" && !strings.HasPrefix(res.Rewritten, "/canvas/") {
		return false
	}

	cfg := h.snapshot()
	if !cfg.Canvas.Enabled {
		http.NotFound(w, r)
		return true
	}

	verdict := h.resolver.Authorize(r, cfg, res.Token)
	if !verdict.Authorized {
		httperr.WriteVerdict(w, verdict)
		return true
	}

	rel := strings.TrimPrefix(res.Rewritten, "/canvas")
	rel = strings.TrimPrefix(rel, "/")
	if rel == "" {
		rel = "index.html"
	}

	if hashPattern.MatchString(rel) {
		w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
	} else {
		w.Header().Set("Cache-Control", "no-cache")
	}

	r2 := r.Clone(scoped.WithToken(r.Context(), res.Token))
	r2.URL.Path = "/" + path.Clean(rel)
	h.files.ServeHTTP(w, r2)
	return true
}
