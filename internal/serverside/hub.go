// Package serverside implements the server half of spec.md §4.5: the
// per-user workspace table, the per-connection session dispatch loop, and
// the broadcast fan-out to peer sessions. Grounded on the teacher's
// internal/daemon/daemon.go (signal/context-driven lifecycle) and
// internal/transport/server.go (listener shape), generalized from an HTTP
// mux to the framed NetMsg dispatch loop this protocol requires.
package serverside

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/libsync/libsync/internal/audit"
	"github.com/libsync/libsync/internal/catalog"
	"github.com/libsync/libsync/internal/userdir"
	"github.com/libsync/libsync/internal/xerrors"
)

// workspace is one user's in-memory catalog plus the set of sessions
// currently attached to it.
type workspace struct {
	mu       sync.Mutex
	catalog  *catalog.Catalog
	sessions map[*Session]struct{}
}

// Hub owns the server's global state: the per-user workspace table, the
// credentials store, and the optional audit trail. One Hub serves every
// accepted connection.
type Hub struct {
	storeDir string
	users    *userdir.Store
	auditLog *audit.Store // nil when auditing is disabled
	log      *slog.Logger

	mu         sync.Mutex // global lock, always acquired before a workspace's lock
	workspaces map[uint64]*workspace
}

// NewHub wires a Hub to its on-disk store directory and credentials store.
// auditLog may be nil to disable the supplemental session trail entirely.
func NewHub(storeDir string, users *userdir.Store, auditLog *audit.Store, log *slog.Logger) *Hub {
	return &Hub{
		storeDir:   storeDir,
		users:      users,
		auditLog:   auditLog,
		log:        log,
		workspaces: make(map[uint64]*workspace),
	}
}

func (h *Hub) catalogPath(userID uint64) string {
	return filepath.Join(h.storeDir, fmt.Sprintf("%d.mtd", userID))
}

// fileDir returns the root under which a user's synced files are stored.
func (h *Hub) fileDir(userID uint64) string {
	return filepath.Join(h.storeDir, fmt.Sprintf("%d", userID))
}

// attach resolves userID's workspace, creating it on first attach by
// deserializing its catalog file (a missing file yields an empty catalog,
// per spec.md §4.5 step 2). The global lock is held only long enough to
// find-or-create the table entry.
func (h *Hub) attach(userID uint64, sess *Session) (*workspace, error) {
	h.mu.Lock()
	ws, ok := h.workspaces[userID]
	if !ok {
		cat, err := loadCatalog(h.catalogPath(userID))
		if err != nil {
			h.mu.Unlock()
			return nil, err
		}
		ws = &workspace{catalog: cat, sessions: make(map[*Session]struct{})}
		h.workspaces[userID] = ws
	}
	h.mu.Unlock()

	ws.mu.Lock()
	ws.sessions[sess] = struct{}{}
	ws.mu.Unlock()
	return ws, nil
}

// detach removes sess from ws and, if ws has no sessions left, drops it
// from the table under the global lock.
func (h *Hub) detach(userID uint64, ws *workspace, sess *Session) {
	ws.mu.Lock()
	delete(ws.sessions, sess)
	empty := len(ws.sessions) == 0
	ws.mu.Unlock()

	if !empty {
		return
	}
	h.mu.Lock()
	if current, ok := h.workspaces[userID]; ok && current == ws {
		delete(h.workspaces, userID)
	}
	h.mu.Unlock()
}

// persist rewrites ws's catalog to disk. Caller must hold ws.mu.
func (h *Hub) persist(userID uint64, ws *workspace) error {
	buf := ws.catalog.Serialize()
	path := h.catalogPath(userID)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("%w: mkdir store dir: %v", xerrors.ErrIO, err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, buf, 0o644); err != nil {
		return fmt.Errorf("%w: write catalog: %v", xerrors.ErrIO, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("%w: rename catalog: %v", xerrors.ErrIO, err)
	}
	return nil
}

// broadcast sends frame to every session attached to ws other than
// originator. Broadcast failures are logged, never fatal (spec.md §4.5).
func (h *Hub) broadcast(ws *workspace, originator *Session, payload []byte) {
	ws.mu.Lock()
	peers := make([]*Session, 0, len(ws.sessions))
	for s := range ws.sessions {
		if s != originator {
			peers = append(peers, s)
		}
	}
	ws.mu.Unlock()

	for _, peer := range peers {
		if err := peer.mux.SendOnly(payload); err != nil {
			h.log.Warn("broadcast failed", "user", peer.username, "err", err)
		}
	}
}

func (h *Hub) recordAudit(ev audit.Event) {
	if h.auditLog == nil {
		return
	}
	if ev.TS == 0 {
		ev.TS = time.Now().Unix()
	}
	if err := h.auditLog.Record(ev); err != nil {
		h.log.Warn("audit record failed", "event", ev.Kind, "err", err)
	}
}

func loadCatalog(path string) (*catalog.Catalog, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return catalog.New(), nil
		}
		return nil, fmt.Errorf("%w: read catalog %s: %v", xerrors.ErrIO, path, err)
	}
	return catalog.Deserialize(buf)
}
