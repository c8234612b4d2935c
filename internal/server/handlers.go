package server

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/atomize-dev/atomize/internal/store"
	"github.com/atomize-dev/atomize/internal/tree"
)

// listSessions handles GET /api/sessions.
func (s *Server) listSessions(c echo.Context) error {
	sessions, err := s.store.ListSessions(c.Request().Context())
	if err != nil {
		return err
	}
	if sessions == nil {
		sessions = []tree.Session{}
	}
	return c.JSON(http.StatusOK, sessions)
}

// getSession handles GET /api/sessions/:name.
func (s *Server) getSession(c echo.Context) error {
	sess, err := s.store.GetSessionByName(c.Request().Context(), c.Param("name"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "session not found")
		}
		return err
	}
	return c.JSON(http.StatusOK, sess)
}

// listNodes handles GET /api/sessions/:name/nodes with an optional
// ?status= filter.
func (s *Server) listNodes(c echo.Context) error {
	ctx := c.Request().Context()
	sess, err := s.store.GetSessionByName(ctx, c.Param("name"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "session not found")
		}
		return err
	}
	var nodes []tree.Node
	if status := c.QueryParam("status"); status != "" {
		nodes, err = s.store.QueryNodesByStatus(ctx, sess.ID, tree.NodeStatus(status))
	} else {
		nodes, err = s.store.ListNodes(ctx, sess.ID)
	}
	if err != nil {
		return err
	}
	if nodes == nil {
		nodes = []tree.Node{}
	}
	return c.JSON(http.StatusOK, nodes)
}

// prdEntry is one emitted document in the listing.
type prdEntry struct {
	Ref      string  `json:"ref,omitempty"`
	NodeID   string  `json:"node_id"`
	Name     string  `json:"name"`
	Sequence int64   `json:"sequence"`
	Hours    float64 `json:"hours"`
}

// listPRDs handles GET /api/sessions/:name/prds: the session's atomic
// nodes in creation order with their document references.
func (s *Server) listPRDs(c echo.Context) error {
	ctx := c.Request().Context()
	sess, err := s.store.GetSessionByName(ctx, c.Param("name"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "session not found")
		}
		return err
	}
	leaves, err := s.store.ListAtomicLeaves(ctx, sess.ID)
	if err != nil {
		return err
	}
	out := make([]prdEntry, 0, len(leaves))
	for _, n := range leaves {
		entry := prdEntry{NodeID: n.ID, Name: n.Name, Sequence: n.Seq, Hours: n.Estimates.Hours}
		if n.PRDRef != nil {
			entry.Ref = *n.PRDRef
		}
		out = append(out, entry)
	}
	return c.JSON(http.StatusOK, out)
}

// sessionReport handles GET /api/sessions/:name/report with per-status
// node tallies.
func (s *Server) sessionReport(c echo.Context) error {
	ctx := c.Request().Context()
	sess, err := s.store.GetSessionByName(ctx, c.Param("name"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "session not found")
		}
		return err
	}
	counts, err := s.store.CountNodesByStatus(ctx, sess.ID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"session": sess,
		"nodes":   counts,
	})
}

// search handles GET /api/search?q=...&k=10 over emitted documents.
func (s *Server) search(c echo.Context) error {
	if s.index == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "search index not configured")
	}
	q := c.QueryParam("q")
	if q == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "missing q parameter")
	}
	k, _ := strconv.Atoi(c.QueryParam("k"))
	hits, err := s.index.Search(q, k)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, hits)
}
