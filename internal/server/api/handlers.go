package api

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"slices"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/systemshift/contentrepo/internal/auth"
	"github.com/systemshift/contentrepo/internal/content/core"
	"github.com/systemshift/contentrepo/internal/content/nodetype"
	"github.com/systemshift/contentrepo/internal/content/query"
	"github.com/systemshift/contentrepo/internal/content/repository"
	"github.com/systemshift/contentrepo/internal/content/session"
)

// LockTokenHeader carries lock tokens a request should hold.
const LockTokenHeader = "X-Lock-Token"

// Server holds the HTTP server dependencies
type Server struct {
	repo *repository.Repository
	log  *zap.SugaredLogger
}

// New creates a new API server
func New(repo *repository.Repository, log *zap.SugaredLogger) *Server {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Server{repo: repo, log: log}
}

// Routes registers the health check and the /api tree on r.
func (s *Server) Routes(r chi.Router) {
	r.Get("/health", s.HealthCheck)

	r.Route("/api", func(r chi.Router) {
		r.Get("/workspaces", s.ListWorkspaces)
		r.Post("/workspaces", s.CreateWorkspace)

		r.Route("/workspaces/{ws}", func(r chi.Router) {
			r.Delete("/", s.DeleteWorkspace)
			r.Get("/nodes/*", s.GetNode)
			r.Put("/nodes/*", s.PutNode)
			r.Delete("/nodes/*", s.DeleteNode)
			r.Post("/move", s.MoveNode)
			r.Post("/query", s.Query)
			r.Post("/checkin/*", s.Checkin)
			r.Post("/checkout/*", s.Checkout)
			r.Get("/history/*", s.GetHistory)
			r.Post("/lock/*", s.Lock)
			r.Delete("/lock/*", s.Unlock)
		})

		r.Get("/nodetypes", s.ListNodeTypes)
		r.Get("/nodetypes/{name}", s.GetNodeType)
		r.Post("/nodetypes", s.RegisterNodeTypes)
	})
}

// HealthCheck handles GET /health
func (s *Server) HealthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"workspaces": len(s.repo.Workspaces()),
		"sessions":   s.repo.ActiveSessions(),
	})
}

// ErrorResponse is the body of every failed request
type ErrorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// statusOf maps an error kind to an HTTP status.
func statusOf(err error) int {
	switch {
	case core.IsNotFound(err):
		return http.StatusNotFound
	case errors.Is(err, core.ErrLogin):
		return http.StatusUnauthorized
	case errors.Is(err, core.ErrAccessDenied):
		return http.StatusForbidden
	case core.IsConflict(err), errors.Is(err, core.ErrVersion), errors.Is(err, core.ErrMerge),
		errors.Is(err, core.ErrInvalidLifecycleTransition):
		return http.StatusConflict
	case errors.Is(err, core.ErrValueFormat), errors.Is(err, core.ErrInvalidSerializedData),
		errors.Is(err, core.ErrInvalidQuery), errors.Is(err, core.ErrInvalidArgument),
		errors.Is(err, core.ErrIllegalState):
		return http.StatusBadRequest
	case errors.Is(err, core.ErrUnsupportedOperation):
		return http.StatusNotImplemented
	}
	return http.StatusInternalServerError
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusOf(err)
	if status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", `Basic realm="contentrepo"`)
	}
	if status == http.StatusInternalServerError {
		s.log.Errorw("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	resp := ErrorResponse{Error: err.Error()}
	if kind := core.KindOf(err); kind != nil {
		resp.Kind = kind.Error()
	}
	writeJSON(w, status, resp)
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: msg})
}

// credentials maps basic auth to SimpleCredentials; no header is a guest.
func credentials(r *http.Request) auth.Credentials {
	user, pass, ok := r.BasicAuth()
	if !ok {
		return auth.GuestCredentials{}
	}
	return auth.SimpleCredentials{UserID: user, Password: pass}
}

// login opens a session for the request on workspace ws. The caller logs it
// out.
func (s *Server) login(w http.ResponseWriter, r *http.Request, ws string) (*session.Session, bool) {
	sess, err := s.repo.Login(r.Context(), credentials(r), ws)
	if err != nil {
		s.writeError(w, r, err)
		return nil, false
	}
	for _, token := range r.Header.Values(LockTokenHeader) {
		sess.AddLockToken(token)
	}
	return sess, true
}

// itemPath is the absolute path captured by a trailing wildcard.
func itemPath(r *http.Request) (string, error) {
	raw, err := url.PathUnescape(chi.URLParam(r, "*"))
	if err != nil {
		return "", core.Wrap(core.ErrInvalidArgument, "api", raw, err)
	}
	return "/" + strings.Trim(raw, "/"), nil
}

// ListWorkspaces handles GET /api/workspaces
func (s *Server) ListWorkspaces(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.login(w, r, "")
	if !ok {
		return
	}
	defer sess.Logout(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{
		"default":    s.repo.DefaultWorkspace(),
		"workspaces": sess.Workspace().AccessibleWorkspaceNames(),
	})
}

// CreateWorkspaceRequest is the request body for creating a workspace
type CreateWorkspaceRequest struct {
	Name string `json:"name"`
	// Source, when set, is the workspace whose content is cloned.
	Source string `json:"source,omitempty"`
}

// CreateWorkspace handles POST /api/workspaces
func (s *Server) CreateWorkspace(w http.ResponseWriter, r *http.Request) {
	var req CreateWorkspaceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, err.Error())
		return
	}
	if req.Name == "" {
		badRequest(w, "name is required")
		return
	}
	sess, ok := s.login(w, r, "")
	if !ok {
		return
	}
	defer sess.Logout(r.Context())
	if err := sess.Workspace().CreateWorkspace(r.Context(), req.Name, req.Source); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"name": req.Name})
}

// DeleteWorkspace handles DELETE /api/workspaces/{ws}
func (s *Server) DeleteWorkspace(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.login(w, r, "")
	if !ok {
		return
	}
	defer sess.Logout(r.Context())
	if err := sess.Workspace().DeleteWorkspace(r.Context(), chi.URLParam(r, "ws")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// PropertyResponse is one property of a NodeResponse. Binary values are
// base64 encoded.
type PropertyResponse struct {
	Type     string   `json:"type"`
	Multiple bool     `json:"multiple,omitempty"`
	Values   []string `json:"values"`
}

// NodeResponse is the JSON form of a node
type NodeResponse struct {
	Path        string                      `json:"path"`
	Identifier  string                      `json:"identifier"`
	PrimaryType string                      `json:"primaryType"`
	Mixins      []string                    `json:"mixins,omitempty"`
	Properties  map[string]PropertyResponse `json:"properties"`
	Children    []string                    `json:"children"`
	CheckedOut  bool                        `json:"checkedOut"`
	Locked      bool                        `json:"locked"`
}

func valueString(v *core.Value) (string, error) {
	if v.Type() == core.TypeBinary {
		b, err := v.GetBinary()
		if err != nil {
			return "", err
		}
		return base64.StdEncoding.EncodeToString(b), nil
	}
	return v.GetString()
}

func nodeResponse(n *session.Node) (*NodeResponse, error) {
	pt, err := n.PrimaryNodeType()
	if err != nil {
		return nil, err
	}
	resp := &NodeResponse{
		Path:        n.Path(),
		Identifier:  n.Identifier(),
		PrimaryType: pt.Name(),
		Properties:  make(map[string]PropertyResponse),
		Children:    []string{},
		CheckedOut:  n.IsCheckedOut(),
		Locked:      n.IsLocked(),
	}
	mixins, err := n.MixinNodeTypes()
	if err != nil {
		return nil, err
	}
	for _, m := range mixins {
		resp.Mixins = append(resp.Mixins, m.Name())
	}
	props, err := n.GetProperties()
	if err != nil {
		return nil, err
	}
	for _, p := range props {
		pr := PropertyResponse{Type: p.Type().String(), Multiple: p.IsMultiple(), Values: []string{}}
		var values []*core.Value
		if p.IsMultiple() {
			values, err = p.Values()
		} else {
			var v *core.Value
			v, err = p.Value()
			values = []*core.Value{v}
		}
		if err != nil {
			return nil, err
		}
		for _, v := range values {
			str, err := valueString(v)
			if err != nil {
				return nil, err
			}
			pr.Values = append(pr.Values, str)
		}
		resp.Properties[p.Name()] = pr
	}
	children, err := n.GetNodes()
	if err != nil {
		return nil, err
	}
	for _, c := range children {
		name := c.Name()
		if i := c.Index(); i > 1 {
			name = fmt.Sprintf("%s[%d]", name, i)
		}
		resp.Children = append(resp.Children, name)
	}
	return resp, nil
}

// GetNode handles GET /api/workspaces/{ws}/nodes/*
func (s *Server) GetNode(w http.ResponseWriter, r *http.Request) {
	p, err := itemPath(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	sess, ok := s.login(w, r, chi.URLParam(r, "ws"))
	if !ok {
		return
	}
	defer sess.Logout(r.Context())

	n, err := sess.GetNode(p)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	resp, err := nodeResponse(n)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// PropertyValue is a property in a PutNodeRequest. It decodes either from a
// bare JSON value (string, number, bool, array, null) or from an object
// {"type": "Long", "value": ...}.
type PropertyValue struct {
	Type  string
	Value any
}

func (v *PropertyValue) UnmarshalJSON(b []byte) error {
	dec := json.NewDecoder(strings.NewReader(string(b)))
	dec.UseNumber()
	var raw any
	if err := dec.Decode(&raw); err != nil {
		return err
	}
	if obj, ok := raw.(map[string]any); ok {
		typ, _ := obj["type"].(string)
		v.Type = typ
		v.Value = jsonValue(obj["value"])
		return nil
	}
	v.Value = jsonValue(raw)
	return nil
}

// jsonValue turns whole json.Numbers into int64 and the rest into float64.
func jsonValue(x any) any {
	switch t := x.(type) {
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i
		}
		f, _ := t.Float64()
		return f
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = jsonValue(e)
		}
		return out
	}
	return x
}

// PutNodeRequest is the request body for creating or updating a node.
// Properties set to null are removed.
type PutNodeRequest struct {
	PrimaryType string                    `json:"primaryType,omitempty"`
	Mixins      []string                  `json:"mixins,omitempty"`
	Properties  map[string]*PropertyValue `json:"properties,omitempty"`
}

// PutNode handles PUT /api/workspaces/{ws}/nodes/*
// Creates the node when it is missing, then applies mixins and properties
// and saves.
func (s *Server) PutNode(w http.ResponseWriter, r *http.Request) {
	p, err := itemPath(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req PutNodeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		badRequest(w, err.Error())
		return
	}
	sess, ok := s.login(w, r, chi.URLParam(r, "ws"))
	if !ok {
		return
	}
	defer sess.Logout(r.Context())

	status := http.StatusOK
	n, err := sess.GetNode(p)
	if core.IsNotFound(err) && p != "/" {
		var parent *session.Node
		parent, err = sess.GetNode(path.Dir(p))
		if err == nil {
			n, err = parent.AddNode(path.Base(p), req.PrimaryType)
			status = http.StatusCreated
		}
	} else if err == nil && req.PrimaryType != "" {
		if pt, perr := n.PrimaryNodeType(); perr == nil && pt.Name() != req.PrimaryType {
			err = n.SetPrimaryType(req.PrimaryType)
		}
	}
	if err == nil {
		err = applyNode(n, &req)
	}
	if err == nil {
		err = sess.Save(r.Context())
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	resp, err := nodeResponse(n)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, status, resp)
}

func applyNode(n *session.Node, req *PutNodeRequest) error {
	for _, m := range req.Mixins {
		if n.IsNodeType(m) {
			continue
		}
		if err := n.AddMixin(m); err != nil {
			return err
		}
	}
	names := make([]string, 0, len(req.Properties))
	for name := range req.Properties {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		pv := req.Properties[name]
		if pv == nil || pv.Value == nil {
			if n.HasProperty(name) {
				p, err := n.GetProperty(name)
				if err != nil {
					return err
				}
				if err := p.Remove(); err != nil {
					return err
				}
			}
			continue
		}
		typ := core.TypeUndefined
		if pv.Type != "" {
			t, err := core.ValueFromName(pv.Type)
			if err != nil {
				return err
			}
			typ = t
		}
		if _, err := n.SetPropertyType(name, pv.Value, typ); err != nil {
			return err
		}
	}
	return nil
}

// DeleteNode handles DELETE /api/workspaces/{ws}/nodes/*
func (s *Server) DeleteNode(w http.ResponseWriter, r *http.Request) {
	p, err := itemPath(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	sess, ok := s.login(w, r, chi.URLParam(r, "ws"))
	if !ok {
		return
	}
	defer sess.Logout(r.Context())

	if err := sess.RemoveItem(p); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := sess.Save(r.Context()); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// MoveRequest is the request body for moving a node
type MoveRequest struct {
	Source      string `json:"source"`
	Destination string `json:"destination"`
}

// MoveNode handles POST /api/workspaces/{ws}/move
func (s *Server) MoveNode(w http.ResponseWriter, r *http.Request) {
	var req MoveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, err.Error())
		return
	}
	if req.Source == "" || req.Destination == "" {
		badRequest(w, "source and destination are required")
		return
	}
	sess, ok := s.login(w, r, chi.URLParam(r, "ws"))
	if !ok {
		return
	}
	defer sess.Logout(r.Context())

	if err := sess.Workspace().Move(r.Context(), req.Source, req.Destination); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// QueryRequest is the request body for running a query
type QueryRequest struct {
	Statement string         `json:"statement"`
	Language  string         `json:"language,omitempty"`
	Bind      map[string]any `json:"bind,omitempty"`
	Limit     int            `json:"limit,omitempty"`
	Offset    int            `json:"offset,omitempty"`
}

// QueryRow is one row of a QueryResponse; null values are omitted.
type QueryRow struct {
	Paths  map[string]string  `json:"paths"`
	Scores map[string]float64 `json:"scores,omitempty"`
	Values map[string]string  `json:"values"`
}

// QueryResponse is the response for a query
type QueryResponse struct {
	Columns   []string   `json:"columns"`
	Selectors []string   `json:"selectors"`
	Rows      []QueryRow `json:"rows"`
	Count     int        `json:"count"`
}

// parsePagination reads ?limit and ?offset; the body's values win.
func parsePagination(r *http.Request) (limit int, offset int) {
	query := r.URL.Query()
	if l := query.Get("limit"); l != "" {
		fmt.Sscanf(l, "%d", &limit)
	}
	if o := query.Get("offset"); o != "" {
		fmt.Sscanf(o, "%d", &offset)
	}
	return limit, offset
}

// Query handles POST /api/workspaces/{ws}/query
func (s *Server) Query(w http.ResponseWriter, r *http.Request) {
	var req QueryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, err.Error())
		return
	}
	if req.Language == "" {
		req.Language = query.LanguageSQL2
	}
	limit, offset := parsePagination(r)
	if req.Limit > 0 {
		limit = req.Limit
	}
	if req.Offset > 0 {
		offset = req.Offset
	}
	sess, ok := s.login(w, r, chi.URLParam(r, "ws"))
	if !ok {
		return
	}
	defer sess.Logout(r.Context())

	q, err := sess.Workspace().QueryManager().CreateQuery(req.Statement, req.Language)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	for name, v := range req.Bind {
		if f, ok := v.(float64); ok && f == float64(int64(f)) {
			v = int64(f)
		}
		if err := q.BindValue(name, v); err != nil {
			s.writeError(w, r, err)
			return
		}
	}
	q.SetLimit(limit)
	q.SetOffset(offset)
	res, err := q.Execute(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	resp := QueryResponse{Columns: res.ColumnNames(), Selectors: res.SelectorNames(), Rows: []QueryRow{}}
	for _, row := range res.Rows() {
		qr := QueryRow{Paths: map[string]string{}, Scores: map[string]float64{}, Values: map[string]string{}}
		for _, sel := range resp.Selectors {
			p, _ := row.Path(sel)
			if p == "" {
				continue
			}
			qr.Paths[sel] = p
			if score, _ := row.Score(sel); score > 0 {
				qr.Scores[sel] = score
			}
		}
		for i, v := range row.Values() {
			if v == nil {
				continue
			}
			str, err := valueString(v)
			if err != nil {
				s.writeError(w, r, err)
				return
			}
			qr.Values[resp.Columns[i]] = str
		}
		resp.Rows = append(resp.Rows, qr)
	}
	resp.Count = len(resp.Rows)
	writeJSON(w, http.StatusOK, resp)
}

// VersionResponse is the JSON form of a version
type VersionResponse struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Created      time.Time `json:"created"`
	Predecessors []string  `json:"predecessors,omitempty"`
	Labels       []string  `json:"labels,omitempty"`
}

// Checkin handles POST /api/workspaces/{ws}/checkin/*
func (s *Server) Checkin(w http.ResponseWriter, r *http.Request) {
	p, err := itemPath(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	sess, ok := s.login(w, r, chi.URLParam(r, "ws"))
	if !ok {
		return
	}
	defer sess.Logout(r.Context())

	v, err := sess.Workspace().VersionManager().Checkin(r.Context(), p)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, VersionResponse{ID: v.ID, Name: v.Name, Created: v.Created, Predecessors: v.Predecessors})
}

// Checkout handles POST /api/workspaces/{ws}/checkout/*
func (s *Server) Checkout(w http.ResponseWriter, r *http.Request) {
	p, err := itemPath(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	sess, ok := s.login(w, r, chi.URLParam(r, "ws"))
	if !ok {
		return
	}
	defer sess.Logout(r.Context())

	if err := sess.Workspace().VersionManager().Checkout(r.Context(), p); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetHistory handles GET /api/workspaces/{ws}/history/*
// Returns all versions of the node's history in creation order
func (s *Server) GetHistory(w http.ResponseWriter, r *http.Request) {
	p, err := itemPath(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	sess, ok := s.login(w, r, chi.URLParam(r, "ws"))
	if !ok {
		return
	}
	defer sess.Logout(r.Context())

	vm := sess.Workspace().VersionManager()
	h, err := vm.History(p)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	base, err := vm.BaseVersion(p)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	versions := []VersionResponse{}
	for _, v := range h.All() {
		versions = append(versions, VersionResponse{
			ID:           v.ID,
			Name:         v.Name,
			Created:      v.Created,
			Predecessors: v.Predecessors,
			Labels:       h.LabelsOf(v.ID),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"history":  h.ID,
		"base":     base.Name,
		"versions": versions,
		"count":    len(versions),
	})
}

// LockRequest is the request body for locking a node
type LockRequest struct {
	Deep    bool   `json:"deep,omitempty"`
	Owner   string `json:"owner,omitempty"`
	Timeout string `json:"timeout,omitempty"`
}

// LockResponse carries the token the client sends back in X-Lock-Token
type LockResponse struct {
	Token   string    `json:"token"`
	Owner   string    `json:"owner"`
	Deep    bool      `json:"deep"`
	Expires time.Time `json:"expires,omitzero"`
}

// Lock handles POST /api/workspaces/{ws}/lock/*
// HTTP sessions end with the request, so only open-scoped locks are offered.
func (s *Server) Lock(w http.ResponseWriter, r *http.Request) {
	p, err := itemPath(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req LockRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		badRequest(w, err.Error())
		return
	}
	var timeout time.Duration
	if req.Timeout != "" {
		if timeout, err = time.ParseDuration(req.Timeout); err != nil {
			badRequest(w, "invalid timeout: "+err.Error())
			return
		}
	}
	sess, ok := s.login(w, r, chi.URLParam(r, "ws"))
	if !ok {
		return
	}
	defer sess.Logout(r.Context())

	l, err := sess.Workspace().LockManager().Lock(r.Context(), p, req.Deep, false, timeout, req.Owner)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, LockResponse{Token: l.Token, Owner: l.Owner, Deep: l.Deep, Expires: l.Expires})
}

// Unlock handles DELETE /api/workspaces/{ws}/lock/*
// The lock token must be sent in X-Lock-Token.
func (s *Server) Unlock(w http.ResponseWriter, r *http.Request) {
	p, err := itemPath(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	sess, ok := s.login(w, r, chi.URLParam(r, "ws"))
	if !ok {
		return
	}
	defer sess.Logout(r.Context())

	if err := sess.Workspace().LockManager().Unlock(r.Context(), p); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// NodeTypeSummary is one entry of the node type listing
type NodeTypeSummary struct {
	Name       string   `json:"name"`
	Mixin      bool     `json:"mixin,omitempty"`
	Abstract   bool     `json:"abstract,omitempty"`
	Supertypes []string `json:"supertypes,omitempty"`
	Builtin    bool     `json:"builtin,omitempty"`
}

// ListNodeTypes handles GET /api/nodetypes
// ?kind=mixin or ?kind=primary filters the listing
func (s *Server) ListNodeTypes(w http.ResponseWriter, r *http.Request) {
	types := s.repo.NodeTypes()
	var all []*nodetype.NodeType
	switch r.URL.Query().Get("kind") {
	case "mixin":
		all = types.MixinTypes()
	case "primary":
		all = types.PrimaryTypes()
	default:
		all = types.All()
	}
	out := make([]NodeTypeSummary, 0, len(all))
	for _, t := range all {
		out = append(out, NodeTypeSummary{
			Name:       t.Name(),
			Mixin:      t.IsMixin(),
			Abstract:   t.IsAbstract(),
			Supertypes: t.DeclaredSupertypes(),
			Builtin:    types.IsBuiltin(t.Name()),
		})
	}
	slices.SortFunc(out, func(a, b NodeTypeSummary) int { return strings.Compare(a.Name, b.Name) })
	writeJSON(w, http.StatusOK, map[string]any{"nodeTypes": out, "count": len(out)})
}

// GetNodeType handles GET /api/nodetypes/{name}
// The definition is returned as YAML, the format RegisterNodeTypes accepts.
func (s *Server) GetNodeType(w http.ResponseWriter, r *http.Request) {
	name, err := url.PathUnescape(chi.URLParam(r, "name"))
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	t, err := s.repo.NodeTypes().Get(name)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	data, err := nodetype.MarshalDefinitions([]nodetype.Definition{t.Definition()})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/yaml")
	w.Write(data)
}

// RegisterNodeTypes handles POST /api/nodetypes
// The body is a YAML definition file; ?update=true replaces existing types.
func (s *Server) RegisterNodeTypes(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.login(w, r, "")
	if !ok {
		return
	}
	defer sess.Logout(r.Context())
	if err := sess.CheckPermission("/", string(auth.ActionAddNode)); err != nil {
		s.writeError(w, r, err)
		return
	}
	defs, err := nodetype.LoadDefinitions(r.Body)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	registered, err := s.repo.NodeTypes().RegisterAll(defs, r.URL.Query().Get("update") == "true")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	names := make([]string, 0, len(registered))
	for _, t := range registered {
		names = append(names, t.Name())
	}
	s.log.Infow("node types registered", "user", sess.UserID(), "types", names)
	writeJSON(w, http.StatusCreated, map[string]any{"registered": names})
}
