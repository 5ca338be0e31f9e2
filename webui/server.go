package webui

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/jmorganca/zoo/envconfig"
	"github.com/jmorganca/zoo/process"
	"github.com/jmorganca/zoo/registry"
)

const sessionHeader = "X-Zoo-Session"

// maxSessions bounds the sessions kept in memory.
const maxSessions = 1024

// Info describes one web UI in API responses.
type Info struct {
	Name            string   `json:"name"`
	Status          string   `json:"status"`
	Current         string   `json:"pretrained_name,omitempty"`
	PretrainedNames []string `json:"pretrained_names,omitempty"`
}

type StartRequest struct {
	PretrainedName string `json:"pretrained_name"`
}

type CallResponse struct {
	Session string `json:"session"`
	Result  any    `json:"result"`
}

// session records the calls made under one session id.
type session struct {
	Created time.Time `json:"created"`
	Calls   int       `json:"calls"`
}

// Server exposes web UIs over HTTP.
type Server struct {
	uis map[string]registry.WebUI

	mu       sync.Mutex
	sessions map[string]*session
}

func NewServer(uis ...registry.WebUI) *Server {
	s := &Server{uis: make(map[string]registry.WebUI, len(uis)), sessions: make(map[string]*session)}
	for _, u := range uis {
		s.uis[u.Name()] = u
	}
	return s
}

func info(u registry.WebUI) Info {
	i := Info{Name: u.Name(), Status: u.Status()}
	if p, ok := u.(*PipelineUI); ok {
		i.Current = p.Current()
		i.PretrainedNames = p.PretrainedNames()
	}
	return i
}

// sessionMiddleware echoes the session id of a client that already has
// one. Sessions are only created by calls.
func (s *Server) sessionMiddleware(c *gin.Context) {
	id := c.GetHeader(sessionHeader)

	s.mu.Lock()
	_, ok := s.sessions[id]
	s.mu.Unlock()

	if ok {
		c.Set("session", id)
		c.Header(sessionHeader, id)
	}
	c.Next()
}

// session returns the id of the caller's session, starting one when the
// caller has none. The oldest session is dropped past maxSessions.
func (s *Server) session(c *gin.Context) string {
	if id := c.GetString("session"); id != "" {
		return id
	}

	id := c.GetHeader(sessionHeader)
	if _, err := uuid.Parse(id); err != nil {
		id = uuid.NewString()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[id]; !ok {
		if len(s.sessions) >= maxSessions {
			var oldest string
			for k, v := range s.sessions {
				if oldest == "" || v.Created.Before(s.sessions[oldest].Created) {
					oldest = k
				}
			}
			delete(s.sessions, oldest)
		}
		s.sessions[id] = &session{Created: time.Now()}
	}

	c.Set("session", id)
	c.Header(sessionHeader, id)
	return id
}

func (s *Server) lookup(c *gin.Context) (registry.WebUI, bool) {
	u, ok := s.uis[c.Param("name")]
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "web ui not found"})
	}
	return u, ok
}

func (s *Server) ListHandler(c *gin.Context) {
	names := make([]string, 0, len(s.uis))
	for name := range s.uis {
		names = append(names, name)
	}
	slices.Sort(names)

	infos := make([]Info, len(names))
	for i, name := range names {
		infos[i] = info(s.uis[name])
	}

	c.JSON(http.StatusOK, gin.H{"webuis": infos})
}

func (s *Server) StatusHandler(c *gin.Context) {
	if u, ok := s.lookup(c); ok {
		c.JSON(http.StatusOK, info(u))
	}
}

func (s *Server) StartHandler(c *gin.Context) {
	u, ok := s.lookup(c)
	if !ok {
		return
	}

	var req StartRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if req.PretrainedName == "" {
		if p, ok := u.(*PipelineUI); ok {
			req.PretrainedName = p.Current()
		}
	}

	if err := u.Start(c.Request.Context(), req.PretrainedName); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, ErrUnsupportedName) {
			status = http.StatusBadRequest
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, info(u))
}

func (s *Server) StopHandler(c *gin.Context) {
	u, ok := s.lookup(c)
	if !ok {
		return
	}

	if err := u.Stop(); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, info(u))
}

func (s *Server) CallHandler(c *gin.Context) {
	u, ok := s.lookup(c)
	if !ok {
		return
	}

	var args process.Args
	if err := c.ShouldBindJSON(&args); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	id := s.session(c)
	result, err := u.Call(c.Request.Context(), args)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, ErrNotRunning) {
			status = http.StatusConflict
		}
		c.JSON(status, gin.H{"error": err.Error(), "session": id})
		return
	}

	s.mu.Lock()
	if sess, ok := s.sessions[id]; ok {
		sess.Calls++
	}
	s.mu.Unlock()

	c.JSON(http.StatusOK, CallResponse{Session: id, Result: result})
}

func (s *Server) SessionHandler(c *gin.Context) {
	s.mu.Lock()
	sess, ok := s.sessions[c.Param("id")]
	var out session
	if ok {
		out = *sess
	}
	s.mu.Unlock()

	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}

	c.JSON(http.StatusOK, out)
}

func (s *Server) Routes() http.Handler {
	gin.SetMode(gin.ReleaseMode)

	config := cors.DefaultConfig()
	config.AllowWildcard = true
	config.AllowBrowserExtensions = true
	config.AllowHeaders = append(config.AllowHeaders, sessionHeader)
	config.ExposeHeaders = []string{sessionHeader}
	config.AllowOrigins = envconfig.AllowOrigins

	r := gin.New()
	r.Use(gin.Recovery(), cors.New(config), s.sessionMiddleware)

	r.GET("/", func(c *gin.Context) {
		c.String(http.StatusOK, "zoo web ui is running")
	})
	r.GET("/api/webuis", s.ListHandler)
	r.GET("/api/webuis/:name", s.StatusHandler)
	r.POST("/api/webuis/:name/start", s.StartHandler)
	r.POST("/api/webuis/:name/stop", s.StopHandler)
	r.POST("/api/webuis/:name/call", s.CallHandler)
	r.GET("/api/sessions/:id", s.SessionHandler)

	return r
}

// Serve runs the server on ln until ctx is done, then stops every web UI.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{Handler: s.Routes()}

	go func() {
		<-ctx.Done()
		shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdown); err != nil {
			slog.Warn("web ui shutdown", "error", err)
		}
	}()

	slog.Info("listening", "addr", ln.Addr().String(), "webuis", len(s.uis))
	err := srv.Serve(ln)

	for _, u := range s.uis {
		if err := u.Stop(); err != nil {
			slog.Warn("stop web ui", "webui", u.Name(), "error", err)
		}
	}

	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}
