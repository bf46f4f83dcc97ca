package web

import (
	"context"
	"crypto/subtle"
	"embed"
	"errors"
	"html/template"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"calmerge/internal/config"
	"calmerge/internal/ics"
	appLog "calmerge/internal/log"
	"calmerge/internal/merge"
	"calmerge/internal/model"
	"calmerge/internal/session"
)

//go:embed templates
var embeddedTemplates embed.FS

// Assembler produces the merged calendar for a rule set.
type Assembler interface {
	Assemble(ctx context.Context, cal *config.CalendarConfig) (*model.Calendar, error)
}

// Server serves merged feeds, the JSON event list and the browser view.
type Server struct {
	cfg      *config.Config
	engine   Assembler
	sessions *session.Codec
	loc      *time.Location
	router   *gin.Engine
}

// NewServer constructs a new Server. loc is used to render event times and
// to interpret query bounds without an offset.
func NewServer(cfg *config.Config, engine Assembler, sessions *session.Codec, loc *time.Location) *Server {
	if loc == nil {
		loc = time.Local
	}
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		cfg:      cfg,
		engine:   engine,
		sessions: sessions,
		loc:      loc,
		router:   gin.New(),
	}
	s.router.Use(requestLogger(), gin.Recovery())
	s.router.SetHTMLTemplate(template.Must(template.ParseFS(embeddedTemplates, "templates/*.html")))
	s.registerRoutes()
	return s
}

// Handler returns the underlying http.Handler for this server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) registerRoutes() {
	s.router.GET("/version", s.handleVersion)
	s.router.GET("/hc", s.handleHealth)
	s.router.GET("/:name", s.handleCalendar)
}

// requestLogger logs the path only; query strings may carry access keys.
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		appLog.Info("http request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"latency", time.Since(start).String(),
			"client_ip", c.ClientIP(),
		)
	}
}

func (s *Server) handleVersion(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"version": config.GetVersion()})
}

func (s *Server) handleHealth(c *gin.Context) {
	c.String(http.StatusOK, "OK")
}

// handleCalendar dispatches /{name}.ics, /{name}.json and /{name}.
func (s *Server) handleCalendar(c *gin.Context) {
	param := c.Param("name")
	switch {
	case strings.HasSuffix(param, ".ics"):
		s.handleFeed(c, strings.TrimSuffix(param, ".ics"))
	case strings.HasSuffix(param, ".json"):
		s.handleEvents(c, strings.TrimSuffix(param, ".json"))
	default:
		s.handleView(c, param)
	}
}

// handleFeed serves the merged calendar as text/calendar.
func (s *Server) handleFeed(c *gin.Context, name string) {
	cal, ok := s.cfg.Calendar(name)
	if !ok {
		writeError(c, http.StatusNotFound, "calendar not found")
		return
	}
	if !authorized(cal, c.Query("key")) {
		writeError(c, http.StatusUnauthorized, "unauthorized")
		return
	}

	merged, err := s.engine.Assemble(c.Request.Context(), cal)
	if err != nil {
		s.writeAssembleError(c, name, err)
		return
	}
	c.Data(http.StatusOK, "text/calendar; charset=utf-8", ics.Encode(name, merged))
}

// eventDTO is the FullCalendar event shape.
type eventDTO struct {
	Start      string   `json:"start"`
	End        string   `json:"end"`
	Title      string   `json:"title"`
	ClassNames []string `json:"classNames"`
}

// handleEvents returns the events overlapping [start, end).
//
// GET /{name}.json?start=...&end=...[&key=...]
//   - start/end: RFC 3339, or a local date-time / date in the server timezone
//   - key:       falls back to the key remembered in the session cookie
func (s *Server) handleEvents(c *gin.Context, name string) {
	cal, ok := s.cfg.Calendar(name)
	if !ok {
		writeError(c, http.StatusNotFound, "calendar not found")
		return
	}
	key := c.Query("key")
	if key == "" {
		key = s.savedKeys(c)[name]
	}
	if !authorized(cal, key) {
		writeError(c, http.StatusUnauthorized, "unauthorized")
		return
	}

	start, err := parseBound(c.Query("start"), s.loc)
	if err != nil {
		writeError(c, http.StatusBadRequest, "invalid start: "+err.Error())
		return
	}
	end, err := parseBound(c.Query("end"), s.loc)
	if err != nil {
		writeError(c, http.StatusBadRequest, "invalid end: "+err.Error())
		return
	}
	if end.Before(start) {
		writeError(c, http.StatusBadRequest, "end before start")
		return
	}

	merged, err := s.engine.Assemble(c.Request.Context(), cal)
	if err != nil {
		s.writeAssembleError(c, name, err)
		return
	}

	events := merge.Query(merged, start, end)
	dtos := make([]eventDTO, 0, len(events))
	for _, ev := range events {
		dtos = append(dtos, s.toDTO(ev))
	}
	c.JSON(http.StatusOK, dtos)
}

// handleView renders the browser view. A valid key passed as a query
// parameter is remembered in the session cookie and the client is
// redirected to the clean URL.
func (s *Server) handleView(c *gin.Context, name string) {
	cal, ok := s.cfg.Calendar(name)
	if !ok {
		writeError(c, http.StatusNotFound, "calendar not found")
		return
	}

	keys := s.savedKeys(c)
	key := c.Query("key")
	if key == "" {
		key = keys[name]
	}
	if !authorized(cal, key) {
		writeError(c, http.StatusUnauthorized, "unauthorized")
		return
	}

	if c.Query("key") != "" {
		keys[name] = key
		if err := s.saveKeys(c, keys); err != nil {
			appLog.Error("session encode failed", err, "calendar", name)
			writeError(c, http.StatusInternalServerError, "failed to save session")
			return
		}
		c.Redirect(http.StatusSeeOther, "/"+name)
		return
	}

	c.HTML(http.StatusOK, "calendar.html", gin.H{
		"Calendar":  name,
		"Timezone":  s.loc.String(),
		"EventsURL": "/" + name + ".json",
	})
}

func (s *Server) writeAssembleError(c *gin.Context, name string, err error) {
	appLog.Error("calendar assembly failed", err, "calendar", name)
	switch {
	case errors.Is(err, context.Canceled):
		// Client went away; nothing useful to send.
		c.Status(499)
	case errors.Is(err, ics.ErrFetch), errors.Is(err, ics.ErrParse), errors.Is(err, context.DeadlineExceeded):
		writeError(c, http.StatusBadGateway, "upstream calendar unavailable")
	default:
		writeError(c, http.StatusInternalServerError, "failed to assemble calendar")
	}
}

func (s *Server) savedKeys(c *gin.Context) session.Keys {
	token, err := c.Cookie(session.CookieName)
	if err != nil {
		return session.Keys{}
	}
	return s.sessions.Decode(token)
}

func (s *Server) saveKeys(c *gin.Context, keys session.Keys) error {
	token, err := s.sessions.Encode(keys)
	if err != nil {
		return err
	}
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(session.CookieName, token, int(session.MaxAge.Seconds()), "/", "", c.Request.TLS != nil, true)
	return nil
}

func (s *Server) toDTO(ev model.Event) eventDTO {
	dto := eventDTO{
		Title:      ev.Title(),
		ClassNames: []string{},
	}
	if ev.AllDay {
		dto.Start = ev.Start.In(s.loc).Format(time.DateOnly)
		dto.End = ev.End.In(s.loc).Format(time.DateOnly)
	} else {
		dto.Start = ev.Start.In(s.loc).Format(time.RFC3339)
		dto.End = ev.End.In(s.loc).Format(time.RFC3339)
	}
	if ev.Tentative() {
		dto.ClassNames = append(dto.ClassNames, "tentative")
	}
	return dto
}

// authorized reports whether key unlocks cal. Public calendars accept
// anything.
func authorized(cal *config.CalendarConfig, key string) bool {
	keys, ok := cal.AccessKeys().Get()
	if !ok {
		return true
	}
	if key == "" {
		return false
	}
	for _, k := range keys {
		if secureCompare(key, k) {
			return true
		}
	}
	return false
}

// secureCompare compares two strings in constant time.
func secureCompare(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

var boundLayouts = []string{time.RFC3339, "2006-01-02T15:04:05", time.DateOnly}

// parseBound accepts RFC 3339 or an offset-less date-time / date, which is
// interpreted in loc.
func parseBound(v string, loc *time.Location) (time.Time, error) {
	if v == "" {
		return time.Time{}, errors.New("missing")
	}
	for _, layout := range boundLayouts {
		if t, err := time.ParseInLocation(layout, v, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, errors.New("unrecognized time format")
}

func writeError(c *gin.Context, status int, msg string) {
	c.JSON(status, gin.H{"error": msg})
}
