// Package server exposes one chat session over a small JSON API.
package server

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/docassist/pkg/archive"
	"github.com/go-go-golems/docassist/pkg/conversation"
	"github.com/go-go-golems/docassist/pkg/engine"
	"github.com/go-go-golems/docassist/pkg/ingest"
	"github.com/go-go-golems/docassist/pkg/llm"
	"github.com/go-go-golems/docassist/pkg/session"
)

const (
	DefaultMaxUploadBytes = 32 << 20
	uploadField           = "files"
)

type Server struct {
	handler        *session.Handler
	metrics        *Metrics
	engine         *gin.Engine
	maxUploadBytes int64
}

type Option func(*Server)

func WithMetrics(m *Metrics) Option {
	return func(s *Server) {
		s.metrics = m
	}
}

func WithMaxUploadBytes(n int64) Option {
	return func(s *Server) {
		if n > 0 {
			s.maxUploadBytes = n
		}
	}
}

func New(handler *session.Handler, options ...Option) *Server {
	s := &Server{
		handler:        handler,
		maxUploadBytes: DefaultMaxUploadBytes,
	}
	for _, o := range options {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = NewMetrics()
	}

	r := gin.New()
	r.Use(gin.Recovery(), requestLogger())
	r.MaxMultipartMemory = s.maxUploadBytes
	s.engine = r
	s.routes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) routes() {
	api := s.engine.Group("/api")

	api.GET("/session", s.getSession)
	api.PUT("/session/credential", s.command(decodeCredential))
	api.PUT("/session/model", s.command(decodeModel))
	api.PUT("/session/web-search", s.command(decodeWebSearch))
	api.PUT("/session/title", s.command(decodeTitle))
	api.POST("/session/new", s.command(always(session.NewChat{})))
	api.POST("/session/messages", s.command(decodeMessage))
	api.POST("/session/documents", s.command(s.decodeDocuments))
	api.GET("/session/context", s.command(always(session.PreviewContext{})))
	api.DELETE("/session/context", s.command(always(session.ClearContext{})))
	api.GET("/session/export", s.getExport)

	api.GET("/archive", s.command(always(session.ListArchive{})))
	api.POST("/archive/:id/load", s.command(func(c *gin.Context) (session.Command, error) {
		return session.LoadArchived{ID: c.Param("id")}, nil
	}))

	api.GET("/models", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"models": s.handler.Models()})
	})

	s.engine.GET("/metrics", gin.WrapH(s.metrics.Handler()))
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Debug().
			Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", c.Writer.Status()).
			Dur("elapsed", time.Since(start)).
			Msg("handled request")
	}
}

type turnView struct {
	Role    conversation.Role `json:"role"`
	Content string            `json:"content"`
}

type sessionView struct {
	ID            string     `json:"id"`
	Title         string     `json:"title"`
	Model         string     `json:"model"`
	DefaultModel  string     `json:"default_model"`
	WebSearch     bool       `json:"web_search"`
	HasCredential bool       `json:"has_credential"`
	ContextChars  int        `json:"context_chars"`
	LastSavedAt   *time.Time `json:"last_saved_at,omitempty"`
	Turns         []turnView `json:"turns"`
}

func newSessionView(st session.State) sessionView {
	c := st.Active
	v := sessionView{
		ID:            c.ID(),
		Title:         c.Title(),
		Model:         c.Model(),
		DefaultModel:  st.Model,
		WebSearch:     st.WebSearch,
		HasCredential: st.HasCredential(),
		ContextChars:  len([]rune(c.Context())),
		Turns:         []turnView{},
	}
	if c.Saved() {
		t := c.LastSavedAt()
		v.LastSavedAt = &t
	}
	for _, t := range c.Turns() {
		v.Turns = append(v.Turns, turnView{Role: t.Role, Content: t.Content})
	}
	return v
}

type replyView struct {
	Content      string `json:"content"`
	SearchUsed   bool   `json:"search_used"`
	PromptTokens int    `json:"prompt_tokens,omitempty"`
}

type outcomeView struct {
	Session sessionView      `json:"session"`
	Notices []session.Notice `json:"notices"`
	Effects []engine.Effect  `json:"effects"`
	Error   string           `json:"error,omitempty"`
	Reply   *replyView       `json:"reply,omitempty"`
	Archive []archive.Entry  `json:"archive,omitempty"`
	Skipped []string         `json:"skipped,omitempty"`
	Preview *string          `json:"preview,omitempty"`
}

func newOutcomeView(o *session.Outcome) outcomeView {
	v := outcomeView{
		Session: newSessionView(o.State),
		Notices: o.Notices,
		Effects: o.Effects,
	}
	if v.Notices == nil {
		v.Notices = []session.Notice{}
	}
	if v.Effects == nil {
		v.Effects = []engine.Effect{}
	}
	if o.Err != nil {
		v.Error = o.Err.Error()
	}
	if o.Reply != nil && o.Err == nil {
		v.Reply = &replyView{Content: o.Reply.Content, SearchUsed: o.Reply.SearchUsed, PromptTokens: o.Reply.PromptTokens}
	}
	if o.Archive != nil {
		v.Archive = o.Archive.Entries
		if v.Archive == nil {
			v.Archive = []archive.Entry{}
		}
		for _, p := range o.Archive.Problems {
			v.Skipped = append(v.Skipped, p.String())
		}
	}
	if o.Preview != "" {
		preview := o.Preview
		v.Preview = &preview
	}
	return v
}

// statusFor maps command failures onto HTTP status codes.
func statusFor(err error) int {
	var upstream *llm.UpstreamError
	var ingestErr *ingest.Error
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, engine.ErrMissingCredential):
		return http.StatusPreconditionRequired
	case errors.As(err, &upstream), errors.Is(err, llm.ErrEmptyCompletion):
		return http.StatusBadGateway
	case errors.Is(err, archive.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, archive.ErrInvalidID),
		errors.Is(err, conversation.ErrEmptyTitle),
		errors.Is(err, session.ErrEmptyModel),
		errors.Is(err, session.ErrNoDocuments):
		return http.StatusBadRequest
	case errors.As(err, &ingestErr):
		return http.StatusUnprocessableEntity
	case errors.Is(err, session.ErrArchiveDisabled):
		return http.StatusNotImplemented
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handle(ctx context.Context, cmd session.Command) (*session.Outcome, error) {
	start := time.Now()
	o, err := s.handler.Handle(ctx, cmd)
	result := "ok"
	switch {
	case err != nil:
		result = "invalid"
	case o.Err != nil:
		result = "failed"
	}
	s.metrics.observe(cmd.Name(), result, time.Since(start))
	if o != nil {
		for _, e := range o.Effects {
			s.metrics.effect(string(e.Kind), e.Failed)
		}
	}
	return o, err
}

func (s *Server) respond(c *gin.Context, cmd session.Command) {
	o, err := s.handle(c.Request.Context(), cmd)
	if err != nil {
		log.Error().Err(err).Str("command", cmd.Name()).Msg("could not handle command")
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(statusFor(o.Err), newOutcomeView(o))
}

func always(cmd session.Command) func(*gin.Context) (session.Command, error) {
	return func(*gin.Context) (session.Command, error) {
		return cmd, nil
	}
}

// command adapts a request decoder into a route handler.
func (s *Server) command(decode func(*gin.Context) (session.Command, error)) gin.HandlerFunc {
	return func(c *gin.Context) {
		cmd, err := decode(c)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		s.respond(c, cmd)
	}
}

func (s *Server) getSession(c *gin.Context) {
	c.JSON(http.StatusOK, newSessionView(s.handler.State()))
}

type credentialRequest struct {
	APIKey string `json:"api_key"`
}

func decodeCredential(c *gin.Context) (session.Command, error) {
	var req credentialRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		return nil, err
	}
	return session.SetCredential{APIKey: req.APIKey}, nil
}

type modelRequest struct {
	Model string `json:"model" binding:"required"`
}

func decodeModel(c *gin.Context) (session.Command, error) {
	var req modelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		return nil, err
	}
	return session.SelectModel{Model: req.Model}, nil
}

type webSearchRequest struct {
	Enabled *bool `json:"enabled" binding:"required"`
}

func decodeWebSearch(c *gin.Context) (session.Command, error) {
	var req webSearchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		return nil, err
	}
	return session.SetWebSearch{Enabled: *req.Enabled}, nil
}

type titleRequest struct {
	Title string `json:"title"`
}

func decodeTitle(c *gin.Context) (session.Command, error) {
	var req titleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		return nil, err
	}
	return session.Rename{Title: req.Title}, nil
}

type messageRequest struct {
	Text string `json:"text"`
}

func decodeMessage(c *gin.Context) (session.Command, error) {
	var req messageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		return nil, err
	}
	return session.Submit{Text: req.Text}, nil
}

func (s *Server) decodeDocuments(c *gin.Context) (session.Command, error) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, s.maxUploadBytes)
	form, err := c.MultipartForm()
	if err != nil {
		return nil, errors.Wrap(err, "could not read upload")
	}
	var files []ingest.File
	for _, fh := range form.File[uploadField] {
		f, err := fh.Open()
		if err != nil {
			return nil, errors.Wrapf(err, "could not open %s", fh.Filename)
		}
		data, err := io.ReadAll(f)
		_ = f.Close()
		if err != nil {
			return nil, errors.Wrapf(err, "could not read %s", fh.Filename)
		}
		files = append(files, ingest.File{Name: fh.Filename, Data: data})
	}
	return session.ProcessDocuments{Files: files}, nil
}

func (s *Server) getExport(c *gin.Context) {
	cmd := session.Export{Format: session.ExportFormat(c.DefaultQuery("format", string(session.ExportJSON)))}
	o, err := s.handle(c.Request.Context(), cmd)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if o.Err != nil || o.Export == nil {
		c.JSON(http.StatusBadRequest, newOutcomeView(o))
		return
	}
	c.Header("Content-Disposition", `attachment; filename="`+o.Export.Filename+`"`)
	c.Data(http.StatusOK, o.Export.ContentType, o.Export.Data)
}
