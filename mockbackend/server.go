// Package mockbackend serves a scripted in-process job backend speaking the
// same HTTP routes as the real one. It backs end-to-end tests and the
// serve-mock command.
package mockbackend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"golang.org/x/sync/errgroup"

	"github.com/pithecene-io/sheetjobs/iox"
	"github.com/pithecene-io/sheetjobs/log"
	"github.com/pithecene-io/sheetjobs/stream"
	"github.com/pithecene-io/sheetjobs/types"
)

// DefaultPrefix is the route prefix of the real backend.
const DefaultPrefix = "/ip/api"

// shutdownTimeout bounds graceful shutdown in ListenAndServe.
const shutdownTimeout = 10 * time.Second

// Script drives every job the server starts.
type Script struct {
	// Steps are emitted as progress frames, one per Interval.
	Steps []string
	// Interval is the delay before each step and before the terminal frame.
	Interval time.Duration
	// Message is the completion text. Empty uses DefaultCompletedText.
	Message string
	// Fail, when set, ends every job with this error instead of completing.
	Fail string
	// DropAfter closes event streams after this many frames, without a
	// terminal frame. Zero never drops.
	DropAfter int
}

// DefaultScript returns a short successful script.
func DefaultScript() Script {
	return Script{
		Steps:    []string{"Leyendo fichero", "Validando filas", "Procesando 50%", "Generando resultado"},
		Interval: 300 * time.Millisecond,
	}
}

// RejectFunc decides whether an uploaded artifact fails validation.
// It returns the rejection detail, or "" to accept.
type RejectFunc func(feature string, slot int, name string, data []byte) string

// RejectEmpty rejects empty uploads.
func RejectEmpty(_ string, _ int, _ string, data []byte) string {
	if len(data) == 0 {
		return "El archivo está vacío"
	}
	return ""
}

// Config configures a Server.
type Config struct {
	// Prefix is the route prefix (default DefaultPrefix).
	Prefix string
	// Features are the served features (default types.BuiltinFeatures()).
	Features []types.Feature
	// Script drives jobs. Nil uses DefaultScript().
	Script *Script
	// Reject validates uploads. Nil uses RejectEmpty.
	Reject RejectFunc
	// Logger receives request logs. Nil discards them.
	Logger *log.Logger
	// KeepAlive is how often a waiting event stream gets a comment line.
	// Zero disables keep-alives.
	KeepAlive time.Duration
}

// Server is the mock backend.
type Server struct {
	cfg    Config
	script Script
	logger *log.Logger
	echo   *echo.Echo
	procs  *Manager

	tokensMu sync.Mutex
	tokens   map[string][]byte

	wg        sync.WaitGroup
	done      chan struct{}
	closeOnce sync.Once
}

// New creates a Server with every feature's routes registered.
func New(cfg Config) (*Server, error) {
	if cfg.Prefix == "" {
		cfg.Prefix = DefaultPrefix
	}
	if cfg.Features == nil {
		cfg.Features = types.BuiltinFeatures()
	}
	for _, f := range cfg.Features {
		if err := f.Validate(); err != nil {
			return nil, err
		}
	}
	script := DefaultScript()
	if cfg.Script != nil {
		script = *cfg.Script
	}
	if cfg.Reject == nil {
		cfg.Reject = RejectEmpty
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.Nop()
	}

	s := &Server{
		cfg:    cfg,
		script: script,
		logger: logger,
		echo:   echo.New(),
		procs:  NewManager(),
		tokens: make(map[string][]byte),
		done:   make(chan struct{}),
	}
	s.echo.HideBanner = true
	s.echo.HidePort = true
	s.echo.HTTPErrorHandler = s.handleError
	s.echo.Use(s.requestLogger())
	s.routes()
	return s, nil
}

func (s *Server) routes() {
	api := s.echo.Group(strings.TrimRight(s.cfg.Prefix, "/"))
	api.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})

	for _, f := range s.cfg.Features {
		g := api.Group("/" + f.Name)
		if f.Validation != types.ValidationNone {
			g.POST("/validate-file", s.validate(f))
		}
		g.POST("/start", s.start(f))
		g.GET("/events/:id", s.events)
		g.POST("/cancel/:id", s.cancel)
		if f.HasDownload() {
			g.GET("/"+f.DownloadPath+"/:id", s.download(f))
		}
		if f.Discard {
			g.POST("/discard", s.discard)
		}
	}
}

// Handler returns the HTTP handler, for httptest servers.
func (s *Server) Handler() http.Handler { return s.echo }

// Processes returns the process manager.
func (s *Server) Processes() *Manager { return s.procs }

// Tokens returns the number of stored validation tokens.
func (s *Server) Tokens() int {
	s.tokensMu.Lock()
	defer s.tokensMu.Unlock()
	return len(s.tokens)
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully and stops running jobs.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.logger.Info("mock backend listening", map[string]any{"addr": addr, "prefix": s.cfg.Prefix})
		if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("mock backend: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		err := s.echo.Shutdown(shutdownCtx)
		_ = s.Close()
		s.logger.Info("mock backend stopped", nil)
		return err
	})
	return g.Wait()
}

// Close stops running jobs and waits for them. Open event streams end.
func (s *Server) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	s.wg.Wait()
	return nil
}

func (s *Server) handleError(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	code := http.StatusInternalServerError
	detail := err.Error()
	var he *echo.HTTPError
	if errors.As(err, &he) {
		code = he.Code
		if msg, ok := he.Message.(string); ok {
			detail = msg
		} else {
			detail = http.StatusText(code)
		}
	}
	if jsonErr := c.JSON(code, map[string]string{"detail": detail}); jsonErr != nil {
		s.logger.Error("failed to send error response", map[string]any{"error": jsonErr.Error()})
	}
}

func (s *Server) requestLogger() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			s.logger.Debug("http request", map[string]any{
				"method":      c.Request().Method,
				"path":        c.Request().URL.Path,
				"status":      c.Response().Status,
				"duration_ms": time.Since(start).Milliseconds(),
			})
			return err
		}
	}
}

func (s *Server) validate(f types.Feature) echo.HandlerFunc {
	return func(c echo.Context) error {
		slot := 0
		if f.IndexedValidation {
			idx, err := strconv.Atoi(c.QueryParam("index"))
			if err != nil || idx < 0 || idx >= len(f.Slots) {
				return echo.NewHTTPError(http.StatusBadRequest, "Índice de archivo no válido")
			}
			slot = idx
		}
		name, data, err := readUpload(c, "file")
		if err != nil {
			return err
		}
		spec := f.Slots[slot]
		if !spec.Accepts(name) {
			return echo.NewHTTPError(http.StatusBadRequest, "El archivo debe ser "+strings.Join(spec.Extensions, " / "))
		}
		if detail := s.cfg.Reject(f.Name, slot, name, data); detail != "" {
			return echo.NewHTTPError(http.StatusBadRequest, detail)
		}

		if f.Validation == types.ValidationToken {
			token := uuid.NewString()
			s.tokensMu.Lock()
			s.tokens[token] = data
			s.tokensMu.Unlock()
			return c.JSON(http.StatusOK, map[string]string{"message": "Archivo válido", "token": token})
		}
		return c.JSON(http.StatusOK, map[string]string{"message": fmt.Sprintf("El archivo '%s' es válido", spec.Name)})
	}
}

func (s *Server) start(f types.Feature) echo.HandlerFunc {
	return func(c echo.Context) error {
		var token string
		switch f.Start {
		case types.StartToken:
			token = c.QueryParam("token")
			if !s.hasToken(token) {
				return echo.NewHTTPError(http.StatusBadRequest, "Token no encontrado o archivo no validado")
			}
		case types.StartArtifacts:
			for _, field := range startFields(len(f.Slots)) {
				if _, _, err := readUpload(c, field); err != nil {
					return echo.NewHTTPError(http.StatusUnprocessableEntity, "field required: "+field)
				}
			}
		}

		select {
		case <-s.done:
			return echo.NewHTTPError(http.StatusServiceUnavailable, "server shutting down")
		default:
		}

		id := uuid.NewString()
		s.procs.Start(id)
		s.wg.Add(1)
		go s.run(f, id, token)
		s.logger.Info("process started", map[string]any{"feature": f.Name, "process_id": id})
		return c.JSON(http.StatusOK, map[string]string{"process_id": id})
	}
}

// run plays the script for one process. The validation token is released
// when the process ends.
func (s *Server) run(f types.Feature, id, token string) {
	defer s.wg.Done()
	defer s.dropToken(token)

	stop := s.procs.Stopped(id)
	wait := func() bool {
		select {
		case <-stop:
			return false
		case <-s.done:
			s.procs.Fail(id, "server shutting down")
			return false
		case <-time.After(s.script.Interval):
			return true
		}
	}

	for _, step := range s.script.Steps {
		if !wait() {
			return
		}
		s.procs.Send(id, step)
	}
	if !wait() {
		return
	}
	if s.script.Fail != "" {
		s.procs.Fail(id, s.script.Fail)
		return
	}
	var result []byte
	if f.HasDownload() {
		result = fmt.Appendf(nil, "sheetjobs mock result\nfeature=%s\nprocess=%s\n", f.Name, id)
	}
	s.procs.Complete(id, s.script.Message, result)
}

func (s *Server) events(c echo.Context) error {
	id := c.Param("id")
	if _, ok := s.procs.State(id); !ok {
		return echo.NewHTTPError(http.StatusNotFound, "Process ID no encontrado")
	}

	res := c.Response()
	res.Header().Set(echo.HeaderContentType, "text/event-stream")
	res.Header().Set("Cache-Control", "no-cache")
	res.Header().Set("Connection", "keep-alive")
	res.WriteHeader(http.StatusOK)
	res.Flush()

	ctx := c.Request().Context()
	var keepAlive <-chan time.Time
	if s.cfg.KeepAlive > 0 {
		ticker := time.NewTicker(s.cfg.KeepAlive)
		defer ticker.Stop()
		keepAlive = ticker.C
	}
	sent := 0
	for {
		f, ok, wake, _ := s.procs.Next(id)
		if !ok {
			select {
			case <-ctx.Done():
				return nil
			case <-s.done:
				return nil
			case <-keepAlive:
				if err := stream.WriteComment(res, "keep-alive"); err != nil {
					return nil
				}
				res.Flush()
				continue
			case <-wake:
				continue
			}
		}
		if err := stream.WriteMessage(res, stream.EncodeFrame(f)); err != nil {
			return nil
		}
		res.Flush()
		sent++
		if f.IsTerminal() {
			return nil
		}
		if s.script.DropAfter > 0 && sent >= s.script.DropAfter {
			s.logger.Info("dropping event stream", map[string]any{"process_id": id, "frames": sent})
			return nil
		}
	}
}

func (s *Server) cancel(c echo.Context) error {
	id := c.Param("id")
	if _, ok := s.procs.State(id); !ok {
		return c.JSON(http.StatusOK, map[string]string{"message": "Proceso no encontrado"})
	}
	s.procs.Cancel(id, "")
	return c.JSON(http.StatusOK, map[string]string{"message": "Proceso cancelado"})
}

func (s *Server) download(f types.Feature) echo.HandlerFunc {
	return func(c echo.Context) error {
		id := c.Param("id")
		st, ok := s.procs.State(id)
		switch {
		case !ok:
			return c.JSON(http.StatusOK, map[string]string{"error": "Process ID no encontrado"})
		case st.Status != ProcessCompleted:
			return c.JSON(http.StatusOK, map[string]string{"error": fmt.Sprintf("No está completado (status = %s)", st.Status)})
		case st.Result == nil:
			return c.JSON(http.StatusOK, map[string]string{"error": "No se encontró el archivo resultante"})
		}
		filename := fmt.Sprintf("%s_%s.xlsx", f.Name, id)
		c.Response().Header().Set(echo.HeaderContentDisposition, fmt.Sprintf("attachment; filename=%q", filename))
		return c.Blob(http.StatusOK, "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet", st.Result)
	}
}

func (s *Server) discard(c echo.Context) error {
	token := c.QueryParam("token")
	if !s.dropToken(token) {
		return c.JSON(http.StatusOK, map[string]string{"message": "No se encontró un archivo con ese token"})
	}
	return c.JSON(http.StatusOK, map[string]string{"message": "Archivo descartado"})
}

func (s *Server) hasToken(token string) bool {
	s.tokensMu.Lock()
	defer s.tokensMu.Unlock()
	_, ok := s.tokens[token]
	return ok
}

func (s *Server) dropToken(token string) bool {
	if token == "" {
		return false
	}
	s.tokensMu.Lock()
	defer s.tokensMu.Unlock()
	_, ok := s.tokens[token]
	delete(s.tokens, token)
	return ok
}

// startFields are the multipart field names of an artifact start.
func startFields(n int) []string {
	if n == 1 {
		return []string{"file"}
	}
	out := make([]string, n)
	for i := range out {
		out[i] = "file" + strconv.Itoa(i+1)
	}
	return out
}

func readUpload(c echo.Context, field string) (string, []byte, error) {
	fh, err := c.FormFile(field)
	if err != nil {
		return "", nil, echo.NewHTTPError(http.StatusBadRequest, "Se requiere un archivo")
	}
	f, err := fh.Open()
	if err != nil {
		return "", nil, fmt.Errorf("open upload: %w", err)
	}
	defer iox.DiscardClose(f)
	data, err := io.ReadAll(f)
	if err != nil {
		return "", nil, fmt.Errorf("read upload: %w", err)
	}
	return fh.Filename, data, nil
}
