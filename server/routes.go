package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/S-Moer/DeepCTR/api"
	"github.com/S-Moer/DeepCTR/envconfig"
	"github.com/S-Moer/DeepCTR/ml"
	"github.com/S-Moer/DeepCTR/model"
	"github.com/S-Moer/DeepCTR/model/input"
	"github.com/S-Moer/DeepCTR/version"
)

const requestIDKey = "request_id"

type Server struct {
	addr  net.Addr
	model model.Model
}

func NewServer(m model.Model) *Server {
	return &Server{model: m}
}

// requestID tags every request with an id that is echoed in the response
// headers and the logs.
func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-Id")
		if id == "" {
			id = uuid.NewString()
		}

		c.Set(requestIDKey, id)
		c.Header("X-Request-Id", id)

		start := time.Now()
		c.Next()
		slog.Debug("request", "id", id, "method", c.Request.Method, "path", c.Request.URL.Path,
			"status", c.Writer.Status(), "duration", time.Since(start))
	}
}

func (s *Server) GenerateRoutes() http.Handler {
	r := gin.New()
	r.Use(gin.Recovery(), requestID())

	r.HEAD("/", func(c *gin.Context) { c.String(http.StatusOK, "PLE is running") })
	r.GET("/", func(c *gin.Context) { c.String(http.StatusOK, "PLE is running") })
	r.GET("/api/version", func(c *gin.Context) { c.JSON(http.StatusOK, api.VersionResponse{Version: version.Version}) })

	r.POST("/api/predict", s.PredictHandler)
	r.POST("/api/show", s.ShowHandler)

	return r
}

func (s *Server) PredictHandler(c *gin.Context) {
	var req api.PredictRequest
	if err := c.ShouldBindJSON(&req); errors.Is(err, io.EOF) {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "missing request body"})
		return
	} else if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	start := time.Now()
	ctx := s.model.Backend().NewContext()
	defer ctx.Close()

	outputs, err := model.Forward(ctx, s.model, input.Batch{Size: req.Size, Sparse: req.Sparse, Dense: req.Dense})
	if err != nil {
		var serr *ml.ShapeError
		switch {
		case errors.Is(err, input.ErrInvalidBatch), errors.Is(err, input.ErrMissingFeature), errors.As(err, &serr):
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		default:
			slog.Error("prediction failed", "id", c.GetString(requestIDKey), "error", err)
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
		return
	}

	resp := api.PredictResponse{ID: c.GetString(requestIDKey)}
	for name, t := range outputs.All() {
		resp.Predictions = append(resp.Predictions, api.Prediction{Task: name, Values: t.Floats()})
	}
	resp.Duration = time.Since(start)

	c.JSON(http.StatusOK, resp)
}

func (s *Server) ShowHandler(c *gin.Context) {
	resp, err := Show(s.model)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, resp)
}

// Show describes the structure of m, the names of its parameters and the
// weight decay they currently imply.
func Show(m model.Model) (*api.ShowResponse, error) {
	b := m.Backend()
	resp := api.ShowResponse{
		Architecture: b.Config().Architecture(),
		Parameters:   b.Parameters(),
	}

	for _, name := range resp.Parameters {
		n := uint64(1)
		for _, d := range b.Get(name).Shape() {
			n *= uint64(d)
		}
		resp.ParameterCount += n
	}

	if d, ok := m.(model.Describer); ok {
		for _, t := range d.Tasks() {
			resp.Tasks = append(resp.Tasks, api.Task{Name: t.Name, Type: t.Type})
		}

		for _, f := range d.Features() {
			resp.Features = append(resp.Features, api.Feature{Name: f.Name, Kind: string(f.Kind), Width: f.Width()})
		}
	}

	if s, ok := m.(model.Summarizer); ok {
		for _, c := range s.Summary() {
			resp.Components = append(resp.Components, api.Component(c))
		}
	}

	if r, ok := m.(interface{ L2Penalty(ml.Context) ml.Tensor }); ok {
		ctx := b.NewContext()
		defer ctx.Close()

		if err := ml.Guard(func() {
			penalty := r.L2Penalty(ctx)
			ctx.Forward(penalty).Compute(penalty)
			resp.L2Penalty = penalty.Floats()[0]
		}); err != nil {
			return nil, fmt.Errorf("l2 penalty: %w", err)
		}
	}

	return &resp, nil
}

// Serve answers requests on ln until ctx is cancelled.
func Serve(ctx context.Context, ln net.Listener, m model.Model) error {
	gin.SetMode(gin.ReleaseMode)
	if envconfig.Debug > 0 {
		gin.SetMode(gin.DebugMode)
	}

	s := &Server{addr: ln.Addr(), model: m}
	srvr := &http.Server{Handler: s.GenerateRoutes()}

	slog.Info(fmt.Sprintf("Listening on %s (version %s)", ln.Addr(), version.Version))

	errCh := make(chan error, 1)
	go func() {
		errCh <- srvr.Serve(ln)
	}()

	select {
	case <-ctx.Done():
		shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srvr.Shutdown(shutdown)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
