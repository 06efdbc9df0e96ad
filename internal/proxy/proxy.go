package proxy

import (
	"errors"
	"net/http"
	"net/http/httputil"
	"net/url"
	"time"

	"github.com/aman-churiwal/admission-gateway/internal/circuitbreaker"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

var errUpstream = errors.New("upstream error")

// Proxy forwards admitted requests to one upstream behind a circuit breaker
type Proxy struct {
	target         *url.URL
	reverseProxy   *httputil.ReverseProxy
	circuitBreaker *circuitbreaker.CircuitBreaker
	logger         *zap.Logger
}

type Config struct {
	Target         string
	CircuitBreaker circuitbreaker.Config
	Logger         *zap.Logger
}

func New(targetURL string, logger *zap.Logger) (*Proxy, error) {
	return NewWithConfig(Config{
		Target: targetURL,
		CircuitBreaker: circuitbreaker.Config{
			MaxFailures:     5,
			Timeout:         30 * time.Second,
			HalfOpenSuccess: 1,
		},
		Logger: logger,
	})
}

// Creates a new Proxy with custom circuit breaker config
func NewWithConfig(cfg Config) (*Proxy, error) {
	if cfg.Target == "" {
		return nil, errors.New("target is required")
	}

	target, err := url.Parse(cfg.Target)
	if err != nil {
		return nil, err
	}
	if target.Scheme == "" || target.Host == "" {
		return nil, errors.New("target must be an absolute URL")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	rp := httputil.NewSingleHostReverseProxy(target)
	director := rp.Director
	rp.Director = func(req *http.Request) {
		req.Header.Set("X-Forwarded-Host", req.Host)
		director(req)
		req.Host = target.Host
	}
	rp.ErrorHandler = func(w http.ResponseWriter, req *http.Request, err error) {
		logger.Warn("Upstream request failed",
			zap.String("target", target.String()),
			zap.String("path", req.URL.Path),
			zap.Error(err),
		)
		w.WriteHeader(http.StatusBadGateway)
	}

	return &Proxy{
		target:         target,
		reverseProxy:   rp,
		circuitBreaker: circuitbreaker.New(cfg.CircuitBreaker),
		logger:         logger,
	}, nil
}

// Forwards the request to the upstream
func (p *Proxy) Handle(c *gin.Context) {
	err := p.circuitBreaker.Call(func() error {
		recorder := &responseRecorder{
			ResponseWriter: c.Writer,
			statusCode:     http.StatusOK,
		}

		p.reverseProxy.ServeHTTP(recorder, c.Request)

		if recorder.statusCode >= 500 {
			return errUpstream
		}
		return nil
	})

	if errors.Is(err, circuitbreaker.ErrCircuitOpen) {
		p.logger.Warn("Circuit breaker open", zap.String("target", p.target.String()))
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error": "Service temporarily unavailable",
		})
	}
	// Upstream errors were already written by the reverse proxy
}

func (p *Proxy) Target() string {
	return p.target.String()
}

func (p *Proxy) CircuitBreaker() *circuitbreaker.CircuitBreaker {
	return p.circuitBreaker
}

// Captures the response status code
type responseRecorder struct {
	gin.ResponseWriter
	statusCode int
}

func (r *responseRecorder) WriteHeader(statusCode int) {
	r.statusCode = statusCode
	r.ResponseWriter.WriteHeader(statusCode)
}
