package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"

	"smallbiznis-billing/pkg/config"

	"github.com/fsnotify/fsnotify"
	"github.com/gin-gonic/gin"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var ProvideHTTPServer = fx.Module("http.server",
	fx.Provide(NewHttpServer),
	fx.Invoke(Run),
)

var errNoCertificate = errors.New("server: no TLS certificate loaded")

// Server serves the billing API. With TLS enabled the key pair is reloaded
// whenever the files change on disk, so rotated certificates apply without a
// restart.
type Server struct {
	server   *http.Server
	cert     atomic.Pointer[tls.Certificate]
	certPath string
	keyPath  string
	stop     chan struct{}
}

type Params struct {
	fx.In
	Config  *config.Config
	Handler *gin.Engine
}

func NewHttpServer(p Params) (*Server, error) {
	cfg := p.Config
	srv := &Server{
		server: &http.Server{
			Addr:              fmt.Sprintf(":%s", cfg.Server.Addr),
			Handler:           p.Handler,
			ReadTimeout:       cfg.Server.ReadTimeout,
			ReadHeaderTimeout: cfg.Server.ReadTimeout,
			WriteTimeout:      cfg.Server.WriteTimeout,
			IdleTimeout:       cfg.Server.IdleTimeout,
		},
		certPath: cfg.TLS.CertPath,
		keyPath:  cfg.TLS.KeyPath,
		stop:     make(chan struct{}),
	}
	if !cfg.TLS.Enable {
		return srv, nil
	}

	if err := srv.loadCert(); err != nil {
		return nil, err
	}
	srv.server.TLSConfig = &tls.Config{
		MinVersion: tls.VersionTLS12,
		GetCertificate: func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
			if c := srv.cert.Load(); c != nil {
				return c, nil
			}
			return nil, errNoCertificate
		},
	}
	return srv, nil
}

func (s *Server) loadCert() error {
	cert, err := tls.LoadX509KeyPair(s.certPath, s.keyPath)
	if err != nil {
		return fmt.Errorf("load TLS key pair: %w", err)
	}
	s.cert.Store(&cert)
	return nil
}

// watchCert keeps the previous certificate when a reload fails, for example
// while the key and certificate are written one after the other.
func (s *Server) watchCert() {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		zap.L().Error("[HTTP] TLS reload disabled", zap.Error(err))
		return
	}
	defer watcher.Close()

	for _, path := range []string{s.certPath, s.keyPath} {
		if err := watcher.Add(path); err != nil {
			zap.L().Warn("[HTTP] cannot watch TLS file", zap.String("path", path), zap.Error(err))
		}
	}

	for {
		select {
		case <-s.stop:
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if err := s.loadCert(); err != nil {
				zap.L().Warn("[HTTP] TLS reload failed, keeping current certificate", zap.Error(err))
				continue
			}
			zap.L().Info("[HTTP] TLS certificate reloaded", zap.String("file", event.Name))
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			zap.L().Error("[HTTP] TLS watcher error", zap.Error(err))
		}
	}
}

func Run(lc fx.Lifecycle, srv *Server) {
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			tlsEnabled := srv.server.TLSConfig != nil
			if tlsEnabled {
				go srv.watchCert()
			}

			go func() {
				zap.L().Info("[HTTP] listening", zap.String("addr", srv.server.Addr), zap.Bool("tls", tlsEnabled))
				var err error
				if tlsEnabled {
					err = srv.server.ListenAndServeTLS("", "")
				} else {
					err = srv.server.ListenAndServe()
				}
				if err != nil && !errors.Is(err, http.ErrServerClosed) {
					zap.L().Error("[HTTP] server stopped", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			close(srv.stop)
			zap.L().Info("[HTTP] shutting down")
			return srv.server.Shutdown(ctx)
		},
	})
}
