package serv

import (
	"context"
	"fmt"

	"github.com/spf13/afero"
	"github.com/wildoasis/dashcache/core"
	"github.com/wildoasis/dashcache/serv/internal/util"
	"go.uber.org/zap"
)

// Service wires a client session to the configured backend and storage
type Service struct {
	conf   *Config
	log    *zap.SugaredLogger
	zlog   *zap.Logger
	fs     afero.Fs
	gw     core.Gateway
	blobs  core.BlobStore
	client *core.Client
	closer func()
}

// Option configures the service
type Option func(*Service) error

// OptionSetFS sets the filesystem used for seed files and fs storage
func OptionSetFS(fs afero.Fs) Option {
	return func(s *Service) error {
		s.fs = fs
		return nil
	}
}

// OptionSetLogger sets the logger instead of building one from the config
func OptionSetLogger(log *zap.Logger) Option {
	return func(s *Service) error {
		if log == nil {
			return fmt.Errorf("nil logger")
		}
		s.zlog = log
		return nil
	}
}

// OptionSetGateway replaces the configured backend
func OptionSetGateway(gw core.Gateway) Option {
	return func(s *Service) error {
		s.gw = gw
		return nil
	}
}

// OptionSetBlobStore replaces the configured storage
func OptionSetBlobStore(bs core.BlobStore) Option {
	return func(s *Service) error {
		s.blobs = bs
		return nil
	}
}

// NewService creates the service and its client session
func NewService(conf *Config, options ...Option) (*Service, error) {
	if conf == nil {
		conf = NewConfig()
	}
	s := &Service{conf: conf}

	for _, op := range options {
		if err := op(s); err != nil {
			return nil, err
		}
	}

	if err := s.init(); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Service) init() error {
	if err := s.conf.Validate(); err != nil {
		return err
	}

	if s.zlog == nil {
		zlog, err := util.NewLogger(s.conf.LogFormat, s.conf.LogLevel)
		if err != nil {
			return err
		}
		s.zlog = zlog
	}
	s.log = s.zlog.Sugar()

	if s.fs == nil {
		s.fs = afero.NewOsFs()
	}

	if err := s.initGateway(); err != nil {
		return err
	}
	s.initBlobStore()

	client, err := core.NewClient(s.gw, s.blobs, s.conf.CoreConfig(), core.WithLogger(s.zlog))
	if err != nil {
		return err
	}
	s.client = client
	return nil
}

func (s *Service) initGateway() error {
	if s.gw != nil {
		return nil
	}

	b := s.conf.Backend

	switch b.Type {
	case BackendREST:
		s.gw = NewRestGateway(b.URL, b.APIKey, b.Token, b.Timeout)
		s.log.Infof("backend: rest (%s)", b.URL)

	case BackendPostgres:
		ctx := context.Background()
		if b.Timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, b.Timeout)
			defer cancel()
		}

		pg, err := NewPGGateway(ctx, b.ConnString)
		if err != nil {
			return err
		}
		s.gw = pg
		s.closer = pg.Close
		s.log.Info("backend: postgres")

	default:
		mg := NewMemoryGateway()
		if s.conf.Seed != "" {
			n, err := LoadSeed(mg, s.fs, s.conf.Seed)
			if err != nil {
				return err
			}
			s.log.Infof("backend: memory, %d rows seeded from %s", n, s.conf.Seed)
		} else {
			s.log.Info("backend: memory")
		}
		s.gw = mg
	}
	return nil
}

func (s *Service) initBlobStore() {
	if s.blobs != nil {
		return
	}

	st := s.conf.Storage

	if st.Type == StorageREST {
		b := s.conf.Backend
		s.blobs = NewRestBlobStore(b.URL, st.PublicURL, b.APIKey, b.Token, b.Timeout)
		return
	}
	s.blobs = NewFSBlobStore(s.fs, st.Root, st.PublicURL)
}

// Client returns the client session
func (s *Service) Client() *core.Client { return s.client }

// Gateway returns the backend gateway
func (s *Service) Gateway() core.Gateway { return s.gw }

// Config returns the service config
func (s *Service) Config() *Config { return s.conf }

// Logger returns the service logger
func (s *Service) Logger() *zap.Logger { return s.zlog }

// Check verifies that the backend answers, for backends that can tell
func (s *Service) Check(ctx context.Context) error {
	if p, ok := s.gw.(interface{ Ping(context.Context) error }); ok {
		if err := p.Ping(ctx); err != nil {
			return fmt.Errorf("backend %s: %w", s.conf.Backend.Type, err)
		}
	}
	return nil
}

// Close ends the client session and releases the backend
func (s *Service) Close() {
	if s.client != nil {
		_ = s.client.Close()
	}
	if s.closer != nil {
		s.closer()
	}
	if s.zlog != nil {
		_ = s.zlog.Sync()
	}
}
