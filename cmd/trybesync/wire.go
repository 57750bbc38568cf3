package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/trybe-app/trybesync"
	"github.com/trybe-app/trybesync/pkg/config"
	"github.com/trybe-app/trybesync/pkg/docstore"
	"github.com/trybe-app/trybesync/pkg/docstore/memstore"
	"github.com/trybe-app/trybesync/pkg/docstore/mongostore"
	"github.com/trybe-app/trybesync/pkg/docstore/surrealstore"
	"github.com/trybe-app/trybesync/pkg/identity"
	"github.com/trybe-app/trybesync/pkg/kvstore"
	"github.com/trybe-app/trybesync/pkg/logger"
	"github.com/trybe-app/trybesync/pkg/models"
	"github.com/trybe-app/trybesync/pkg/objectstore"
	"github.com/trybe-app/trybesync/pkg/uibridge"
)

const connectTimeout = 15 * time.Second

// app holds an engine and everything it was built from.
type app struct {
	cfg     config.Config
	log     *logger.LogData
	docs    docstore.Service
	kv      kvstore.Store
	session *identity.Session
	hub     *uibridge.Hub
	engine  *trybesync.Engine
}

// newLogger writes human readable logs to errOut unless log.path is set.
func newLogger(cfg config.Config, errOut io.Writer) (*logger.LogData, error) {
	return logger.NewBuild().
		FromBuffer(zerolog.ConsoleWriter{Out: errOut, TimeFormat: time.Kitchen, NoColor: true}).
		FromPath(cfg.Log.Path).
		Level(cfg.Log.Level).
		Make()
}

func openDocs(ctx context.Context, cfg config.Config, log logger.Logger) (docstore.Service, error) {
	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	switch cfg.Store.Driver {
	case config.DriverMemory:
		return memstore.New(), nil
	case config.DriverSurrealDB:
		s, err := surrealstore.Open(ctx, cfg.Store.SurrealDB.StoreConfig(),
			surrealstore.WithLogger(log),
			surrealstore.WithMaxAttempts(cfg.Store.TxAttempts),
		)
		if err != nil {
			return nil, err
		}
		return s, nil
	case config.DriverMongoDB:
		s, err := mongostore.Open(ctx, cfg.Store.MongoDB.URI, cfg.Store.MongoDB.Database, mongostore.WithLogger(log))
		if err != nil {
			return nil, err
		}
		if err := s.EnsureIndexes(ctx); err != nil {
			_ = s.Close()
			return nil, err
		}
		return s, nil
	}
	return nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
}

func openCache(cfg config.Config) (kvstore.Store, error) {
	if cfg.Cache.Driver == config.DriverSQLite {
		s, err := kvstore.OpenSQLite(cfg.Cache.Path)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
	return kvstore.NewMemory(), nil
}

func openObjects(cfg config.Config) objectstore.Resolver {
	if cfg.Objects.BaseURL == "" {
		return nil
	}
	return objectstore.NewHTTP(cfg.Objects.BaseURL,
		objectstore.WithHTTPClient(&http.Client{Timeout: time.Duration(cfg.Objects.Timeout)}),
		objectstore.WithToken(cfg.Objects.Token),
	)
}

// signIn resolves the session from identity.token, falling back to the fixed
// identity.user. Neither leaves the session signed out.
func signIn(ctx context.Context, cfg config.Config, session *identity.Session, log logger.Logger) error {
	switch {
	case cfg.Identity.Token != "":
		v := identity.NewTokenVerifier(cfg.Identity.Secret, cfg.Identity.Issuer)
		claims, err := session.Authenticate(ctx, v, cfg.Identity.Token)
		if err != nil {
			if identity.IsExpired(err) {
				return fmt.Errorf("identity.token has expired, mint a new one with `trybesync token`: %w", err)
			}
			return err
		}
		log.Info("signed in", "user", claims.Subject, "name", claims.Name)
	case cfg.Identity.User != "":
		session.SignIn(models.UserID(cfg.Identity.User))
		log.Info("signed in", "user", cfg.Identity.User)
	default:
		session.SignOut()
		log.Warn("no identity configured, mutations will fail as unauthenticated")
	}
	return nil
}

// openApp wires an engine from cfg. Notifications go to the hub and then to
// extra.
func openApp(ctx context.Context, cfg config.Config, errOut io.Writer, extra ...trybesync.Notifier) (_ *app, err error) {
	a := &app{cfg: cfg, session: identity.NewSession()}
	if a.log, err = newLogger(cfg, errOut); err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			_ = a.close(context.Background())
		}
	}()

	if a.docs, err = openDocs(ctx, cfg, a.log); err != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.Store.Driver, err)
	}
	if a.kv, err = openCache(cfg); err != nil {
		return nil, fmt.Errorf("open %s cache: %w", cfg.Cache.Driver, err)
	}
	if err = signIn(ctx, cfg, a.session, a.log); err != nil {
		return nil, err
	}

	a.hub = uibridge.NewHub(uibridge.WithHubLogger(a.log)).Also(extra...)
	opts := []trybesync.Option{
		trybesync.WithLogger(a.log),
		trybesync.WithConfig(cfg.EngineConfig()),
		trybesync.WithNotifier(a.hub),
		trybesync.WithKVStore(a.kv),
		trybesync.WithIdentity(a.session),
	}
	if objects := openObjects(cfg); objects != nil {
		opts = append(opts, trybesync.WithObjectStore(objects))
	}
	a.engine = trybesync.New(a.docs, opts...)
	return a, nil
}

func (a *app) close(ctx context.Context) error {
	var errs []error
	if a.engine != nil {
		errs = append(errs, a.engine.Close(ctx))
	}
	if a.hub != nil {
		a.hub.Close()
	}
	if a.docs != nil {
		errs = append(errs, a.docs.Close())
	}
	if a.kv != nil {
		errs = append(errs, a.kv.Close())
	}
	if a.log != nil {
		errs = append(errs, a.log.Close())
	}
	return errors.Join(errs...)
}

// start hydrates from the snapshot and waits for the first refresh. With a
// fresh snapshot a failed refresh only warns.
func (a *app) start(ctx context.Context) error {
	fresh, op := a.engine.Start(ctx)
	err := op.Wait(ctx)
	if err != nil && fresh {
		a.log.Warn("refresh failed, showing cached groups", "error", err)
		return nil
	}
	return err
}

// printer writes notifications to w.
type printer struct{ w io.Writer }

func (p printer) Notify(n trybesync.Notification) {
	if n.GroupID != "" {
		fmt.Fprintf(p.w, "[%s] %s (%s): %s\n", n.Level, n.Op, n.GroupID, n.Message)
		return
	}
	fmt.Fprintf(p.w, "[%s] %s: %s\n", n.Level, n.Op, n.Message)
}
