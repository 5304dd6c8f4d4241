package cmd

import (
	"github.com/materials-commons/filegate/pkg/config"
	"github.com/materials-commons/filegate/pkg/docsession"
	"github.com/materials-commons/filegate/pkg/docsession/editor"
	"github.com/materials-commons/filegate/pkg/driver"
	"github.com/materials-commons/filegate/pkg/gwdb"
	"github.com/materials-commons/filegate/pkg/gwdb/stor"
	"github.com/materials-commons/filegate/pkg/locks"
	"github.com/materials-commons/filegate/pkg/router"
	"github.com/materials-commons/filegate/pkg/secret"
	"github.com/materials-commons/filegate/pkg/xfer"
)

// gateway holds the core components shared by the server and the maintenance commands.
type gateway struct {
	router   *router.Router
	engine   *xfer.Engine
	locks    *locks.Manager
	sessions *docsession.Manager
}

func newGateway(cfg *config.GatewayConfig) (*gateway, error) {
	db := gwdb.MustConnectToDB(cfg.Database)
	if err := gwdb.RunMigrations(db); err != nil {
		return nil, err
	}
	stors := stor.NewGormStors(db)

	secrets, err := secret.NewStoreFromConfig(cfg.Secret)
	if err != nil {
		return nil, err
	}

	r := router.New(router.Options{
		URIScheme:      cfg.URIScheme,
		Primary:        cfg.Primary,
		Mounts:         cfg.Mounts,
		MountPointStor: stors.MountPointStor,
		Secrets:        secrets,
		Policy:         driver.Policy{Timeout: cfg.Server.CallTimeout, ReadRetries: driver.DefaultPolicy.ReadRetries},
	})

	sessions := docsession.NewManager(docsession.Options{
		Sessions:    stors.SessionStor,
		Invitations: stors.InvitationStor,
		Router:      r,
		Editor:      editor.New(cfg.Editor),
		MaxAge:      cfg.Sessions.MaxAge,
	})

	return &gateway{
		router: r,
		engine: xfer.New(xfer.Options{
			Resolver:         r,
			Rewriter:         sessions,
			SpoolDir:         cfg.Server.SpoolDir,
			SpoolMemoryLimit: cfg.Server.SpoolMemoryLimit,
		}),
		locks:    locks.NewManager(stors.LockStor, locks.Options{Locks: cfg.Locks}),
		sessions: sessions,
	}, nil
}
