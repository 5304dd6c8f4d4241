package cmd

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/apex/log"
	"github.com/labstack/echo/v4/middleware"
	"github.com/materials-commons/filegate/pkg/clog"
	"github.com/materials-commons/filegate/pkg/config"
	"github.com/materials-commons/filegate/pkg/gc"
	"github.com/materials-commons/filegate/pkg/webapi"
	"github.com/materials-commons/filegate/pkg/webapi/apimiddleware"
	"github.com/spf13/cobra"

	_ "github.com/materials-commons/filegate/pkg/driver/local"
	_ "github.com/materials-commons/filegate/pkg/driver/s3drv"
	_ "github.com/materials-commons/filegate/pkg/driver/seafile"
	_ "github.com/materials-commons/filegate/pkg/driver/sftpdrv"
)

var configPath string

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "filegated",
	Short: "Run the filegate storage gateway",
	Long: `Run the filegate storage gateway. The gateway serves one virtual namespace per user,
made of the user's primary backend and the mount points attached to it.`,
	Run: func(cmd *cobra.Command, args []string) {
		if err := Run(context.Background()); err != nil {
			log.Fatalf("filegated: %s", err)
		}
	},
}

func Run(ctx context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	gw, err := newGateway(cfg)
	if err != nil {
		return err
	}

	collector := gc.NewCollector(cfg.GC, gw.locks, gw.sessions)
	collector.Start()

	logins := apimiddleware.NewLoginCache(gw.router.AuthenticateUser, cfg.Server.LoginCacheTTL)
	e := webapi.NewServer(webapi.RouteOpts{
		Router:   gw.router,
		Engine:   gw.engine,
		Locks:    gw.locks,
		Sessions: gw.sessions,
		Auth: apimiddleware.BasicAuth(apimiddleware.BasicAuthConfig{
			Logins:     logins,
			ListMounts: gw.router.Mounts,
		}),
	}, middleware.Recover(), webapi.RequestLogger())

	go func() {
		log.Infof("Listening on %s", cfg.Server.Listen)
		if err := e.Start(cfg.Server.Listen); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Unable to start server: %s", err)
		}
	}()

	sigCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-sigCtx.Done()
	log.Infof("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := e.Shutdown(shutdownCtx); err != nil {
		log.Errorf("Server shutdown failed: %s", err)
	}

	return collector.Stop(shutdownCtx)
}

func loadConfig() (*config.GatewayConfig, error) {
	if err := config.Load(); err != nil {
		return nil, err
	}

	cfg, err := config.LoadGatewayConfig(configPath)
	if err != nil {
		return nil, err
	}

	if err := clog.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.Components); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (YAML, TOML or JSON)")
}
