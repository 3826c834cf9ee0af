package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/oarkflow/s3ftp"
	"github.com/oarkflow/s3ftp/config"
	"github.com/oarkflow/s3ftp/fs/afos"
	s3fs "github.com/oarkflow/s3ftp/fs/s3"
	"github.com/oarkflow/s3ftp/interfaces"
	"github.com/oarkflow/s3ftp/log/zaplog"
	"github.com/oarkflow/s3ftp/providers"
	"github.com/oarkflow/s3ftp/sftp"
	"github.com/oarkflow/s3ftp/utils"
)

const shutdownGrace = 30 * time.Second

func main() {
	confPath := flag.String("conf", "", "path to a YAML config file (optional, env overrides apply)")
	flag.Parse()

	cfg, err := config.Load(*confPath)
	if err != nil {
		// Configuration problems must be visible at start, before any
		// port is bound.
		fmt.Fprintf(os.Stderr, "s3ftp: %v\n", err)
		os.Exit(1)
	}

	logger := zaplog.New(cfg.LogLevel)

	var filesystem interfaces.Filesystem
	switch cfg.Driver {
	case "s3":
		filesystem, err = s3fs.New(s3fs.Option{
			Endpoint:  "https://" + cfg.S3.Host,
			Region:    cfg.S3.Region,
			Bucket:    cfg.S3.Bucket,
			AccessKey: cfg.S3.AccessKeyID,
			Secret:    cfg.S3.SecretAccessKey,
			PathStyle: true,
		})
		if err != nil {
			logger.Error("s3 backend init failed", "error", err.Error())
			os.Exit(1)
		}
	case "os":
		filesystem = afos.New(utils.AbsPath(cfg.RootPath))
	default:
		logger.Error("unknown driver", "driver", cfg.Driver)
		os.Exit(1)
	}

	users := providers.NewStatic(cfg.FTP.Login, cfg.FTP.Password)

	server := s3ftp.New(filesystem,
		s3ftp.WithPort(cfg.FTP.CommandPort),
		s3ftp.WithPublicIP(cfg.FTP.PublicIP),
		s3ftp.WithPassivePorts(cfg.FTP.DataPortsFirst, cfg.FTP.DataPortsCount),
		s3ftp.WithUserProvider(users),
		s3ftp.WithLogger(logger),
		s3ftp.WithIdleTimeout(time.Duration(cfg.FTP.IdleSeconds)*time.Second),
		s3ftp.WithCommandTimeout(time.Duration(cfg.FTP.CommandSeconds)*time.Second),
		s3ftp.WithDataTimeout(time.Duration(cfg.FTP.DataSeconds)*time.Second),
	)

	var sftpServer *sftp.Server
	if cfg.SFTP.Enable {
		sftpServer = sftp.New(filesystem, users, sftp.Settings{
			BindAddress: "0.0.0.0",
			BindPort:    cfg.SFTP.Port,
			HostKeyPath: cfg.SFTP.HostKeyPath,
		}, logger)
		go func() {
			if err := sftpServer.ListenAndServe(); err != nil {
				logger.Error("sftp server stopped", "error", err.Error())
			}
		}()
	}

	errs := make(chan error, 1)
	go func() {
		errs <- server.ListenAndServe()
	}()

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGTERM, syscall.SIGINT)

	select {
	case err := <-errs:
		if err != nil {
			logger.Error("server stopped", "error", err.Error())
			os.Exit(1)
		}
	case sig := <-signals:
		logger.Info("shutting down", "signal", sig.String())
		ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if sftpServer != nil {
			sftpServer.Close()
		}
		if err := server.Shutdown(ctx); err != nil {
			logger.Warn("shutdown incomplete", "error", err.Error())
		}
	}
}
