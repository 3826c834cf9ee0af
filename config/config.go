// Package config loads and validates the process configuration. A YAML file
// is optional; environment variables override it and are the usual way the
// hosting platform supplies values. Validation failures are fatal before
// any socket is bound.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

const (
	DefaultCommandPort    = 2121
	DefaultDataPortsFirst = 4001
	DefaultDataPortsCount = 10
	DefaultIdleSeconds    = 300
	DefaultCommandSeconds = 15
	DefaultDataSeconds    = 10
	DefaultSFTPPort       = 2022
)

type FTP struct {
	Login          string `yaml:"login"`
	Password       string `yaml:"password"`
	CommandPort    int    `yaml:"command_port"`
	DataPortsFirst int    `yaml:"data_ports_first"`
	DataPortsCount int    `yaml:"data_ports_count"`
	PublicIP       string `yaml:"public_ip"`
	IdleSeconds    int    `yaml:"idle_seconds"`
	CommandSeconds int    `yaml:"command_seconds"`
	DataSeconds    int    `yaml:"data_seconds"`
}

type S3 struct {
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	Region          string `yaml:"region"`
	Host            string `yaml:"host"`
	Bucket          string `yaml:"bucket"`
}

type SFTP struct {
	Enable      bool   `yaml:"enable"`
	Port        int    `yaml:"port"`
	HostKeyPath string `yaml:"host_key_path"`
}

type Config struct {
	// Driver selects the storage backend: "s3" or "os".
	Driver   string `yaml:"driver"`
	RootPath string `yaml:"root_path"`
	LogLevel string `yaml:"log_level"`
	FTP      FTP    `yaml:"ftp"`
	S3       S3     `yaml:"s3"`
	SFTP     SFTP   `yaml:"sftp"`
}

func defaults() *Config {
	return &Config{
		Driver:   "s3",
		RootPath: "data",
		LogLevel: "info",
		FTP: FTP{
			CommandPort:    DefaultCommandPort,
			DataPortsFirst: DefaultDataPortsFirst,
			DataPortsCount: DefaultDataPortsCount,
			PublicIP:       "0.0.0.0",
			IdleSeconds:    DefaultIdleSeconds,
			CommandSeconds: DefaultCommandSeconds,
			DataSeconds:    DefaultDataSeconds,
		},
		SFTP: SFTP{
			Port:        DefaultSFTPPort,
			HostKeyPath: ".ssh/id_rsa",
		},
	}
}

// Load reads the optional YAML file at path, applies environment overrides
// and validates the result. An empty path skips the file entirely.
func Load(path string) (*Config, error) {
	cfg := defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}

	if err := cfg.fromEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) fromEnv() error {
	var err error

	str := func(dst *string, name string) {
		if v, ok := os.LookupEnv(name); ok {
			*dst = v
		}
	}
	num := func(dst *int, name string) {
		v, ok := os.LookupEnv(name)
		if !ok {
			return
		}
		n, convErr := strconv.Atoi(v)
		if convErr != nil {
			err = errors.Join(err, fmt.Errorf("%s: %w", name, convErr))
			return
		}
		*dst = n
	}

	str(&c.Driver, "S3FTP_DRIVER")
	str(&c.RootPath, "S3FTP_ROOT_PATH")
	str(&c.LogLevel, "S3FTP_LOG_LEVEL")

	str(&c.FTP.Login, "FTP_USER_LOGIN")
	str(&c.FTP.Password, "FTP_USER_PASSWORD")
	num(&c.FTP.CommandPort, "FTP_COMMAND_PORT")
	num(&c.FTP.DataPortsFirst, "FTP_DATA_PORTS_FIRST")
	num(&c.FTP.DataPortsCount, "FTP_DATA_PORTS_COUNT")
	str(&c.FTP.PublicIP, "FTP_PUBLIC_IP")
	num(&c.FTP.IdleSeconds, "FTP_IDLE_SECONDS")

	str(&c.S3.AccessKeyID, "AWS_ACCESS_KEY_ID")
	str(&c.S3.SecretAccessKey, "AWS_SECRET_ACCESS_KEY")
	str(&c.S3.Region, "AWS_S3_BUCKET_REGION")
	str(&c.S3.Host, "AWS_S3_BUCKET_HOST")
	str(&c.S3.Bucket, "AWS_S3_BUCKET_NAME")

	if v, ok := os.LookupEnv("SFTP_ENABLE"); ok {
		b, convErr := strconv.ParseBool(v)
		if convErr != nil {
			err = errors.Join(err, fmt.Errorf("SFTP_ENABLE: %w", convErr))
		} else {
			c.SFTP.Enable = b
		}
	}
	num(&c.SFTP.Port, "SFTP_PORT")
	str(&c.SFTP.HostKeyPath, "SFTP_HOST_KEY_PATH")

	return err
}

// Validate checks everything the server needs before it binds a socket.
func (c *Config) Validate() error {
	var errs []error

	if c.FTP.Login == "" {
		errs = append(errs, errors.New("ftp login is required"))
	}
	if c.FTP.Password == "" {
		errs = append(errs, errors.New("ftp password is required"))
	}
	if c.FTP.CommandPort <= 0 || c.FTP.CommandPort > 65535 {
		errs = append(errs, fmt.Errorf("ftp command port %d out of range", c.FTP.CommandPort))
	}
	if c.FTP.DataPortsCount <= 0 {
		errs = append(errs, errors.New("ftp data port count must be positive"))
	}
	if first, last := c.FTP.DataPortsFirst, c.FTP.DataPortsFirst+c.FTP.DataPortsCount-1; first <= 0 || last > 65535 {
		errs = append(errs, fmt.Errorf("ftp data port range [%d, %d] out of range", first, last))
	}

	switch c.Driver {
	case "s3":
		if c.S3.AccessKeyID == "" || c.S3.SecretAccessKey == "" {
			errs = append(errs, errors.New("s3 access key id and secret are required"))
		}
		if c.S3.Bucket == "" {
			errs = append(errs, errors.New("s3 bucket name is required"))
		}
		if c.S3.Region == "" {
			errs = append(errs, errors.New("s3 bucket region is required"))
		}
		if c.S3.Host == "" {
			errs = append(errs, errors.New("s3 bucket host is required"))
		}
	case "os":
		if c.RootPath == "" {
			errs = append(errs, errors.New("root path is required for the os driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported driver: %s", c.Driver))
	}

	if c.SFTP.Enable && (c.SFTP.Port <= 0 || c.SFTP.Port > 65535) {
		errs = append(errs, fmt.Errorf("sftp port %d out of range", c.SFTP.Port))
	}

	return errors.Join(errs...)
}
