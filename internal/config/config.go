package config

import (
	"flag"
	"fmt"
	"log"
	"net"
	"strconv"
	"time"

	"github.com/docker/go-units"
	"github.com/kelseyhightower/envconfig"
)

// EnvPrefix is prepended to every environment variable, e.g. WEB_TTY_USERNAME.
const EnvPrefix = "WEB_TTY"

type Settings struct {
	Host      string `envconfig:"HOST" default:"0.0.0.0"`
	Port      int    `envconfig:"PORT" default:"8889"`
	ServeHTML bool   `envconfig:"SERVE_HTML" default:"false"`

	// Auth settings. AuthDisabled is development-only.
	AuthDisabled       bool          `envconfig:"AUTH_DISABLED" default:"false"`
	Username           string        `envconfig:"USERNAME" default:"admin"`
	Password           string        `envconfig:"PASSWORD" default:"password"`
	SessionTTL         time.Duration `envconfig:"SESSION_TTL" default:"1h"`
	SessionMaxLifetime time.Duration `envconfig:"SESSION_MAX_LIFETIME" default:"12h"`
	AnonymousLifetime  time.Duration `envconfig:"ANONYMOUS_LIFETIME" default:"1h"`
	SweepInterval      time.Duration `envconfig:"SWEEP_INTERVAL" default:"5m"`

	// Shell settings
	AllowedShells []string      `envconfig:"ALLOWED_SHELLS" default:"/bin/bash,/bin/sh,/bin/zsh"`
	DefaultShell  string        `envconfig:"DEFAULT_SHELL" default:""`
	GracePeriod   time.Duration `envconfig:"GRACE_PERIOD" default:"3s"`
	OutputBuffer  int           `envconfig:"OUTPUT_BUFFER" default:"64"`

	// Protocol limits
	MaxFrameSize     string   `envconfig:"MAX_FRAME_SIZE" default:"1MiB"`
	AllowedOrigins   []string `envconfig:"ALLOWED_ORIGINS" default:""`
	MaxMalformed     int      `envconfig:"MAX_MALFORMED" default:"10"`
	MaxUnauthorized  int      `envconfig:"MAX_UNAUTHORIZED" default:"5"`
	MaxLoginAttempts int      `envconfig:"MAX_LOGIN_ATTEMPTS" default:"5"`
	RateLimit        float64  `envconfig:"RATE_LIMIT" default:"100"`
	RateBurst        int      `envconfig:"RATE_BURST" default:"200"`
	MaxRateLimited   int      `envconfig:"MAX_RATE_LIMITED" default:"20"`

	LogPath            string `envconfig:"LOG_PATH" default:""`
	AuditDBPath        string `envconfig:"AUDIT_DB_PATH" default:""`
	AuditRetentionDays int    `envconfig:"AUDIT_RETENTION_DAYS" default:"30"`
}

var Cfg Settings

func Load() {
	s, err := Parse()
	if err == nil {
		err = s.Validate()
	}
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	Cfg = s
}

// Parse reads Settings from the environment without touching Cfg. It does
// not validate, since command-line flags may still fill in missing values.
func Parse() (Settings, error) {
	var s Settings
	err := envconfig.Process(EnvPrefix, &s)
	return s, err
}

// Validate checks value ranges that envconfig cannot express.
func (s Settings) Validate() error {
	if s.Port <= 0 || s.Port > 65535 {
		return fmt.Errorf("port %d out of range", s.Port)
	}
	if _, err := s.FrameLimit(); err != nil {
		return err
	}
	if s.SessionTTL <= 0 {
		return fmt.Errorf("session ttl must be positive, got %s", s.SessionTTL)
	}
	if s.AnonymousLifetime <= 0 {
		return fmt.Errorf("anonymous lifetime must be positive, got %s", s.AnonymousLifetime)
	}
	if s.SweepInterval <= 0 {
		return fmt.Errorf("sweep interval must be positive, got %s", s.SweepInterval)
	}
	if len(s.AllowedShells) == 0 {
		return fmt.Errorf("at least one allowed shell is required")
	}
	if !s.AuthDisabled && (s.Username == "" || s.Password == "") {
		return fmt.Errorf("username and password are required unless auth is disabled")
	}
	return nil
}

// FrameLimit parses MaxFrameSize ("1MiB", "512k", ...) into bytes.
func (s Settings) FrameLimit() (int64, error) {
	n, err := units.RAMInBytes(s.MaxFrameSize)
	if err != nil {
		return 0, fmt.Errorf("parse max frame size %q: %w", s.MaxFrameSize, err)
	}
	if n <= 0 {
		return 0, fmt.Errorf("max frame size must be positive, got %q", s.MaxFrameSize)
	}
	return n, nil
}

// Addr returns the host:port listen address.
func (s Settings) Addr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// Flags holds the command-line overrides. Only flags the user actually set
// replace environment values.
type Flags struct {
	fs          *flag.FlagSet
	host        string
	port        int
	serveHTML   bool
	disableAuth bool
	username    string
	password    string
}

// RegisterFlags defines the CLI surface on fs.
func RegisterFlags(fs *flag.FlagSet) *Flags {
	f := &Flags{fs: fs}
	fs.StringVar(&f.host, "host", "0.0.0.0", "Bind address")
	fs.IntVar(&f.port, "port", 8889, "Bind port")
	fs.BoolVar(&f.serveHTML, "serve-html", false, "Also serve the bootstrap HTML page at /")
	fs.BoolVar(&f.disableAuth, "disable-auth", false, "Disable authentication (development only, insecure)")
	fs.StringVar(&f.username, "username", "", "Login username (default from "+EnvPrefix+"_USERNAME)")
	fs.StringVar(&f.password, "password", "", "Login password (default from "+EnvPrefix+"_PASSWORD)")
	return f
}

// Apply copies explicitly-set flags onto s. Call after fs.Parse.
func (f *Flags) Apply(s *Settings) {
	f.fs.Visit(func(fl *flag.Flag) {
		switch fl.Name {
		case "host":
			s.Host = f.host
		case "port":
			s.Port = f.port
		case "serve-html":
			s.ServeHTML = f.serveHTML
		case "disable-auth":
			s.AuthDisabled = f.disableAuth
		case "username":
			if f.username != "" {
				s.Username = f.username
			}
		case "password":
			if f.password != "" {
				s.Password = f.password
			}
		}
	})
}
