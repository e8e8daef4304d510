package examsession

import (
	"time"

	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/violation"
)

// Config tunes a session controller.
type Config struct {
	Violation violation.Config
	// RequestTimeout bounds gateway and device calls made on forced exit
	// paths, where no caller context exists.
	RequestTimeout time.Duration
	// CameraPoll and CameraReconnect override the camera monitor timing
	// when set. Zero keeps the monitor's own.
	CameraPoll      time.Duration
	CameraReconnect time.Duration
}

// DefaultConfig uses the default escalation and a 15 second request timeout.
var DefaultConfig = Config{
	Violation:      violation.DefaultConfig,
	RequestTimeout: 15 * time.Second,
}

// NewConfig builds a Config from the proctoring environment variables.
func NewConfig(pc config.ProctorConfig) (Config, error) {
	policy, err := violation.ParsePolicy(pc.ViolationPolicy)
	if err != nil {
		return Config{}, err
	}
	cfg := DefaultConfig
	cfg.Violation.Policy = policy
	if pc.WarningWindow > 0 {
		cfg.Violation.Window = pc.WarningWindow
	}
	return cfg, nil
}

// apply adopts the escalation and camera settings the server returned on login.
func (c *Config) apply(s *model.ProctorSettings) error {
	if s == nil {
		return nil
	}
	policy, err := violation.ParsePolicy(s.ViolationPolicy)
	if err != nil {
		return err
	}
	c.Violation.Policy = policy
	if s.WarningSeconds > 0 {
		c.Violation.Window = time.Duration(s.WarningSeconds) * time.Second
	}
	if s.PollMillis > 0 {
		c.CameraPoll = time.Duration(s.PollMillis) * time.Millisecond
	}
	if s.ReconnectMillis > 0 {
		c.CameraReconnect = time.Duration(s.ReconnectMillis) * time.Millisecond
	}
	return nil
}
