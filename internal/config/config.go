// Package config loads planscraper.json5.
package config

import (
	"errors"
	"os"
	"time"

	"planscraper/internal/browser"
	"planscraper/internal/download"
	"planscraper/internal/notify"
	"planscraper/internal/portal"
	"planscraper/lib/configutil"
	configlibsql "planscraper/lib/configutil/libsql"
)

// FileName is looked up from the working directory upwards, a
// planscraper.local.json5 next to it overrides its values.
const FileName = "planscraper.json5"

type DownloadConfig struct {
	Parallel         int     `json:"parallel"`
	MinBytes         int     `json:"min_bytes"`
	UITimeoutSeconds float64 `json:"ui_timeout_seconds"`
	RetryFailedViaUI *bool   `json:"retry_failed_via_ui"`
}

type BrowserConfig struct {
	Headless                 *bool   `json:"headless"`
	ExecPath                 string  `json:"exec_path"`
	SettleSeconds            float64 `json:"settle_seconds"`
	NavigationTimeoutSeconds float64 `json:"navigation_timeout_seconds"`
}

type ServerConfig struct {
	Port          int     `json:"port"`
	JobTtlMinutes float64 `json:"job_ttl_minutes"`
	JobCapacity   int     `json:"job_capacity"`
}

type Config struct {
	OutputDir    string              `json:"output_dir"`
	DelaySeconds *float64            `json:"delay"`
	DumpHttpDir  string              `json:"dump_http_dir"`
	Debug        bool                `json:"debug"`
	Portal       portal.Config       `json:"portal"`
	Download     DownloadConfig      `json:"download"`
	Browser      BrowserConfig       `json:"browser"`
	Store        configlibsql.Struct `json:"store"`
	Server       ServerConfig        `json:"server"`
	Notify       notify.SmtpConfig   `json:"notify"`
}

func ptr[T any](v T) *T {
	return &v
}

func Default() Config {
	downloads := download.DefaultOptions()
	return Config{
		OutputDir:    "./output",
		DelaySeconds: ptr(2.0),
		Portal:       portal.DefaultConfig(),
		Download: DownloadConfig{
			Parallel:         downloads.Parallel,
			MinBytes:         downloads.MinBytes,
			UITimeoutSeconds: downloads.UITimeout.Seconds(),
			RetryFailedViaUI: ptr(downloads.RetryFailedViaUI),
		},
		Browser: BrowserConfig{
			Headless:                 ptr(true),
			SettleSeconds:            2,
			NavigationTimeoutSeconds: 60,
		},
		Server: ServerConfig{
			Port:          8000,
			JobTtlMinutes: 24 * 60,
			JobCapacity:   1024,
		},
	}
}

// Load reads the config file, a missing file yields the defaults.
func Load() (Config, error) {
	config, err := configutil.ReadRecursively[Config](FileName)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, err
	}
	return configutil.WithDefaults(Default(), config)
}

// LoadFile is Load for an explicit path.
func LoadFile(path string) (Config, error) {
	config, err := configutil.ReadConfig[Config](path)
	if err != nil {
		return Config{}, err
	}
	return configutil.WithDefaults(Default(), config)
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

func (c Config) Delay() time.Duration {
	if c.DelaySeconds == nil {
		return 0
	}
	return seconds(*c.DelaySeconds)
}

func (c Config) DownloadOptions() download.Options {
	return download.Options{
		Parallel:         c.Download.Parallel,
		MinBytes:         c.Download.MinBytes,
		UITimeout:        seconds(c.Download.UITimeoutSeconds),
		RetryFailedViaUI: c.Download.RetryFailedViaUI == nil || *c.Download.RetryFailedViaUI,
	}
}

func (c Config) ChromeOptions() browser.ChromeOptions {
	return browser.ChromeOptions{
		Headless:          c.Browser.Headless == nil || *c.Browser.Headless,
		ExecPath:          c.Browser.ExecPath,
		UserAgent:         c.Portal.UserAgent,
		SettleDelay:       seconds(c.Browser.SettleSeconds),
		NavigationTimeout: seconds(c.Browser.NavigationTimeoutSeconds),
	}
}

func (c Config) JobTtl() time.Duration {
	return time.Duration(c.Server.JobTtlMinutes * float64(time.Minute))
}
