package config_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"platesolver/internal/config"

	"github.com/smartystreets/goconvey/convey"
)

func TestConfigLoader(t *testing.T) {
	convey.Convey("Given a config loader", t, func() {
		home := t.TempDir()
		t.Setenv("HOME", home)
		t.Setenv("PLATESOLVER_CONFIG", "")
		for _, key := range []string{"PLATESOLVER_NOVA__API_KEY", "PLATESOLVER_PIPELINE__PARALLEL_JOBS"} {
			t.Setenv(key, "")
			_ = os.Unsetenv(key)
		}

		convey.Convey("When no config file exists at the default path", func() {
			cfg, err := config.Load()

			convey.Convey("Then defaults are returned with paths expanded", func() {
				convey.So(err, convey.ShouldBeNil)
				convey.So(cfg.Nova.URL, convey.ShouldEqual, "https://nova.astrometry.net")
				convey.So(cfg.Nova.SolveTimeout, convey.ShouldEqual, 1000*time.Second)
				convey.So(cfg.Pipeline.ParallelJobs, convey.ShouldEqual, 2)
				convey.So(cfg.Paths.DatabasePath, convey.ShouldEqual, filepath.Join(home, ".config/platesolver/history.db"))
				convey.So(cfg.Links, convey.ShouldHaveLength, 3)
			})
		})

		convey.Convey("When a YAML file is named by PLATESOLVER_CONFIG", func() {
			path := writeConfig(t, `
nova:
  api_key: "abc123"
  solve_timeout: 90s
  poll_interval: 1s
solve:
  max_timeouts: 3
links:
  - "https://example.org/{subid}"
`)
			t.Setenv("PLATESOLVER_CONFIG", path)

			cfg, err := config.Load()

			convey.Convey("Then file values override defaults", func() {
				convey.So(err, convey.ShouldBeNil)
				convey.So(cfg.Nova.APIKey, convey.ShouldEqual, "abc123")
				convey.So(cfg.Nova.SolveTimeout, convey.ShouldEqual, 90*time.Second)
				convey.So(cfg.Nova.PollInterval, convey.ShouldEqual, time.Second)
				convey.So(cfg.Solve.MaxTimeouts, convey.ShouldEqual, 3)
				convey.So(cfg.Links, convey.ShouldResemble, []string{"https://example.org/{subid}"})
				convey.So(cfg.Catalog.TAPURL, convey.ShouldEqual, "https://simbad.cds.unistra.fr/simbad/sim-tap")
			})
		})

		convey.Convey("When environment variables are set", func() {
			path := writeConfig(t, "nova:\n  api_key: from-file\n")
			t.Setenv("PLATESOLVER_CONFIG", path)
			t.Setenv("PLATESOLVER_NOVA__API_KEY", "from-env")
			t.Setenv("PLATESOLVER_PIPELINE__PARALLEL_JOBS", "5")

			cfg, err := config.Load()

			convey.Convey("Then env beats the file", func() {
				convey.So(err, convey.ShouldBeNil)
				convey.So(cfg.Nova.APIKey, convey.ShouldEqual, "from-env")
				convey.So(cfg.Pipeline.ParallelJobs, convey.ShouldEqual, 5)
			})
		})

		convey.Convey("When the named file does not exist", func() {
			t.Setenv("PLATESOLVER_CONFIG", filepath.Join(home, "missing.yaml"))

			_, err := config.Load()

			convey.Convey("Then loading fails", func() {
				convey.So(err, convey.ShouldNotBeNil)
			})
		})

		convey.Convey("When a value is out of range", func() {
			path := writeConfig(t, "pipeline:\n  parallel_jobs: 0\n")
			t.Setenv("PLATESOLVER_CONFIG", path)

			_, err := config.Load()

			convey.Convey("Then ErrInvalidConfig is reported", func() {
				convey.So(errors.Is(err, config.ErrInvalidConfig), convey.ShouldBeTrue)
			})
		})
	})
}

func TestValidateRejectsVisibility(t *testing.T) {
	cfg := config.Default()
	cfg.Nova.PubliclyVisible = "maybe"
	if err := cfg.Validate(); !errors.Is(err, config.ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
}

func TestExpandUser(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	got, err := config.ExpandUser("~/images")
	if err != nil {
		t.Fatalf("ExpandUser: %v", err)
	}
	if got != filepath.Join(home, "images") {
		t.Fatalf("unexpected expansion %q", got)
	}
	if got, _ := config.ExpandUser("/abs/path"); got != "/abs/path" {
		t.Fatalf("absolute path changed: %q", got)
	}
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}
