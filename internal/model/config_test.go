package model_test

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/lancachemanager/opsd/internal/model"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig(t *testing.T) {
	yml := `
version: 0
data_dir: /data
database: /data/LancacheManager.db
datasources:
  - name: default
    log_path: /logs
    cache_path: /cache
  - name: secondary
    log_path: /mnt/logs2
    read_only: true
workers:
  dir: /app/workers
  grace_period: 2s
  env:
    rust_log: info
cache:
  delete_mode: rsync
schedule:
  cron: "*/15 * * * *"
api:
  listen: 0.0.0.0:9090
`
	cfg, err := model.LoadConfig(strings.NewReader(yml))
	require.NoError(t, err)
	require.NotNil(t, cfg)
	require.Equal(t, "/data", cfg.DataDir)
	require.Len(t, cfg.Datasources, 2)
	require.True(t, cfg.Datasources[0].IsEnabled())
	require.False(t, cfg.Datasources[0].ReadOnly)
	require.True(t, cfg.Datasources[1].ReadOnly)

	require.Equal(t, "lancache_processor", cfg.Workers.Processor)
	require.Equal(t, "/app/workers/log_manager", cfg.Workers.Path(cfg.Workers.LogManager))
	require.Equal(t, "/bin/sh", cfg.Workers.Path("/bin/sh"))
	require.Equal(t, 2*time.Second, cfg.Workers.GracePeriod.Duration)
	require.Equal(t, 500*time.Millisecond, cfg.Workers.PollInterval.Duration)
	require.Equal(t, "info", cfg.Workers.Env["rust_log"])

	require.Equal(t, 4, cfg.Cache.Threads)
	require.Equal(t, model.DeleteModeRsync, cfg.Cache.DeleteMode)
	require.Equal(t, 100_000, cfg.Reset.ChunkSize)
	require.Equal(t, 10*time.Millisecond, cfg.Reset.ChunkPause.Duration)
	require.True(t, cfg.Reset.Vacuum)

	require.True(t, cfg.Schedule.IsEnabled())
	require.Equal(t, "*/15 * * * *", cfg.Schedule.Cron)
	require.True(t, cfg.API.Enabled)
	require.Equal(t, 9090, cfg.API.Listen.Port)
}

func TestLoadConfig_Fail(t *testing.T) {
	t.Parallel()

	var testCases = []struct {
		scenario string
		yml      string
		code     string
	}{
		{
			scenario: "no datasources",
			yml: `
version: 0
data_dir: /data
database: /data/db
`,
			code: "missing_required",
		},
		{
			scenario: "unknown field",
			yml: `
version: 0
data_dir: /data
database: /data/db
datasources: [{name: a, log_path: /logs}]
colour: blue
`,
			code: "unknown_field",
		},
		{
			scenario: "invalid delete mode",
			yml: `
version: 0
data_dir: /data
database: /data/db
datasources: [{name: a, log_path: /logs}]
cache:
  delete_mode: shred
`,
		},
	}

	for _, tt := range testCases {
		t.Run(tt.scenario, func(t *testing.T) {
			_, err := model.LoadConfig(strings.NewReader(tt.yml))
			require.Error(t, err)
			var cfgErr *model.ConfigError
			require.True(t, errors.As(err, &cfgErr))
			require.NotEmpty(t, cfgErr.Details)
			if tt.code != "" {
				var codes []string
				for _, d := range cfgErr.Details {
					codes = append(codes, d.Code)
				}
				require.Contains(t, codes, tt.code)
			}
		})
	}
}

func TestDefaultConfig(t *testing.T) {
	dflt := model.DefaultConfig("/var/lib/opsd")
	var buf bytes.Buffer
	require.NoError(t, model.WriteConfig(&buf, dflt))
	require.Contains(t, buf.String(), "poll_interval: 500ms")

	cfg, err := model.LoadConfig(&buf)
	require.NoError(t, err)
	require.Equal(t, "/var/lib/opsd/LancacheManager.db", cfg.Database)
	require.Equal(t, dflt.Workers.GracePeriod, cfg.Workers.GracePeriod)
	require.Equal(t, "127.0.0.1:8080", cfg.API.Listen.String())
	require.Nil(t, cfg.Schedule)
	require.False(t, cfg.Schedule.IsEnabled())
}

func TestScheduleJob(t *testing.T) {
	t.Parallel()
	cases := []struct {
		scenario string
		given    model.Schedule
		every    time.Duration
		err      string
	}{
		{"cron_every_15_minutes", model.Schedule{Cron: "*/15 * * * *"}, 15 * time.Minute, ""},
		{"cron_hourly", model.Schedule{Cron: " @hourly "}, time.Hour, ""},
		{"cron_every", model.Schedule{Cron: "@every 5m"}, 5 * time.Minute, ""},
		{"cron_six_fields", model.Schedule{Cron: "0 */2 * * * *"}, 0, "schedule.cron: expected exactly 5 fields, found 6: [0 */2 * * * *]"},
		{"cron_out_of_range", model.Schedule{Cron: "* * 32 * *"}, 0, "schedule.cron: end of range (32) above maximum (31): 32"},
		{"duration_minutes", model.Schedule{Duration: "PT15M"}, 15 * time.Minute, ""},
		{"duration_day", model.Schedule{Duration: "P1D"}, 24 * time.Hour, ""},
		{"duration_day_and_time", model.Schedule{Duration: "P1DT2H"}, 26 * time.Hour, ""},
		{"duration_hours_minutes", model.Schedule{Duration: "PT1H30M"}, 90 * time.Minute, ""},
		{"duration_fraction", model.Schedule{Duration: "PT0,5S"}, 500 * time.Millisecond, ""},
		{"duration_months", model.Schedule{Duration: "P2M"}, 0, `schedule.duration: "P2M": unexpected designator 'M'`},
		{"duration_empty_time", model.Schedule{Duration: "PT"}, 0, `schedule.duration: "PT" has no time after T`},
		{"duration_go_syntax", model.Schedule{Duration: "15m"}, 0, `schedule.duration: "15m" is not an ISO8601 duration`},
		{"duration_order", model.Schedule{Duration: "PT5M1H"}, 0, `schedule.duration: "PT5M1H": unexpected designator 'H'`},
		{"duration_repeated", model.Schedule{Duration: "PT5M5M"}, 0, `schedule.duration: "PT5M5M": unexpected designator 'M'`},
		{"duration_negative", model.Schedule{Duration: "PT-5M"}, 0, `schedule.duration: "PT-5M": expected a number and a designator, got "-5M"`},
		{"duration_zero", model.Schedule{Duration: "PT0S"}, 0, `schedule.duration: "PT0S" is not a positive interval`},
		{"both", model.Schedule{Cron: "@hourly", Duration: "PT1H"}, 0, "schedule.cron and schedule.duration are both set"},
		{"none", model.Schedule{}, 0, "neither schedule.cron nor schedule.duration is set"},
	}

	for _, tc := range cases {
		t.Run(tc.scenario, func(t *testing.T) {
			t.Parallel()
			job, every, err := tc.given.Job()
			if tc.err != "" {
				require.ErrorIs(t, err, model.ErrSchedule)
				require.EqualError(t, err, "invalid schedule: "+tc.err)
				require.Nil(t, job)
				return
			}
			require.NoError(t, err)
			require.NotNil(t, job)
			require.Equal(t, tc.every, every)
		})
	}
}

func TestScheduleFromConfig(t *testing.T) {
	t.Parallel()
	const config = `
version: 0
data_dir: /var/lib/opsd
database: /var/lib/opsd/LancacheManager.db
datasources:
  - name: default
    log_path: /logs
workers: {}
cache: {}
reset: {}
api: {}
schedule:
  duration: PT10M
`
	cfg, err := model.LoadConfig(strings.NewReader(config))
	require.NoError(t, err)
	require.True(t, cfg.Schedule.IsEnabled())
	_, every, err := cfg.Schedule.Job()
	require.NoError(t, err)
	require.Equal(t, 10*time.Minute, every)
}
