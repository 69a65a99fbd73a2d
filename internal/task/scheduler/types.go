package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	logx "rotabot/pkg/logx"
)

type Config struct {
	Timezone string // IANA TZ, e.g. "Asia/Kolkata"; empty means local
	// StartupSpread delays the first run of interval jobs by up to 30s.
	StartupSpread bool
}

// Job is one periodic unit of work.
type Job func(ctx context.Context) error

type jobDef struct {
	name    string
	spec    string
	timeout time.Duration
	job     Job
	entryID cron.EntryID
	jitter  time.Duration

	runs     uint64
	failures uint64
	lastRun  time.Time
	lastTook time.Duration
	lastErr  string
}

type Service struct {
	mu sync.Mutex

	log    logx.Logger
	cfg    Config
	loc    *time.Location
	parser cron.Parser

	ctx  context.Context
	c    *cron.Cron
	defs []*jobDef
}

type JobInfo struct {
	Name     string        `json:"name"`
	Spec     string        `json:"spec"`
	Next     time.Time     `json:"next,omitzero"`
	Prev     time.Time     `json:"prev,omitzero"`
	Runs     uint64        `json:"runs"`
	Failures uint64        `json:"failures"`
	LastTook time.Duration `json:"last_took"`
	LastErr  string        `json:"last_err,omitempty"`
}

type Snapshot struct {
	Timezone string    `json:"timezone"`
	Running  bool      `json:"running"`
	Jobs     []JobInfo `json:"jobs"`
}
