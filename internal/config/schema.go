package config

import (
	"fmt"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
)

const schemaSource = `
#Config: {
	app_dir:           string & != ""
	storage:           "file" | "sqlite"
	workers:           int & >=1 & <=64
	max_retries:       int & >=0
	page_size:         int & >=1 & <=1000
	admin_types:       [...string & != ""]
	resource_types:    [...string & != ""] & [_, ...]
	subscriptions_dir: string
	remote: fixture:   string
	metrics_addr:      string
	log: {
		level:        "debug" | "info" | "warn" | "error"
		format:       "text" | "json"
		file:         string
		max_size_mb:  int & >=0
		max_backups:  int & >=0
		max_age_days: int & >=0
		compress:     bool
	}
}
`

// schemaView is the CUE-checked part of Config. Durations are checked in Go.
type schemaView struct {
	AppDir           string   `json:"app_dir"`
	Storage          string   `json:"storage"`
	Workers          int      `json:"workers"`
	MaxRetries       int      `json:"max_retries"`
	PageSize         int      `json:"page_size"`
	AdminTypes       []string `json:"admin_types"`
	ResourceTypes    []string `json:"resource_types"`
	SubscriptionsDir string   `json:"subscriptions_dir"`
	Remote           struct {
		Fixture string `json:"fixture"`
	} `json:"remote"`
	MetricsAddr string `json:"metrics_addr"`
	Log         struct {
		Level      string `json:"level"`
		Format     string `json:"format"`
		File       string `json:"file"`
		MaxSizeMB  int    `json:"max_size_mb"`
		MaxBackups int    `json:"max_backups"`
		MaxAgeDays int    `json:"max_age_days"`
		Compress   bool   `json:"compress"`
	} `json:"log"`
}

func newSchemaView(c *Config) schemaView {
	v := schemaView{
		AppDir:           c.AppDir,
		Storage:          c.Storage,
		Workers:          c.Workers,
		MaxRetries:       c.MaxRetries,
		PageSize:         c.PageSize,
		AdminTypes:       nonNil(c.AdminTypes),
		ResourceTypes:    nonNil(c.ResourceTypes),
		SubscriptionsDir: c.SubscriptionsDir,
		MetricsAddr:      c.MetricsAddr,
	}
	v.Remote.Fixture = c.Remote.Fixture
	v.Log.Level = strings.ToLower(c.Log.Level)
	v.Log.Format = c.Log.Format
	v.Log.File = c.Log.File
	v.Log.MaxSizeMB = c.Log.MaxSizeMB
	v.Log.MaxBackups = c.Log.MaxBackups
	v.Log.MaxAgeDays = c.Log.MaxAgeDays
	v.Log.Compress = c.Log.Compress
	return v
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func validateSchema(c *Config) error {
	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaSource).LookupPath(cue.ParsePath("#Config"))
	if err := schema.Err(); err != nil {
		return fmt.Errorf("compile config schema: %w", err)
	}
	v := schema.Unify(ctx.Encode(newSchemaView(c)))
	if err := v.Validate(cue.Concrete(true)); err != nil {
		var msgs []string
		for _, e := range cueerrors.Errors(err) {
			msgs = append(msgs, e.Error())
		}
		return fmt.Errorf("%s", strings.Join(msgs, "; "))
	}
	return nil
}
