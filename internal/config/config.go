// Copyright 2025 The Maestro Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads maestro's runtime configuration from environment
// variables.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// TransportType selects the Stream Transport backend.
type TransportType string

const (
	TransportLocal  TransportType = "local"
	TransportStream TransportType = "stream"
)

// PersonaConfig holds per-persona overrides for timeouts and retries.
type PersonaConfig struct {
	BaseTimeoutMS       int64
	MaxRetries          int // negative means unlimited
	BackoffIncrementMS  int64
}

// Config is maestro's fully resolved runtime configuration.
type Config struct {
	ProjectBase string

	DashboardAPIURL string
	DashboardAPIKey string

	AllowedPersonas []string

	TransportType TransportType
	StreamDBPath  string
	GroupPrefix   string
	BatchSize     int
	BlockMS       int

	BaseTimeoutMS      int64
	MaxRetries         int
	BackoffIncrementMS int64
	PersonaOverrides   map[string]PersonaConfig

	MaxInformationIterations int
	MaxInformationSources    int

	PlanMaxIterationsPerStage int

	TaskServiceTimeout time.Duration

	AllowWorkspaceGit bool

	VCSBinary string

	MetricsAddr string
}

// FromEnv builds a Config from the process environment. Defaults:
// 5 information-request iterations, 5 plan-approval iterations per
// stage, 5s task-service timeout, batch_size 1.
func FromEnv() *Config {
	cfg := &Config{
		ProjectBase:               getenv("PROJECT_BASE", "."),
		DashboardAPIURL:           firstNonEmpty(os.Getenv("DASHBOARD_API_URL"), os.Getenv("DASHBOARD_BASE_URL")),
		DashboardAPIKey:           os.Getenv("DASHBOARD_API_KEY"),
		AllowedPersonas:           splitCSV(os.Getenv("ALLOWED_PERSONAS")),
		TransportType:             TransportType(getenv("TRANSPORT_TYPE", string(TransportLocal))),
		StreamDBPath:              getenv("MAESTRO_STREAM_DB_PATH", "maestro-stream.db"),
		GroupPrefix:               getenv("MAESTRO_GROUP_PREFIX", "maestro"),
		BatchSize:                 getenvInt("MAESTRO_BATCH_SIZE", 1),
		BlockMS:                   getenvInt("MAESTRO_BLOCK_MS", 5000),
		BaseTimeoutMS:             getenvInt64("MAESTRO_BASE_TIMEOUT_MS", 60000),
		MaxRetries:                getenvInt("MAESTRO_MAX_RETRIES", 3),
		BackoffIncrementMS:        getenvInt64("MAESTRO_BACKOFF_INCREMENT_MS", 2000),
		PersonaOverrides:          map[string]PersonaConfig{},
		MaxInformationIterations: getenvInt("MAESTRO_MAX_INFORMATION_ITERATIONS", 5),
		MaxInformationSources:    getenvInt("MAESTRO_MAX_INFORMATION_SOURCES", 10),
		PlanMaxIterationsPerStage: getenvInt("MAESTRO_PLAN_MAX_ITERATIONS", 5),
		TaskServiceTimeout:        time.Duration(getenvInt("MAESTRO_TASK_SERVICE_TIMEOUT_MS", 5000)) * time.Millisecond,
		AllowWorkspaceGit:         getenvBool("MC_ALLOW_WORKSPACE_GIT", false),
		VCSBinary:                 getenv("MAESTRO_VCS_BINARY", "git"),
		MetricsAddr:               os.Getenv("MAESTRO_METRICS_ADDR"),
	}
	return cfg
}

// PersonaTimeout resolves the effective base timeout for a persona,
// falling back to the global default.
func (c *Config) PersonaTimeout(persona string) time.Duration {
	if p, ok := c.PersonaOverrides[persona]; ok && p.BaseTimeoutMS > 0 {
		return time.Duration(p.BaseTimeoutMS) * time.Millisecond
	}
	return time.Duration(c.BaseTimeoutMS) * time.Millisecond
}

// PersonaMaxRetries resolves the effective max-retries for a persona.
// A negative value means unlimited.
func (c *Config) PersonaMaxRetries(persona string) int {
	if p, ok := c.PersonaOverrides[persona]; ok && p.MaxRetries != 0 {
		return p.MaxRetries
	}
	return c.MaxRetries
}

// PersonaBackoffIncrement resolves the effective backoff increment.
func (c *Config) PersonaBackoffIncrement(persona string) time.Duration {
	if p, ok := c.PersonaOverrides[persona]; ok && p.BackoffIncrementMS > 0 {
		return time.Duration(p.BackoffIncrementMS) * time.Millisecond
	}
	return time.Duration(c.BackoffIncrementMS) * time.Millisecond
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func getenvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getenvInt64(key string, def int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func getenvBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func splitCSV(v string) []string {
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
