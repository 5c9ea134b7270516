// README: Bench cases for infra and the HTTP API; property cases live in properties.go.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"regexp"
	"slices"
	"strings"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

const (
	StatusPass    = "PASS"
	StatusFail    = "FAIL"
	StatusPending = "PENDING"
	StatusSkip    = "SKIP"
)

type Runner struct {
	cfg   Config
	httpc *http.Client
	db    *pgxpool.Pool
	redis *redis.Client
}

type Result struct {
	Name    string
	Status  string
	Latency time.Duration
	Note    string
}

type TestCase struct {
	Name  string
	Focus string
	Run   func(ctx context.Context, r *Runner) Result
}

func NewRunner(cfg Config) *Runner {
	return &Runner{
		cfg:   cfg,
		httpc: &http.Client{Timeout: 10 * time.Second},
	}
}

// RunAll connects to whatever infra is configured, then runs every case in order.
func (r *Runner) RunAll(ctx context.Context) []Result {
	cases := r.propertyCases()
	if !r.cfg.Offline {
		r.connect(ctx)
		defer r.disconnect()
		cases = append(append(r.infraCases(), r.apiCases()...), cases...)
	}

	results := make([]Result, 0, len(cases))
	for _, tc := range cases {
		res := tc.Run(ctx, r)
		res.Name = tc.Name
		results = append(results, res)
		line := fmt.Sprintf("%-7s %s", res.Status, res.Name)
		if res.Latency > 0 {
			line += " (" + res.Latency.String() + ")"
		}
		if res.Note != "" {
			line += " - " + res.Note
		}
		fmt.Println(line)
	}
	return results
}

func (r *Runner) connect(ctx context.Context) {
	if r.cfg.DSN != "" {
		if pool, err := pgxpool.New(ctx, r.cfg.DSN); err == nil {
			r.db = pool
		}
	}
	if r.cfg.RedisAddr != "" {
		r.redis = redis.NewClient(&redis.Options{Addr: r.cfg.RedisAddr})
	}
}

func (r *Runner) disconnect() {
	if r.db != nil {
		r.db.Close()
	}
	if r.redis != nil {
		_ = r.redis.Close()
	}
}

func (r *Runner) infraCases() []TestCase {
	return []TestCase{
		probe("Env: Postgres connect", "registry database reachable", func(ctx context.Context, r *Runner) error {
			if r.db == nil {
				return errors.New("db not configured")
			}
			return r.db.Ping(ctx)
		}),
		probe("Env: Redis connect", "coordination store reachable", func(ctx context.Context, r *Runner) error {
			if r.redis == nil {
				return errors.New("redis not configured")
			}
			return r.redis.Ping(ctx).Err()
		}),
		{
			Name:  "Migration: tables exist",
			Focus: "tables from the init migration are present",
			Run: func(ctx context.Context, r *Runner) Result {
				if r.db == nil {
					return Result{Status: StatusFail, Note: "db not configured"}
				}
				tables, err := migrationTables(r.cfg.MigrationPath)
				if err != nil {
					return Result{Status: StatusFail, Note: err.Error()}
				}
				var missing []string
				err = r.db.QueryRow(ctx,
					`SELECT coalesce(array_agg(t), '{}') FROM unnest($1::text[]) AS t WHERE to_regclass(t) IS NULL`,
					tables,
				).Scan(&missing)
				if err != nil {
					return Result{Status: StatusFail, Note: err.Error()}
				}
				if len(missing) > 0 {
					return Result{Status: StatusPending, Note: "missing tables " + strings.Join(missing, ",") + " (run cmd/migrate)"}
				}
				return Result{Status: StatusPass, Note: fmt.Sprintf("tables=%d", len(tables))}
			},
		},
	}
}

// probe wraps a reachability check with a short deadline and timing.
func probe(name, focus string, check func(context.Context, *Runner) error) TestCase {
	return TestCase{
		Name:  name,
		Focus: focus,
		Run: func(ctx context.Context, r *Runner) Result {
			ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
			defer cancel()
			start := time.Now()
			if err := check(ctx, r); err != nil {
				return Result{Status: StatusFail, Note: err.Error()}
			}
			return Result{Status: StatusPass, Latency: time.Since(start)}
		},
	}
}

func (r *Runner) apiCases() []TestCase {
	base := r.cfg.BaseURL
	request := func(service, urgency string) map[string]any {
		return map[string]any{
			"request": map[string]any{
				"id":                       "bench-" + urgency,
				"service":                  service,
				"location":                 map[string]float64{"lat": benchCenter.Lat, "lng": benchCenter.Lng},
				"requested_at":             benchTime.Format(time.RFC3339),
				"urgency":                  urgency,
				"estimated_duration_hours": 2,
			},
			"limit": 5,
		}
	}

	return []TestCase{
		httpCase("API: health", http.MethodGet, base+"/health", nil, false, []int{200}, []int{503}),
		httpCase("API: metrics exposed", http.MethodGet, base+"/metrics", nil, false, []int{200}, []int{404}),
		httpCase("API: match without token -> 401", http.MethodPost, base+"/api/matches", request("plumbing", "standard"), false, []int{401}, nil),
		httpCase("API: match (standard)", http.MethodPost, base+"/api/matches", request("plumbing", "standard"), true, []int{200}, nil),
		httpCase("API: match (emergency)", http.MethodPost, base+"/api/matches", request("plumbing", "emergency"), true, []int{200}, nil),
		httpCase("API: match bad coordinates -> 400", http.MethodPost, base+"/api/matches", map[string]any{
			"request": map[string]any{"service": "plumbing", "location": map[string]float64{"lat": 123, "lng": 456}},
		}, true, []int{400}, nil),
		httpCase("API: batch", http.MethodPost, base+"/api/matches/batch", map[string]any{
			"requests": []any{request("plumbing", "standard")["request"], request("electrical", "urgent")["request"]},
			"limit":    3,
		}, true, []int{200}, nil),
		httpCase("API: unknown dispatch -> 404", http.MethodGet, base+"/api/dispatches/does-not-exist", nil, true, []int{404}, nil),
		{
			Name:  "Perf: match throughput",
			Focus: "authenticated /api/matches under concurrency",
			Run: func(ctx context.Context, r *Runner) Result {
				if r.cfg.Token == "" {
					return Result{Status: StatusSkip, Note: "no token"}
				}
				return perfLoad(ctx, r, base+"/api/matches", request("plumbing", "standard"))
			},
		},
	}
}

func httpCase(name, method, url string, body any, authed bool, okStatuses, pendingStatuses []int) TestCase {
	return TestCase{
		Name:  name,
		Focus: "HTTP API",
		Run: func(ctx context.Context, r *Runner) Result {
			if authed && r.cfg.Token == "" {
				return Result{Status: StatusSkip, Note: "no token"}
			}
			req, err := newRequest(ctx, method, url, body)
			if err != nil {
				return Result{Status: StatusFail, Note: err.Error()}
			}
			if authed {
				req.Header.Set("Authorization", "Bearer "+r.cfg.Token)
			}
			start := time.Now()
			resp, err := r.httpc.Do(req)
			if err != nil {
				return Result{Status: StatusFail, Note: err.Error()}
			}
			_, _ = io.Copy(io.Discard, resp.Body)
			_ = resp.Body.Close()
			latency := time.Since(start)

			note := fmt.Sprintf("status=%d", resp.StatusCode)
			switch {
			case slices.Contains(okStatuses, resp.StatusCode):
				return Result{Status: StatusPass, Latency: latency, Note: note}
			case slices.Contains(pendingStatuses, resp.StatusCode):
				return Result{Status: StatusPending, Latency: latency, Note: note}
			}
			return Result{Status: StatusFail, Latency: latency, Note: note}
		},
	}
}

func newRequest(ctx context.Context, method, url string, body any) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

// perfLoad posts payload from cfg.Concurrency workers for cfg.Duration.
func perfLoad(ctx context.Context, r *Runner, url string, payload any) Result {
	body, err := json.Marshal(payload)
	if err != nil {
		return Result{Status: StatusFail, Note: err.Error()}
	}
	ctx, cancel := context.WithTimeout(ctx, r.cfg.Duration)
	defer cancel()

	var ok, failed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	for w := 0; w < r.cfg.Concurrency; w++ {
		g.Go(func() error {
			for gctx.Err() == nil {
				req, err := http.NewRequestWithContext(gctx, http.MethodPost, url, bytes.NewReader(body))
				if err != nil {
					return err
				}
				req.Header.Set("Content-Type", "application/json")
				req.Header.Set("Authorization", "Bearer "+r.cfg.Token)
				resp, err := r.httpc.Do(req)
				if err != nil {
					if gctx.Err() == nil {
						failed.Add(1)
					}
					continue
				}
				_, _ = io.Copy(io.Discard, resp.Body)
				_ = resp.Body.Close()
				if resp.StatusCode == http.StatusOK {
					ok.Add(1)
				} else {
					failed.Add(1)
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Result{Status: StatusFail, Note: err.Error()}
	}

	if ok.Load() == 0 {
		return Result{Status: StatusFail, Note: fmt.Sprintf("no request succeeded, errors=%d", failed.Load())}
	}
	return Result{Status: StatusPass, Note: fmt.Sprintf("rps=%.1f errors=%d", float64(ok.Load())/r.cfg.Duration.Seconds(), failed.Load())}
}

// migrationTables lists the CREATE TABLE targets in a migration file.
func migrationTables(path string) ([]string, error) {
	sql, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var tables []string
	for _, m := range createTable.FindAllSubmatch(sql, -1) {
		tables = append(tables, string(m[1]))
	}
	if len(tables) == 0 {
		return nil, fmt.Errorf("%s declares no tables", path)
	}
	return tables, nil
}

var createTable = regexp.MustCompile(`(?i)create\s+table\s+(?:if\s+not\s+exists\s+)?(\w+)`)
