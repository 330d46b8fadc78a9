package health

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/majorcontext/rewind/internal/execx"
)

// maxBody caps how much of an HTTP response is read for body matching.
const maxBody = 1 << 20

// Defaults are the per-type probe timeouts.
type Defaults struct {
	HTTP    time.Duration
	Command time.Duration
	Port    time.Duration
}

// Options configures a Checker. Zero values get usable defaults.
type Options struct {
	Defaults Defaults
	Client   *http.Client
	Runner   execx.Runner
	Dialer   *net.Dialer
}

// Checker evaluates probes.
type Checker struct {
	defaults Defaults
	client   *http.Client
	runner   execx.Runner
	dialer   *net.Dialer
}

// NewChecker builds a Checker.
func NewChecker(opts Options) *Checker {
	c := &Checker{
		defaults: opts.Defaults,
		client:   opts.Client,
		runner:   opts.Runner,
		dialer:   opts.Dialer,
	}
	if c.defaults.HTTP <= 0 {
		c.defaults.HTTP = 10 * time.Second
	}
	if c.defaults.Command <= 0 {
		c.defaults.Command = 30 * time.Second
	}
	if c.defaults.Port <= 0 {
		c.defaults.Port = 5 * time.Second
	}
	if c.client == nil {
		c.client = &http.Client{
			// Redirects are followed; the final status is what gets compared.
			Transport: http.DefaultTransport,
		}
	}
	if c.runner == nil {
		c.runner = execx.System{}
	}
	if c.dialer == nil {
		c.dialer = &net.Dialer{}
	}
	return c
}

// Verify runs every spec against target and reports whether all passed.
//
// Probes run concurrently, each under its own timeout, and never
// short-circuit: results has one entry per spec in the order supplied.
func (c *Checker) Verify(ctx context.Context, target Target, specs []Spec) (bool, []Result) {
	results := make([]Result, len(specs))

	var g errgroup.Group
	for i, spec := range specs {
		g.Go(func() error {
			results[i] = c.probe(ctx, target, spec)
			return nil
		})
	}
	_ = g.Wait()

	allPassed := true
	for _, r := range results {
		if !r.Passed {
			allPassed = false
		}
	}
	return allPassed, results
}

func (c *Checker) probe(ctx context.Context, target Target, spec Spec) Result {
	res := Result{Name: spec.Name, Type: spec.Type, StartedAt: time.Now()}
	if res.Name == "" {
		res.Name = string(spec.Type)
	}

	if err := spec.Validate(); err != nil {
		res.Outcome = OutcomeError
		res.Error = err.Error()
		res.Elapsed = time.Since(res.StartedAt)
		return res
	}

	ctx, cancel := context.WithTimeout(ctx, spec.timeout(c.defaults))
	defer cancel()

	switch spec.Type {
	case ProbeHTTP:
		c.probeHTTP(ctx, target, spec, &res)
	case ProbeCommand:
		c.probeCommand(ctx, spec, &res)
	case ProbePort:
		c.probePort(ctx, target, spec, &res)
	}

	res.Elapsed = time.Since(res.StartedAt)
	res.Passed = res.Outcome == OutcomePass
	return res
}

func (c *Checker) probeHTTP(ctx context.Context, target Target, spec Spec, res *Result) {
	want := spec.ExpectStatus
	if want == 0 {
		want = http.StatusOK
	}
	res.Expected = strconv.Itoa(want)
	if spec.BodyContains != "" {
		res.Expected += fmt.Sprintf(" body~%q", spec.BodyContains)
	}

	u, err := resolveURL(target, spec)
	if err != nil {
		setError(res, err)
		return
	}
	method := spec.Method
	if method == "" {
		method = http.MethodGet
	}
	req, err := http.NewRequestWithContext(ctx, method, u, nil)
	if err != nil {
		setError(res, err)
		return
	}
	resp, err := c.client.Do(req)
	if err != nil {
		setError(res, err)
		return
	}
	defer resp.Body.Close()

	res.Observed = strconv.Itoa(resp.StatusCode)
	if resp.StatusCode != want {
		res.Outcome = OutcomeFail
		return
	}
	if spec.BodyContains != "" {
		body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
		if err != nil {
			setError(res, fmt.Errorf("reading body: %w", err))
			return
		}
		if !strings.Contains(string(body), spec.BodyContains) {
			res.Observed += " body mismatch"
			res.Outcome = OutcomeFail
			return
		}
	}
	res.Outcome = OutcomePass
}

func resolveURL(target Target, spec Spec) (string, error) {
	if spec.URL != "" {
		return spec.URL, nil
	}
	if target.BaseURL == "" {
		return "", fmt.Errorf("relative path %q but no base URL for target", spec.Path)
	}
	base, err := url.Parse(target.BaseURL)
	if err != nil {
		return "", fmt.Errorf("parsing base URL: %w", err)
	}
	ref, err := url.Parse(spec.Path)
	if err != nil {
		return "", fmt.Errorf("parsing path: %w", err)
	}
	return base.ResolveReference(ref).String(), nil
}

func (c *Checker) probeCommand(ctx context.Context, spec Spec, res *Result) {
	res.Expected = "exit " + strconv.Itoa(spec.ExpectExitCode)

	out, err := c.runner.Run(ctx, spec.Command[0], spec.Command[1:]...)
	var exitErr *execx.ExitError
	switch {
	case err == nil:
	case errors.As(err, &exitErr):
		out = exitErr.Output
	default:
		setError(res, err)
		return
	}

	res.Observed = "exit " + strconv.Itoa(out.ExitCode)
	if out.ExitCode != spec.ExpectExitCode {
		res.Outcome = OutcomeFail
		if msg := strings.TrimSpace(out.Stderr); msg != "" {
			res.Error = msg
		}
		return
	}
	res.Outcome = OutcomePass
}

func (c *Checker) probePort(ctx context.Context, target Target, spec Spec, res *Result) {
	host := spec.Host
	if host == "" {
		host = target.Host
	}
	if host == "" {
		setError(res, errors.New("no host for port probe"))
		return
	}
	addr := net.JoinHostPort(host, strconv.Itoa(spec.Port))
	res.Expected = "open " + addr

	conn, err := c.dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		// A refused connection is a clean answer; anything else means we could not check.
		if isRefused(err) {
			res.Observed = "refused"
			res.Outcome = OutcomeFail
			res.Error = err.Error()
			return
		}
		setError(res, err)
		return
	}
	_ = conn.Close()
	res.Observed = "open"
	res.Outcome = OutcomePass
}

func setError(res *Result, err error) {
	res.Outcome = OutcomeError
	res.Error = err.Error()
	if errors.Is(err, context.DeadlineExceeded) {
		res.Observed = "timeout"
	}
}
