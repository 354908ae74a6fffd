// Package nova talks to the astrometry.net web API.
package nova

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"resty.dev/v3"

	"platesolver/internal/config"
	"platesolver/internal/solve"
	"platesolver/internal/wcs"
)

// Job states reported by /api/jobs/{id}.
const (
	JobSolving = "solving"
	JobSuccess = "success"
	JobFailure = "failure"
)

// ErrNoAPIKey is returned by Login when no key is configured.
var ErrNoAPIKey = errors.New("nova: no API key configured (set nova.api_key or PLATESOLVER_NOVA__API_KEY)")

// APIError is an {"status": "error"} reply.
type APIError struct {
	Endpoint string
	Message  string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("nova %s: %s", e.Endpoint, e.Message)
}

// sessionExpired matches replies such as `no session with key "..."`.
func (e *APIError) sessionExpired() bool {
	return e.Endpoint != "login" && strings.Contains(strings.ToLower(e.Message), "session")
}

// HTTPError is a non-2xx reply.
type HTTPError struct {
	Endpoint   string
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("nova %s: HTTP %d: %s", e.Endpoint, e.StatusCode, truncate(e.Body, 200))
}

// UploadOptions are the per-submission settings sent with every upload.
type UploadOptions struct {
	PubliclyVisible    string
	AllowModifications string
	AllowCommercialUse string
	ScaleUnits         string
	ScaleLower         float64
	ScaleUpper         float64
}

// SubmissionStatus is the reply of /api/submissions/{id}. Jobs holds nil
// entries until the service has queued the job.
type SubmissionStatus struct {
	ProcessingStarted  string `json:"processing_started"`
	ProcessingFinished string `json:"processing_finished"`
	Jobs               []*int `json:"jobs"`
	UserImages         []int  `json:"user_images"`
}

// FirstJob returns the first job id that has been assigned.
func (s SubmissionStatus) FirstJob() (int, bool) {
	for _, j := range s.Jobs {
		if j != nil {
			return *j, true
		}
	}
	return 0, false
}

// Client implements solve.Solver against nova.astrometry.net.
type Client struct {
	http         *resty.Client
	apiKey       string
	solveTimeout time.Duration
	pollInterval time.Duration
	upload       UploadOptions
	log          *slog.Logger

	mu      sync.Mutex
	session string
	jobs    map[solve.Handle]int
	uploads map[string]solve.Handle

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// New builds a client from the nova config section.
func New(cfg config.Nova, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	httpClient := resty.New().
		SetBaseURL(strings.TrimRight(cfg.URL, "/")).
		SetTimeout(cfg.HTTPTimeout)
	return &Client{
		http:         httpClient,
		apiKey:       cfg.APIKey,
		solveTimeout: cfg.SolveTimeout,
		pollInterval: cfg.PollInterval,
		upload: UploadOptions{
			PubliclyVisible:    cfg.PubliclyVisible,
			AllowModifications: "d",
			AllowCommercialUse: "d",
			ScaleUnits:         cfg.ScaleUnits,
			ScaleLower:         cfg.ScaleLower,
			ScaleUpper:         cfg.ScaleUpper,
		},
		log:     logger,
		jobs:    make(map[solve.Handle]int),
		uploads: make(map[string]solve.Handle),
		now:     time.Now,
		sleep:   sleepContext,
	}
}

// Close releases idle connections.
func (c *Client) Close() error {
	return c.http.Close()
}

// Login exchanges the API key for a session key. The session is cached
// until the service reports it expired.
func (c *Client) Login(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session != "" {
		return c.session, nil
	}
	if c.apiKey == "" {
		return "", ErrNoAPIKey
	}
	payload, _ := json.Marshal(map[string]string{"apikey": c.apiKey})
	res, err := c.http.R().
		SetContext(ctx).
		SetFormData(map[string]string{"request-json": string(payload)}).
		Post("/api/login")
	var reply struct {
		Session string `json:"session"`
	}
	if err := decode("login", res, err, &reply); err != nil {
		return "", err
	}
	if reply.Session == "" {
		return "", &APIError{Endpoint: "login", Message: "no session in reply"}
	}
	c.session = reply.Session
	c.log.Debug("nova session established")
	return c.session, nil
}

// Upload sends image and returns the submission id. An expired session is
// renewed once.
func (c *Client) Upload(ctx context.Context, image string) (solve.Handle, error) {
	session, err := c.Login(ctx)
	if err != nil {
		return "", err
	}
	h, err := c.uploadWithSession(ctx, session, image)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.sessionExpired() {
		c.log.Info("nova session expired, logging in again")
		c.dropSession(session)
		if session, err = c.Login(ctx); err != nil {
			return "", err
		}
		h, err = c.uploadWithSession(ctx, session, image)
	}
	if err != nil {
		return "", err
	}
	c.log.Info("nova upload accepted", "image", image, "submission", h)
	return h, nil
}

func (c *Client) dropSession(session string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == session {
		c.session = ""
	}
}

func (c *Client) uploadWithSession(ctx context.Context, session, image string) (solve.Handle, error) {
	f, err := os.Open(image)
	if err != nil {
		return "", fmt.Errorf("opening image: %w", err)
	}
	defer f.Close()

	payload, _ := json.Marshal(c.uploadArgs(session))
	res, err := c.http.R().
		SetContext(ctx).
		SetMultipartFormData(map[string]string{"request-json": string(payload)}).
		SetFileReader("file", filepath.Base(image), f).
		Post("/api/upload")
	var reply struct {
		SubID json.Number `json:"subid"`
	}
	if err := decode("upload", res, err, &reply); err != nil {
		return "", err
	}
	if reply.SubID == "" {
		return "", &APIError{Endpoint: "upload", Message: "no subid in reply"}
	}
	return solve.Handle(reply.SubID.String()), nil
}

func (c *Client) uploadArgs(session string) map[string]any {
	args := map[string]any{
		"session":              session,
		"publicly_visible":     c.upload.PubliclyVisible,
		"allow_modifications":  c.upload.AllowModifications,
		"allow_commercial_use": c.upload.AllowCommercialUse,
	}
	if c.upload.ScaleUnits != "" {
		args["scale_units"] = c.upload.ScaleUnits
		args["scale_type"] = "ul"
		args["scale_lower"] = c.upload.ScaleLower
		args["scale_upper"] = c.upload.ScaleUpper
	}
	return args
}

// SubmissionStatus fetches the state of submission h.
func (c *Client) SubmissionStatus(ctx context.Context, h solve.Handle) (SubmissionStatus, error) {
	var st SubmissionStatus
	res, err := c.http.R().SetContext(ctx).Get("/api/submissions/" + string(h))
	if err := decode("submissions", res, err, &st); err != nil {
		return SubmissionStatus{}, err
	}
	return st, nil
}

// JobStatus returns one of JobSolving, JobSuccess or JobFailure.
func (c *Client) JobStatus(ctx context.Context, jobID int) (string, error) {
	res, err := c.http.R().SetContext(ctx).Get("/api/jobs/" + strconv.Itoa(jobID))
	var reply struct {
		Status string `json:"status"`
	}
	if err := decode("jobs", res, err, &reply); err != nil {
		return "", err
	}
	return reply.Status, nil
}

// WCSHeader downloads the solved header of a successful job.
func (c *Client) WCSHeader(ctx context.Context, jobID int) (wcs.Header, error) {
	res, err := c.http.R().SetContext(ctx).Get("/wcs_file/" + strconv.Itoa(jobID))
	if err != nil {
		return nil, fmt.Errorf("nova wcs_file: %w", err)
	}
	if res.IsError() {
		return nil, &HTTPError{Endpoint: "wcs_file", StatusCode: res.StatusCode(), Body: res.String()}
	}
	// String() trims the space padding of the FITS records.
	h, err := wcs.ReadHeader(bytes.NewReader(res.Bytes()))
	if err != nil {
		return nil, fmt.Errorf("nova wcs_file %d: %w", jobID, err)
	}
	return h, nil
}

// JobID returns the job assigned to submission h, once known.
func (c *Client) JobID(h solve.Handle) (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id, ok := c.jobs[h]
	return id, ok
}

// Submit uploads image and waits up to the solve timeout for an answer.
func (c *Client) Submit(ctx context.Context, image string) (wcs.Header, error) {
	h, err := c.Upload(ctx, image)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.uploads[image] = h
	c.mu.Unlock()
	return c.monitor(ctx, h)
}

// HandleFor returns the submission of the latest upload of image.
func (c *Client) HandleFor(image string) (solve.Handle, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	h, ok := c.uploads[image]
	return h, ok
}

// Poll waits up to the solve timeout for submission h.
func (c *Client) Poll(ctx context.Context, h solve.Handle) (wcs.Header, error) {
	return c.monitor(ctx, h)
}

// monitor returns the header on success, an empty header on failure, and a
// *solve.TimeoutError once the solve timeout has elapsed.
func (c *Client) monitor(ctx context.Context, h solve.Handle) (wcs.Header, error) {
	deadline := c.now().Add(c.solveTimeout)
	for {
		jobID, ok := c.JobID(h)
		if !ok {
			st, err := c.SubmissionStatus(ctx, h)
			if err != nil {
				return nil, err
			}
			if jobID, ok = st.FirstJob(); ok {
				c.mu.Lock()
				c.jobs[h] = jobID
				c.mu.Unlock()
				c.log.Debug("nova job assigned", "submission", h, "job", jobID)
			}
		}
		if ok {
			status, err := c.JobStatus(ctx, jobID)
			if err != nil {
				return nil, err
			}
			switch status {
			case JobSuccess:
				return c.WCSHeader(ctx, jobID)
			case JobFailure:
				return wcs.Header{}, nil
			}
		}

		if !c.now().Before(deadline) {
			return nil, &solve.TimeoutError{Handle: h, After: c.solveTimeout}
		}
		if err := c.sleep(ctx, c.pollInterval); err != nil {
			return nil, err
		}
	}
}

// decode checks the transport error, HTTP status and nova status field,
// then unmarshals the body into v.
func decode(endpoint string, res *resty.Response, err error, v any) error {
	if err != nil {
		return fmt.Errorf("nova %s: %w", endpoint, err)
	}
	body := res.String()
	if res.IsError() {
		return &HTTPError{Endpoint: endpoint, StatusCode: res.StatusCode(), Body: body}
	}
	var status struct {
		Status       string `json:"status"`
		ErrorMessage string `json:"errormessage"`
	}
	if err := json.Unmarshal([]byte(body), &status); err != nil {
		return fmt.Errorf("nova %s: decoding reply: %w", endpoint, err)
	}
	if status.Status == "error" {
		return &APIError{Endpoint: endpoint, Message: status.ErrorMessage}
	}
	if err := json.Unmarshal([]byte(body), v); err != nil {
		return fmt.Errorf("nova %s: decoding reply: %w", endpoint, err)
	}
	return nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
