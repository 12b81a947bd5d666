// Package session runs BreakingPoint tests on behalf of host reservations.
//
// A Session belongs to one reservation. It loads a test configuration
// (uploading the test file and reserving the ports its interfaces need),
// starts and stops traffic, and fetches statistics, reports and test files.
package session

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/hopboxdev/bpshell/internal/bp"
	"github.com/hopboxdev/bpshell/internal/chassis"
	"github.com/hopboxdev/bpshell/internal/reservation"
	"github.com/hopboxdev/bpshell/internal/testmodel"
)

var (
	// ErrNotLoaded is returned by StartTraffic before a configuration is loaded.
	ErrNotLoaded = errors.New("no test configuration loaded")
	// ErrTestRunning is returned when the last run has not finished yet.
	ErrTestRunning = errors.New("a test is already running")
	// ErrNoTestRun is returned for results of a session that never started a test.
	ErrNoTestRun = errors.New("no test has been started")
	// ErrUnsupportedFormat is returned for an unknown statistics or report format.
	ErrUnsupportedFormat = errors.New("unsupported output format")
	// ErrClosed is returned by a session that was cleaned up.
	ErrClosed = errors.New("reservation session closed")
)

// Appliance is the appliance API a session uses. *bp.Client implements it.
type Appliance interface {
	testmodel.NetworkQuery
	Upload(ctx context.Context, path string) (string, error)
	StartTest(ctx context.Context, testName string, group int) (string, error)
	StopTest(ctx context.Context, testID string) error
	TestResult(ctx context.Context, testID string) (string, error)
	Statistics(ctx context.Context, testID, view string) (map[string]map[string]string, error)
	Report(ctx context.Context, testID, format string) ([]byte, error)
	ExportTest(ctx context.Context, testName string) ([]byte, error)
}

// Host is the host API a session uses. *host.Client implements it.
type Host interface {
	reservation.PortSource
	AttachFile(ctx context.Context, reservationID, name string, data []byte) error
	ReplaceAttachments(ctx context.Context, reservationID, name string, data []byte, stale func(name string) bool) error
}

// Options holds settings shared by every session.
type Options struct {
	ChassisAddress string
	PollInterval   time.Duration
	TrafficTimeout time.Duration // 0 waits for as long as ctx allows
	TestFilesDir   string
	Logger         *log.Logger
}

// LoadResult describes a loaded test configuration.
type LoadResult struct {
	Test    string         `json:"test"`
	Network string         `json:"network"`
	Group   int            `json:"group"`
	Ports   []chassis.Port `json:"ports"`
}

// StartResult describes a started test. Result is set when the start
// waited for the test to finish.
type StartResult struct {
	TestID string `json:"test_id"`
	Result string `json:"result,omitempty"`
}

// Statistics is one statistics view of the last run.
type Statistics struct {
	View       string                       `json:"view"`
	Format     string                       `json:"format"`
	Values     map[string]map[string]string `json:"values,omitempty"`
	CSV        string                       `json:"csv,omitempty"`
	Attachment string                       `json:"attachment,omitempty"`
}

// Attachment is a file attached to the reservation.
type Attachment struct {
	Name  string `json:"name"`
	Bytes int    `json:"bytes"`
}

// Session is the driver state of one reservation. Its methods are safe for
// concurrent use; commands run one at a time, except that a blocking
// StartTraffic lets other commands run while it waits.
type Session struct {
	id        string
	appliance Appliance
	host      Host
	helper    *reservation.Helper
	opts      Options
	logger    *log.Logger

	mu       sync.Mutex
	testName string // loaded test; empty when nothing is loaded
	network  string
	testID   string // last started run
	running  bool
	closed   bool
	stats    map[string]bool // statistics files attached to the reservation
}

func newSession(id string, appliance Appliance, host Host, alloc reservation.Allocator, opts Options) *Session {
	logger := opts.Logger.With("reservation", id)
	return &Session{
		id:        id,
		appliance: appliance,
		host:      host,
		helper:    reservation.New(id, opts.ChassisAddress, appliance, host, alloc, opts.Logger),
		opts:      opts,
		logger:    logger,
	}
}

// ID returns the reservation id.
func (s *Session) ID() string { return s.id }

// LoadConfiguration uploads the test file at path and reserves the ports its
// interfaces need. A relative path is taken from the test files directory.
func (s *Session) LoadConfiguration(ctx context.Context, path string) (*LoadResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrClosed
	}
	if s.running {
		if err := s.refreshRunning(ctx); err != nil {
			return nil, err
		}
		if s.running {
			return nil, ErrTestRunning
		}
	}

	if !filepath.IsAbs(path) {
		path = filepath.Join(s.opts.TestFilesDir, path)
	}
	model, err := testmodel.ParseFile(path)
	if err != nil {
		return nil, err
	}
	name, err := s.appliance.Upload(ctx, path)
	if err != nil {
		return nil, err
	}
	s.testName = ""

	group, err := s.helper.ReservePorts(ctx, model.Network, model.Interfaces)
	if err != nil {
		return nil, err
	}
	s.testName, s.network = name, model.Network
	s.logger.Info("configuration loaded", "test", name, "network", model.Network, "group", group)
	return &LoadResult{Test: name, Network: model.Network, Group: group, Ports: s.helper.ReservedPorts()}, nil
}

// StartTraffic starts the loaded test on the reservation's group. With
// blocking set it returns once the test is no longer running, or when ctx
// or the traffic timeout ends.
func (s *Session) StartTraffic(ctx context.Context, blocking bool) (*StartResult, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	group := s.helper.GroupID()
	if s.testName == "" || group == 0 {
		s.mu.Unlock()
		return nil, ErrNotLoaded
	}
	if s.running {
		if err := s.refreshRunning(ctx); err != nil {
			s.mu.Unlock()
			return nil, err
		}
		if s.running {
			s.mu.Unlock()
			return nil, ErrTestRunning
		}
	}
	id, err := s.appliance.StartTest(ctx, s.testName, group)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	s.testID, s.running = id, true
	s.logger.Info("traffic started", "test", s.testName, "group", group, "test_id", id)
	s.mu.Unlock()

	if !blocking {
		return &StartResult{TestID: id}, nil
	}

	result, err := s.wait(ctx, id)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	if s.testID == id {
		s.running = false
	}
	s.mu.Unlock()
	s.logger.Info("traffic finished", "test_id", id, "result", result)
	return &StartResult{TestID: id, Result: result}, nil
}

// wait polls the run until the appliance stops reporting it as incomplete.
func (s *Session) wait(ctx context.Context, testID string) (string, error) {
	if s.opts.TrafficTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.TrafficTimeout)
		defer cancel()
	}
	ticker := time.NewTicker(s.opts.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return "", fmt.Errorf("waiting for test %s: %w", testID, ctx.Err())
		case <-ticker.C:
		}
		result, err := s.appliance.TestResult(ctx, testID)
		if err != nil {
			return "", err
		}
		if result != bp.ResultIncomplete {
			return result, nil
		}
	}
}

// refreshRunning asks the appliance whether the last run is still going.
// The caller holds s.mu.
func (s *Session) refreshRunning(ctx context.Context) error {
	result, err := s.appliance.TestResult(ctx, s.testID)
	if err != nil {
		return err
	}
	s.running = result == bp.ResultIncomplete
	return nil
}

// StopTraffic stops the running test, if any, and releases the
// reservation's group and ports.
func (s *Session) StopTraffic(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	return s.stop(ctx)
}

func (s *Session) stop(ctx context.Context) error {
	if s.running {
		if err := s.refreshRunning(ctx); err != nil {
			return err
		}
	}
	if s.running {
		if err := s.appliance.StopTest(ctx, s.testID); err != nil {
			return err
		}
		s.running = false
		s.logger.Info("traffic stopped", "test_id", s.testID)
	}
	if err := s.helper.UnreservePorts(ctx); err != nil {
		return err
	}
	s.testName, s.network = "", ""
	return nil
}

// Close stops traffic and releases everything the reservation holds. The
// session is closed even when the appliance cannot be reached; later calls
// return ErrClosed.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.stop(ctx)
}

// GetStatistics fetches a statistics view of the last run. Format "json"
// returns the values; "csv" renders them as CSV and attaches the file
// "<view>.csv" to the reservation.
func (s *Session) GetStatistics(ctx context.Context, view, format string) (*Statistics, error) {
	testID, err := s.lastRun()
	if err != nil {
		return nil, err
	}
	if view == "" {
		view = "summary"
	}
	format = strings.ToLower(strings.TrimSpace(format))
	if format != "json" && format != "csv" {
		return nil, fmt.Errorf("%w %q: want json or csv", ErrUnsupportedFormat, format)
	}

	values, err := s.appliance.Statistics(ctx, testID, view)
	if err != nil {
		return nil, err
	}
	stats := &Statistics{View: view, Format: format}
	if format == "json" {
		stats.Values = values
		return stats, nil
	}

	text, err := renderCSV(values)
	if err != nil {
		return nil, err
	}
	name := sanitize(view) + ".csv"
	if err := s.host.AttachFile(ctx, s.id, name, []byte(text)); err != nil {
		return nil, err
	}
	s.mu.Lock()
	if s.stats == nil {
		s.stats = make(map[string]bool)
	}
	s.stats[name] = true
	s.mu.Unlock()
	stats.CSV, stats.Attachment = text, name
	return stats, nil
}

// GetResults downloads the report of the last run and attaches it to the
// reservation. Earlier attachments are removed, except the statistics files
// this session attached. The attachment is named after the environment, when
// given, and the test.
func (s *Session) GetResults(ctx context.Context, environment, format string) (*Attachment, error) {
	testID, err := s.lastRun()
	if err != nil {
		return nil, err
	}
	format = strings.ToLower(strings.TrimSpace(format))
	if format == "" {
		format = "pdf"
	}
	if !slices.Contains(bp.ReportFormats, format) {
		return nil, fmt.Errorf("%w %q: want one of %s", ErrUnsupportedFormat, format, strings.Join(bp.ReportFormats, ", "))
	}
	data, err := s.appliance.Report(ctx, testID, format)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	base := s.testName
	keep := maps.Clone(s.stats)
	s.mu.Unlock()
	if base == "" {
		base = testID
	}
	if environment != "" {
		base = environment + "_" + base
	}
	name := sanitize(base) + "." + format
	if err := s.host.ReplaceAttachments(ctx, s.id, name, data, func(old string) bool { return !keep[old] }); err != nil {
		return nil, err
	}
	return &Attachment{Name: name, Bytes: len(data)}, nil
}

// GetTestFile exports the named test from the appliance into the test
// files directory and returns the file path.
func (s *Session) GetTestFile(ctx context.Context, testName string) (string, error) {
	if strings.TrimSpace(testName) == "" {
		return "", errors.New("test name is required")
	}
	data, err := s.appliance.ExportTest(ctx, testName)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(s.opts.TestFilesDir, 0o755); err != nil {
		return "", fmt.Errorf("create test files dir: %w", err)
	}
	path := filepath.Join(s.opts.TestFilesDir, sanitize(testName)+".bpt")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write test file: %w", err)
	}
	s.logger.Info("test file exported", "test", testName, "path", path)
	return path, nil
}

func (s *Session) lastRun() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", ErrClosed
	}
	if s.testID == "" {
		return "", ErrNoTestRun
	}
	return s.testID, nil
}

// sanitize makes name safe to use as a file name.
func sanitize(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '.', r == '-', r == '_', r == '@':
			return r
		default:
			return '_'
		}
	}, strings.TrimSpace(name))
}
