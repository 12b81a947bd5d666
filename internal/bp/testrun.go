package bp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strings"
)

// ResultIncomplete is the result the appliance reports for a running test.
const ResultIncomplete = "incomplete"

// Upload sends a test file to the appliance, replacing any test of the same
// name, and returns the test name the appliance stored it under.
func (c *Client) Upload(ctx context.Context, path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read test file: %w", err)
	}
	name := filepath.Base(path)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", name)
	if err != nil {
		return "", err
	}
	if _, err := fw.Write(data); err != nil {
		return "", err
	}
	if err := mw.WriteField("fileName", name); err != nil {
		return "", err
	}
	if err := mw.WriteField("force", "true"); err != nil {
		return "", err
	}
	if err := mw.Close(); err != nil {
		return "", err
	}

	raw, err := c.callWithLogin(ctx, http.MethodPost, "/bps/upload", &body{contentType: mw.FormDataContentType(), data: buf.Bytes()})
	if err != nil {
		return "", fmt.Errorf("upload %s: %w", name, err)
	}
	var resp struct {
		Result string `json:"result"`
	}
	if err := decodeJSON(raw, &resp); err != nil {
		return "", fmt.Errorf("upload %s: %w", name, err)
	}
	if resp.Result == "" {
		return strings.TrimSuffix(name, filepath.Ext(name)), nil
	}
	return resp.Result, nil
}

// StartTest starts the named test on group and returns the run id.
func (c *Client) StartTest(ctx context.Context, testName string, group int) (string, error) {
	req := map[string]any{"modelname": testName, "group": group}
	var resp struct {
		TestID string `json:"testid"`
	}
	if err := c.do(ctx, http.MethodPost, "/bps/tests/operations/start", req, &resp); err != nil {
		return "", fmt.Errorf("start test %s: %w", testName, err)
	}
	if resp.TestID == "" {
		return "", fmt.Errorf("start test %s: appliance returned no test id", testName)
	}
	return resp.TestID, nil
}

// StopTest stops a running test.
func (c *Client) StopTest(ctx context.Context, testID string) error {
	if err := c.do(ctx, http.MethodPost, "/bps/tests/operations/stop", map[string]string{"testid": testID}, nil); err != nil {
		return fmt.Errorf("stop test %s: %w", testID, err)
	}
	return nil
}

// TestResult returns the result of a run: "incomplete" while it runs, then
// the appliance's verdict.
func (c *Client) TestResult(ctx context.Context, testID string) (string, error) {
	var resp struct {
		Result string `json:"result"`
	}
	if err := c.do(ctx, http.MethodPost, "/bps/tests/operations/result", map[string]string{"runid": testID}, &resp); err != nil {
		return "", fmt.Errorf("test %s result: %w", testID, err)
	}
	return strings.ToLower(strings.TrimSpace(resp.Result)), nil
}

// Statistics returns the real-time statistics group view of a run, keyed by
// timestamp then counter name.
func (c *Client) Statistics(ctx context.Context, testID, view string) (map[string]map[string]string, error) {
	req := map[string]string{"runid": testID, "statsGroup": view}
	var resp struct {
		Values map[string]map[string]string `json:"values"`
	}
	if err := c.do(ctx, http.MethodPost, "/bps/tests/operations/getrts", req, &resp); err != nil {
		return nil, fmt.Errorf("statistics %s of %s: %w", view, testID, err)
	}
	if resp.Values == nil {
		return nil, errors.New("appliance returned no statistics")
	}
	return resp.Values, nil
}

// ReportFormats lists the formats Report accepts.
var ReportFormats = []string{"pdf", "csv", "rtf", "html", "xml", "zip"}

// Report downloads the report of a finished run in the given format.
func (c *Client) Report(ctx context.Context, testID, format string) ([]byte, error) {
	format = strings.ToLower(strings.TrimSpace(format))
	if !slices.Contains(ReportFormats, format) {
		return nil, fmt.Errorf("report format %q: want one of %s", format, strings.Join(ReportFormats, ", "))
	}
	data, err := c.callWithLogin(ctx, http.MethodGet, "/bps/export/report/"+url.PathEscape(testID)+"/"+format, nil)
	if err != nil {
		return nil, fmt.Errorf("report %s: %w", testID, err)
	}
	return data, nil
}

// ExportTest downloads the named test as a test file.
func (c *Client) ExportTest(ctx context.Context, testName string) ([]byte, error) {
	data, err := c.callWithLogin(ctx, http.MethodGet, "/bps/export/bpt/testname/"+url.PathEscape(testName), nil)
	if err != nil {
		return nil, fmt.Errorf("export %s: %w", testName, err)
	}
	return data, nil
}

func decodeJSON(raw []byte, out any) error {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	return json.Unmarshal(raw, out)
}
