// Package extractor fetches state vectors from the flight-data provider and
// lays them out as a column-named raw table.
package extractor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/cyderes/flight-ingestion-service/internal/config"
	"github.com/cyderes/flight-ingestion-service/internal/etlerr"
	"github.com/cyderes/flight-ingestion-service/internal/models"
)

// Clock supplies the wall-clock time used to compute the query window.
type Clock interface {
	Now() time.Time
}

// ClockFunc adapts a function to Clock.
type ClockFunc func() time.Time

func (f ClockFunc) Now() time.Time { return f() }

// SystemClock reads time.Now.
var SystemClock Clock = ClockFunc(time.Now)

const bodySnippetLen = 256

// Extractor performs the single provider request of a run
type Extractor struct {
	config     config.ExtractConfig
	clock      Clock
	httpClient *http.Client
	logger     *zap.Logger
}

// New creates an extractor. A nil clock uses SystemClock and a nil logger discards output.
func New(cfg config.ExtractConfig, clock Clock, logger *zap.Logger) *Extractor {
	if clock == nil {
		clock = SystemClock
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = config.DefaultTimeout
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = config.DefaultMaxBodyBytes
	}
	return &Extractor{
		config: cfg,
		clock:  clock,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		logger: logger.Named("extractor"),
	}
}

// Window returns the [begin, end] query window in Unix seconds.
func (e *Extractor) Window() (begin, end int64) {
	now := e.clock.Now()
	return now.Add(-e.config.Window).Unix(), now.Unix()
}

// Extract fetches the current state vectors. A response without states
// yields an empty table, not an error.
func (e *Extractor) Extract(ctx context.Context) (*models.RawTable, error) {
	begin, end := e.Window()

	raw, err := e.fetch(ctx, begin, end)
	if err != nil {
		e.logger.Error("extract failed",
			zap.String("kind", etlerr.KindOf(err).String()),
			zap.Bool("timeout", IsTimeout(err)),
			zap.Int64("begin", begin),
			zap.Int64("end", end),
			zap.Error(err))
		return nil, err
	}

	e.logger.Info("fetched state vectors",
		zap.Int("rows", raw.Len()),
		zap.Int64("begin", begin),
		zap.Int64("end", end),
		zap.Int64("response_time", raw.ResponseTime))
	return raw, nil
}

func (e *Extractor) fetch(ctx context.Context, begin, end int64) (*models.RawTable, error) {
	reqURL, err := e.requestURL(begin, end)
	if err != nil {
		return nil, etlerr.Network(etlerr.StageExtract, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, etlerr.Network(etlerr.StageExtract, fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Accept", "application/json")
	if e.config.UserAgent != "" {
		req.Header.Set("User-Agent", e.config.UserAgent)
	}
	if e.config.Username != "" && e.config.Password != "" {
		req.SetBasicAuth(e.config.Username, e.config.Password)
	}

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, etlerr.Network(etlerr.StageExtract, fmt.Errorf("failed to make request: %w", err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, e.config.MaxBodyBytes+1))
	if err != nil {
		return nil, etlerr.Network(etlerr.StageExtract, fmt.Errorf("failed to read response body: %w", err))
	}

	if resp.StatusCode != http.StatusOK {
		return nil, etlerr.Network(etlerr.StageExtract,
			fmt.Errorf("API returned status %d: %s", resp.StatusCode, snippet(body)))
	}
	if int64(len(body)) > e.config.MaxBodyBytes {
		return nil, etlerr.Network(etlerr.StageExtract,
			fmt.Errorf("response exceeds %d bytes", e.config.MaxBodyBytes))
	}

	raw, err := ParseStates(body)
	if err != nil {
		return nil, etlerr.Parse(etlerr.StageExtract, err)
	}
	return raw, nil
}

func (e *Extractor) requestURL(begin, end int64) (string, error) {
	u, err := url.Parse(e.config.APIEndpoint)
	if err != nil {
		return "", fmt.Errorf("invalid api endpoint %q: %w", e.config.APIEndpoint, err)
	}
	q := u.Query()
	q.Set("begin", strconv.FormatInt(begin, 10))
	q.Set("end", strconv.FormatInt(end, 10))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// ParseStates decodes a states response body into a raw table. Numbers are
// kept as json.Number so integer epochs survive untouched.
func ParseStates(body []byte) (*models.RawTable, error) {
	var envelope models.StatesResponse
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&envelope); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}

	raw := &models.RawTable{
		Columns: models.StateVectorColumns,
		Rows:    make([][]any, 0, len(envelope.States)),
	}
	if envelope.Time != "" {
		t, err := envelope.Time.Int64()
		if err != nil {
			return nil, fmt.Errorf("invalid response time %q: %w", envelope.Time, err)
		}
		raw.ResponseTime = t
	}

	width := len(raw.Columns)
	for i, element := range envelope.States {
		var fields []any
		elemDec := json.NewDecoder(bytes.NewReader(element))
		elemDec.UseNumber()
		if err := elemDec.Decode(&fields); err != nil {
			return nil, fmt.Errorf("state %d is not an array: %w", i, err)
		}
		if fields == nil {
			return nil, fmt.Errorf("state %d is null", i)
		}

		row := make([]any, width)
		copy(row, fields)
		raw.Rows = append(raw.Rows, row)
	}

	return raw, nil
}

func snippet(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > bodySnippetLen {
		s = s[:bodySnippetLen] + "..."
	}
	if s == "" {
		return "<empty body>"
	}
	return s
}

// IsTimeout reports whether err came from the client timeout or a context deadline.
func IsTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne interface{ Timeout() bool }
	return errors.As(err, &ne) && ne.Timeout()
}
