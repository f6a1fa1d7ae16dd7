// Package fetch retrieves and classifies single pages from the storefront.
package fetch

import (
	"context"
	"crypto/tls"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/websfactory/oliveyoung-product-collector/internal/config"
	"github.com/websfactory/oliveyoung-product-collector/internal/identity"
	"github.com/websfactory/oliveyoung-product-collector/internal/ratelimit"
)

// Outcome is the classified result of one fetch.
type Outcome struct {
	Status   Status
	HTTPCode int
	Body     []byte
	Elapsed  time.Duration
}

// maxBodyBytes bounds how much of a response the fetcher will buffer.
const maxBodyBytes = 8 << 20

// NewHTTPClient creates the HTTP client with pooled connections.
func NewHTTPClient(cfg config.HTTPClientConfig, timeout time.Duration, logger *zap.Logger) *http.Client {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          cfg.MaxIdleConns,
		MaxIdleConnsPerHost:   cfg.MaxIdleConnsPerHost,
		IdleConnTimeout:       cfg.IdleConnTimeout,
		TLSHandshakeTimeout:   cfg.TLSHandshakeTimeout,
		ResponseHeaderTimeout: cfg.ResponseHeaderTimeout,
		DisableKeepAlives:     cfg.DisableKeepAlives,
		TLSClientConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
		},
	}

	client := &http.Client{
		Transport: transport,
		Timeout:   timeout,
	}

	logger.Info("HTTP client created with connection pooling",
		zap.Int("max_idle_conns", cfg.MaxIdleConns),
		zap.Int("max_idle_conns_per_host", cfg.MaxIdleConnsPerHost),
		zap.Duration("timeout", timeout))

	return client
}

// Fetcher fetches one logical resource per call under rate control and
// reports block signals to the identity pool before returning.
type Fetcher struct {
	client           *http.Client
	classifier       Classifier
	pool             *identity.Pool
	rate             *ratelimit.Controller
	referer          string
	transientRetries int
	logger           *zap.Logger
}

// NewFetcher creates a page fetcher.
func NewFetcher(client *http.Client, classifier Classifier, pool *identity.Pool, rate *ratelimit.Controller, referer string, transientRetries int, logger *zap.Logger) *Fetcher {
	if transientRetries < 0 {
		transientRetries = 0
	}

	return &Fetcher{
		client:           client,
		classifier:       classifier,
		pool:             pool,
		rate:             rate,
		referer:          referer,
		transientRetries: transientRetries,
		logger:           logger,
	}
}

// Fetch GETs a URL with the given identity.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string, id identity.Identity) (Outcome, error) {
	return f.do(ctx, http.MethodGet, rawURL, "", id)
}

// PostForm POSTs form data to a URL with the given identity.
func (f *Fetcher) PostForm(ctx context.Context, rawURL string, form url.Values, id identity.Identity) (Outcome, error) {
	return f.do(ctx, http.MethodPost, rawURL, form.Encode(), id)
}

func (f *Fetcher) do(ctx context.Context, method, rawURL, body string, id identity.Identity) (Outcome, error) {
	var outcome Outcome

	// Transient outcomes are retried immediately on the same identity, with
	// each attempt still paying the rate controller's delay.
	for attempt := 0; ; attempt++ {
		if err := f.rate.Permit(ctx, id.Name); err != nil {
			return Outcome{}, err
		}

		var err error
		outcome, err = f.once(ctx, method, rawURL, body, id)
		if err != nil {
			return Outcome{}, err
		}

		if outcome.Status != StatusTransient || attempt >= f.transientRetries {
			break
		}

		f.logger.Warn("Transient fetch error, retrying",
			zap.String("url", rawURL),
			zap.String("identity", id.Name),
			zap.Int("attempt", attempt+1),
			zap.Int("http_code", outcome.HTTPCode))
	}

	switch outcome.Status {
	case StatusOK:
		f.pool.Report(id.Name, identity.OutcomeSuccess)
		f.rate.ReportSuccess(id.Name)
	case StatusBlocked:
		// Always reported before the outcome propagates, so the cooldown
		// and widened delay are in place for the next caller.
		f.pool.Report(id.Name, identity.OutcomeBlocked)
		f.rate.ReportBlock(id.Name)
		f.logger.Warn("Block signal received",
			zap.String("url", rawURL),
			zap.String("identity", id.Name),
			zap.Int("http_code", outcome.HTTPCode))
	}

	return outcome, nil
}

// once performs a single HTTP exchange. Transport failures classify as
// TRANSIENT with code 0 instead of surfacing as raw errors.
func (f *Fetcher) once(ctx context.Context, method, rawURL, body string, id identity.Identity) (Outcome, error) {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, reader)
	if err != nil {
		return Outcome{}, err
	}

	req.Header.Set("User-Agent", id.UserAgent)
	for k, v := range id.Headers {
		req.Header.Set(k, v)
	}
	if f.referer != "" {
		req.Header.Set("Referer", f.referer)
	}
	if method == http.MethodPost {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	if id.Token != "" {
		req.AddCookie(&http.Cookie{Name: "aws-waf-token", Value: id.Token})
	}

	start := time.Now()
	resp, err := f.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return Outcome{}, ctx.Err()
		}
		f.logger.Debug("Transport failure",
			zap.String("url", rawURL),
			zap.Error(err))
		return Outcome{Status: StatusTransient, Elapsed: time.Since(start)}, nil
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return Outcome{Status: StatusTransient, HTTPCode: resp.StatusCode, Elapsed: time.Since(start)}, nil
	}

	return Outcome{
		Status:   f.classifier.Classify(resp.StatusCode, data),
		HTTPCode: resp.StatusCode,
		Body:     data,
		Elapsed:  time.Since(start),
	}, nil
}
