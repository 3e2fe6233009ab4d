package indexpoller

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// HTTPFetcher implements Fetcher against the upstream index's unauthenticated
// JSON event-log and description endpoints. Transient failures (5xx,
// timeouts, rate-limit responses) are retried with exponential backoff
// per §4.4 step 5 ("back off and retry; never raise") rather than
// propagated on the first failure.
type HTTPFetcher struct {
	client      *http.Client
	eventsURL   string // %d substituted with afterSerial
	descURLBase string // package name appended
}

// NewHTTPFetcher builds a Fetcher. eventsURLTemplate must contain exactly
// one "%d" for the starting serial.
func NewHTTPFetcher(client *http.Client, eventsURLTemplate, descURLBase string) *HTTPFetcher {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPFetcher{client: client, eventsURL: eventsURLTemplate, descURLBase: descURLBase}
}

type rawEvent struct {
	Package   string  `json:"package"`
	Version   string  `json:"version"`
	Timestamp float64 `json:"timestamp"`
	Action    string  `json:"action"`
	Serial    int64   `json:"serial"`
}

// FetchEvents retrieves events after afterSerial, retrying transient
// failures with capped exponential backoff.
func (f *HTTPFetcher) FetchEvents(ctx context.Context, afterSerial int64) ([]Event, error) {
	url := fmt.Sprintf(f.eventsURL, afterSerial)

	var events []Event
	op := func() error {
		raws, retryable, err := f.fetchEventsOnce(ctx, url)
		if err != nil {
			if retryable {
				return err // backoff.Retry only retries non-permanent errors
			}
			return backoff.Permanent(err)
		}
		events = make([]Event, 0, len(raws))
		for _, r := range raws {
			events = append(events, Event{
				Package:   r.Package,
				Version:   r.Version,
				Timestamp: time.Unix(int64(r.Timestamp), 0).UTC(),
				Action:    r.Action,
				Serial:    r.Serial,
			})
		}
		return nil
	}

	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 5), ctx)
	if err := backoff.Retry(op, bo); err != nil {
		return nil, fmt.Errorf("indexpoller: fetch events: %w", err)
	}
	return events, nil
}

func (f *HTTPFetcher) fetchEventsOnce(ctx context.Context, url string) ([]rawEvent, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, false, fmt.Errorf("build request: %w", err)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, true, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		var raws []rawEvent
		if err := json.NewDecoder(resp.Body).Decode(&raws); err != nil {
			return nil, false, fmt.Errorf("decode response: %w", err)
		}
		return raws, false, nil
	case resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode >= 500:
		return nil, true, fmt.Errorf("transient upstream status %d", resp.StatusCode)
	default:
		return nil, false, fmt.Errorf("unexpected upstream status %d", resp.StatusCode)
	}
}

type rawDescription struct {
	Summary string `json:"summary"`
}

// FetchDescription retrieves the short human description side channel
// for pkg, with bounded retries; callers treat any returned error as
// non-fatal (§4.4: "failures are non-fatal (empty description)").
func (f *HTTPFetcher) FetchDescription(ctx context.Context, pkg string) (string, error) {
	url := f.descURLBase + pkg + "/json"

	var desc string
	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		resp, err := f.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusNotFound {
			return backoff.Permanent(fmt.Errorf("no description for %s", pkg))
		}
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("transient status %d", resp.StatusCode)
		}
		var raw rawDescription
		if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
			return backoff.Permanent(err)
		}
		desc = raw.Summary
		return nil
	}

	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), ctx)
	if err := backoff.Retry(op, bo); err != nil {
		return "", fmt.Errorf("indexpoller: fetch description for %s: %w", pkg, err)
	}
	return desc, nil
}
