// Package fetch implements the dual-mode fetch layer: the HTTP engine
// and browser engine behind a single Engine contract, modeled as a
// capability set rather than an inheritance hierarchy.
package fetch

import (
	"context"
	"fmt"

	"github.com/digster-labs/sheetcrawler/internal/config"
	"github.com/digster-labs/sheetcrawler/internal/proxypool"
)

// BehaviorContext is threaded down from the site crawler through an
// EngineRequest so the browser engine can hand it to the behavior
// controller without relying on a global.
type BehaviorContext struct {
	CategorySelector string
	CategoryURL      string
	BaseURL          string
	RootURL          string
}

// EngineRequest is the input to Engine.Fetch.
type EngineRequest struct {
	URL             string
	WaitConditions  []config.Condition
	StopConditions  []config.Condition
	BehaviorContext *BehaviorContext
}

// BehaviorTrace is an ordered record of human-like actions performed on
// a page in browser mode.
type BehaviorTrace struct {
	Actions []BehaviorAction
}

// BehaviorAction is one entry of a BehaviorTrace.
type BehaviorAction struct {
	Name     string
	Duration float64 // seconds
}

// FetchResult is the output of a successful Engine.Fetch call.
type FetchResult struct {
	FinalURL      string
	HTML          string
	Status        int
	EgressUsed    string // proxy identifier, or "direct"
	BehaviorTrace *BehaviorTrace
	StopTriggered *config.Condition // set when a stop condition fired
}

// ErrorKind enumerates the error taxonomy surfaced to the logger.
type ErrorKind string

const (
	KindConfigInvalid     ErrorKind = "ConfigInvalid"
	KindTransportError    ErrorKind = "TransportError"
	KindHTTPStatusError   ErrorKind = "HttpStatusError"
	KindNavigationBusy    ErrorKind = "NavigationBusy"
	KindExtractionEmpty   ErrorKind = "ExtractionEmpty"
	KindBehaviorError     ErrorKind = "BehaviorError"
	KindImageSaveError    ErrorKind = "ImageSaveError"
	KindSheetAppendError  ErrorKind = "SheetAppendError"
	KindStateStoreError   ErrorKind = "StateStoreError"
	KindProxyPoolExhausted ErrorKind = "ProxyPoolExhausted"
)

// FetchError is the typed error surfaced once a retry ladder is exhausted.
type FetchError struct {
	Kind       ErrorKind
	StatusCode int
	URL        string
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("fetch: %s (status %d) for %s: %v", e.Kind, e.StatusCode, e.URL, e.Err)
	}
	return fmt.Sprintf("fetch: %s for %s: %v", e.Kind, e.URL, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// Engine is the capability both the HTTP and browser engines satisfy.
// The content fetcher and image saver accept this interface, never a
// concrete engine type.
type Engine interface {
	Fetch(ctx context.Context, req EngineRequest) (*FetchResult, error)
	Close() error
}

// retryDelays returns a precomputed slice of per-attempt backoff delays
// in seconds, repeating the last configured value once the policy's list
// runs out.
func retryDelays(policy config.RetryPolicy, attempts int) []int {
	delays := make([]int, attempts)
	for i := range delays {
		if len(policy.BackoffSec) == 0 {
			delays[i] = 0
			continue
		}
		idx := i
		if idx >= len(policy.BackoffSec) {
			idx = len(policy.BackoffSec) - 1
		}
		delays[i] = policy.BackoffSec[idx]
	}
	return delays
}

// outcomeFor classifies a raw fetch error/status into a proxypool.Outcome.
func outcomeFor(statusCode int, err error) proxypool.Outcome {
	switch {
	case statusCode == 403:
		return proxypool.OutcomeHTTP403
	case err != nil:
		return proxypool.OutcomeTransportError
	default:
		return proxypool.OutcomeOK
	}
}
