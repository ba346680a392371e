package domain

import "context"

// QuoteSource is an upstream quote provider. Implementations may return a partial map;
// a missing instrument is not an error.
type QuoteSource interface {
	FetchQuotes(ctx context.Context, instruments []Instrument) (map[string]QuoteUpdate, error)
}

// Feed is a background quote collector supervised by the session scheduler.
type Feed interface {
	Start(ctx context.Context) error
	Stop()
	Running() bool
}
