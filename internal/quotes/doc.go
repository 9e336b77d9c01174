// Package quotes implements the Quote Fetcher.
//
// Client talks to the quote provider's REST API, one symbol per request.
// Every attempt, including retries, first takes a token from a shared rate
// limiter so the whole run stays under the provider's request budget.
//
// Fetcher fans a roster out over a bounded worker pool. A symbol that cannot
// be fetched is recorded in the failure report instead of failing the run;
// only cancellation or a run with no quotes at all fails the stage.
package quotes
