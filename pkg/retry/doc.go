// Package retry provides exponential backoff retry logic for transient failures.
//
// Do runs an operation up to MaxAttempts times, sleeping between attempts with an
// exponentially growing, optionally jittered delay. Errors wrapped with NonRetryable
// stop the loop immediately:
//
//	body, err := retry.DoWithResult(ctx, cfg, func() ([]byte, error) {
//	    resp, err := client.Do(req)
//	    if err != nil {
//	        return nil, err
//	    }
//	    if resp.StatusCode == http.StatusNotFound {
//	        return nil, retry.NonRetryable(errNotFound)
//	    }
//	    ...
//	})
//
// Backoff is the same delay sequence without the loop; reconnecting sources keep one
// per connection loop and Reset it after every successful connection.
package retry
