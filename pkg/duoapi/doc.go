// Package duoapi implements a signed client for the Duo Auth API v2.
//
// Every request carries an HMAC-SHA512 signature over a canonical
// serialization of the request (date, method, host, path, parameters).
// The upstream verifies the signature independently, so canonicalization
// must be deterministic and reproducible bit-for-bit: the same logical
// parameter set always serializes to identical bytes, in any key
// insertion order.
//
// # Usage
//
// Build a client and drive an authentication:
//
//	client, err := duoapi.NewClient(duoapi.Credentials{
//	    IntegrationKey: ikey,
//	    SecretKey:      skey,
//	    APIHost:        "api-xxxxxxxx.duosecurity.com",
//	})
//	pre, err := client.Preauth(ctx, duoapi.PreauthRequest{Username: "alice"})
//	tx, err := client.Auth(ctx, duoapi.AuthRequest{Username: "alice", Factor: "push", Device: "auto"})
//	st, err := client.AuthStatus(ctx, tx.TxID)
//
// Read-style calls (Ping, Check, Preauth, AuthStatus) are retried with
// bounded exponential backoff on transient failure. Auth is never silently
// retried: it initiates a challenge, and a duplicate would send a second
// physical notification to the principal.
//
// The client also validates response freshness: a response whose embedded
// timestamp falls outside the configured skew window is rejected with
// ErrStaleResponse regardless of transport-level success, defending against
// replay of captured responses.
package duoapi
