// Package apiclient is the REST client for the alumni platform backend.
//
// Requests carry the session credential as a bearer token, run inside one
// trace span each and map non-2xx responses to *alumni.APIError.
package apiclient
