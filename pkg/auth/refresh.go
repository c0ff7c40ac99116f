package auth

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/oauth2"
)

// TokenResponse is the outcome of a refresh_token grant.
type TokenResponse struct {
	AccessToken  string
	TokenType    string
	ExpiresIn    int64
	RefreshToken string
	Scope        string
}

// Refresher exchanges refresh tokens at the configured OAuth token endpoint.
type Refresher struct {
	endpoint string
	client   *http.Client
}

// NewRefresher builds a refresh client. A zero timeout defaults to 5s.
func NewRefresher(endpoint string, timeout time.Duration) *Refresher {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Refresher{
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
	}
}

// Refresh performs the refresh_token grant. The endpoint decides the new
// token's scope; RFC 6749 keeps it no broader than the original grant.
func (r *Refresher) Refresh(ctx context.Context, refreshToken string, scopes []string) (*TokenResponse, error) {
	conf := &oauth2.Config{
		Endpoint: oauth2.Endpoint{TokenURL: r.endpoint},
		Scopes:   scopes,
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, r.client)
	tok, err := conf.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		return nil, fmt.Errorf("refresh token grant: %w", err)
	}

	tr := &TokenResponse{
		AccessToken: tok.AccessToken,
		TokenType:   tok.TokenType,
		ExpiresIn:   tok.ExpiresIn,
	}
	if tr.ExpiresIn == 0 && !tok.Expiry.IsZero() {
		tr.ExpiresIn = int64(time.Until(tok.Expiry).Seconds())
	}
	// Empty unless the endpoint rotated the refresh token; callers keep
	// their stored token in that case.
	if tok.RefreshToken != refreshToken {
		tr.RefreshToken = tok.RefreshToken
	}
	if scope, ok := tok.Extra("scope").(string); ok {
		tr.Scope = scope
	}
	return tr, nil
}
