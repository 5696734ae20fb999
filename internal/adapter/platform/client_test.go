package platform_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/klpoland/lti-tool-provider/internal/adapter/platform"
	"github.com/klpoland/lti-tool-provider/internal/domain/lti"
)

func TestFetchKeySet(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodGet, r.Method)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"keys":[{"kty":"RSA","kid":"kid-1","alg":"RS256","use":"sig","n":"sXch","e":"AQAB"}]}`))
	}))
	defer srv.Close()

	client := platform.NewHTTPClient(srv.Client())
	keySet, err := client.FetchKeySet(context.Background(), srv.URL)
	require.NoError(t, err)
	require.Len(t, keySet.Keys, 1)
	require.Equal(t, "kid-1", keySet.Keys[0].KeyID)
}

func TestFetchKeySetFailureStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	client := platform.NewHTTPClient(srv.Client())
	_, err := client.FetchKeySet(context.Background(), srv.URL)
	require.Error(t, err)
	require.Contains(t, err.Error(), "status=404")
}

func TestRequestAccessToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "application/x-www-form-urlencoded", r.Header.Get("Content-Type"))
		require.NoError(t, r.ParseForm())
		require.Equal(t, "client_credentials", r.PostForm.Get("grant_type"))
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(lti.TokenResponse{AccessToken: "granted", TokenType: "Bearer", ExpiresIn: 3600})
	}))
	defer srv.Close()

	form := url.Values{}
	form.Set("grant_type", "client_credentials")

	client := platform.NewHTTPClient(srv.Client())
	token, err := client.RequestAccessToken(context.Background(), srv.URL, form)
	require.NoError(t, err)
	require.Equal(t, "granted", token.AccessToken)
}

func TestPostScoreSetsMediaTypeAndBearer(t *testing.T) {
	var got lti.Score
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "application/vnd.ims.lis.v1.score+json", r.Header.Get("Content-Type"))
		require.Equal(t, "Bearer token-1", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client := platform.NewHTTPClient(srv.Client())
	err := client.PostScore(context.Background(), srv.URL, "token-1", lti.Score{
		UserID:       "user-1",
		ScoreGiven:   85,
		ScoreMaximum: 100,
	})
	require.NoError(t, err)
	require.Equal(t, "user-1", got.UserID)
}

func TestPostLineItemSetsMediaType(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "application/vnd.ims.lis.v2.lineitem+json", r.Header.Get("Content-Type"))
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	client := platform.NewHTTPClient(srv.Client())
	err := client.PostLineItem(context.Background(), srv.URL, "token-1", lti.LineItem{Label: "Quiz 1", ScoreMaximum: 50})
	require.NoError(t, err)
}
