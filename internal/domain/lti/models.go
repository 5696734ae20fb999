package lti

import (
	"net/url"
	"time"
)

// Claim names defined by the IMS LTI 1.3 and LTI-AGS specifications.
const (
	ClaimMessageType         = "https://purl.imsglobal.org/spec/lti/claim/message_type"
	ClaimVersion             = "https://purl.imsglobal.org/spec/lti/claim/version"
	ClaimDeploymentID        = "https://purl.imsglobal.org/spec/lti/claim/deployment_id"
	ClaimTargetLinkURI       = "https://purl.imsglobal.org/spec/lti/claim/target_link_uri"
	ClaimResourceLink        = "https://purl.imsglobal.org/spec/lti/claim/resource_link"
	ClaimRoles               = "https://purl.imsglobal.org/spec/lti/claim/roles"
	ClaimDeepLinkingSettings = "https://purl.imsglobal.org/spec/lti-dl/claim/deep_linking_settings"
	ClaimAGSEndpoint         = "https://purl.imsglobal.org/spec/lti-ags/claim/endpoint"
)

// AGS scopes the tool requests when calling back into the platform.
const (
	ScopeScore     = "https://purl.imsglobal.org/spec/lti-ags/scope/score"
	ScopeLineItem  = "https://purl.imsglobal.org/spec/lti-ags/scope/lineitem"
	ScopeLineItems = "https://purl.imsglobal.org/spec/lti-ags/scope/lineitems"
)

// MessageTypeResourceLink is the only message type accepted outside deep linking.
const MessageTypeResourceLink = "LtiResourceLinkRequest"

// SupportedLTIVersion is the exact version string a launch must carry.
const SupportedLTIVersion = "1.3.0"

// AuthConfigMethodJWKSet marks platforms whose keys are fetched from a JWKS URL.
const AuthConfigMethodJWKSet = "JWK_SET"

// AuthConfig describes how launch tokens from a platform are verified.
type AuthConfig struct {
	Method  string `json:"method"`
	KeysURL string `json:"keys_url"`
}

// Platform is the registered metadata for a learning platform (issuer).
// At most one record exists per issuer; registration is idempotent and the
// existing record always wins.
type Platform struct {
	ID               int64      `json:"id"`
	Issuer           string     `json:"issuer"`
	Name             string     `json:"name"`
	ClientID         string     `json:"client_id"`
	AuthorizationURL string     `json:"authorization_url"`
	AccessTokenURL   string     `json:"access_token_url"`
	ServiceURL       string     `json:"service_url,omitempty"`
	RedirectURI      string     `json:"redirect_uri"`
	AuthConfig       AuthConfig `json:"auth_config"`
	CreatedAt        time.Time  `json:"created_at"`
}

// LoginRequest carries the OIDC third-party-initiated login parameters
// posted by the platform.
type LoginRequest struct {
	Issuer        string `form:"iss" json:"iss"`
	LoginHint     string `form:"login_hint" json:"login_hint"`
	TargetLinkURI string `form:"target_link_uri" json:"target_link_uri"`
	MessageHint   string `form:"lti_message_hint" json:"lti_message_hint,omitempty"`
	DeploymentID  string `form:"lti_deployment_id" json:"lti_deployment_id,omitempty"`
	ClientID      string `form:"client_id" json:"client_id,omitempty"`
}

// LoginResponse is the parameter set sent back to the platform's
// authorization endpoint.
type LoginResponse struct {
	Scope        string `json:"scope"`
	ResponseType string `json:"response_type"`
	ClientID     string `json:"client_id"`
	RedirectURI  string `json:"redirect_uri"`
	LoginHint    string `json:"login_hint"`
	State        string `json:"state"`
	ResponseMode string `json:"response_mode"`
	Nonce        string `json:"nonce"`
	Prompt       string `json:"prompt"`
	MessageHint  string `json:"lti_message_hint,omitempty"`
}

// ResourceLink identifies the platform resource the launch originates from.
type ResourceLink struct {
	ID          string `json:"id"`
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
}

// AGSEndpoint is the Assignment and Grade Services claim advertising the
// platform's line-item URLs and the scopes the tool may request.
type AGSEndpoint struct {
	Scope     []string `json:"scope"`
	LineItems string   `json:"lineitems,omitempty"`
	LineItem  string   `json:"lineitem,omitempty"`
}

// LaunchClaims is the typed projection of a verified launch id_token payload.
// Rules that depend on raw JSON types (aud shape, optional name fields) are
// evaluated against the raw claim map instead.
type LaunchClaims struct {
	Issuer        string         `json:"iss"`
	Subject       string         `json:"sub"`
	Nonce         string         `json:"nonce"`
	Name          string         `json:"name,omitempty"`
	GivenName     string         `json:"given_name,omitempty"`
	FamilyName    string         `json:"family_name,omitempty"`
	Email         string         `json:"email,omitempty"`
	MessageType   string         `json:"https://purl.imsglobal.org/spec/lti/claim/message_type"`
	Version       string         `json:"https://purl.imsglobal.org/spec/lti/claim/version"`
	DeploymentID  string         `json:"https://purl.imsglobal.org/spec/lti/claim/deployment_id"`
	TargetLinkURI string         `json:"https://purl.imsglobal.org/spec/lti/claim/target_link_uri"`
	ResourceLink  *ResourceLink  `json:"https://purl.imsglobal.org/spec/lti/claim/resource_link,omitempty"`
	Roles         []string       `json:"https://purl.imsglobal.org/spec/lti/claim/roles,omitempty"`
	DeepLinking   map[string]any `json:"https://purl.imsglobal.org/spec/lti-dl/claim/deep_linking_settings,omitempty"`
	Endpoint      *AGSEndpoint   `json:"https://purl.imsglobal.org/spec/lti-ags/claim/endpoint,omitempty"`
}

// IsDeepLink reports whether the launch is a deep-linking request.
func (c *LaunchClaims) IsDeepLink() bool {
	return c != nil && c.DeepLinking != nil
}

// LoginSession is the per-browser-session state threaded through the
// login/launch pipeline. DecodedLaunch is set at most once, after all
// validation rules pass.
type LoginSession struct {
	ID            string        `json:"id"`
	LoginRequest  LoginRequest  `json:"login_request"`
	LoginResponse LoginResponse `json:"login_response"`
	Platform      Platform      `json:"platform"`
	DecodedLaunch *LaunchClaims `json:"decoded_launch,omitempty"`
	RawPayload    url.Values    `json:"raw_payload,omitempty"`
	CodeVerifier  string        `json:"code_verifier,omitempty"`
	AuthState     string        `json:"auth_state,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
}

// KeyRecord is one entry in the tool's signing keystore. The private key is
// sealed with a key derived from the KID; records are never mutated.
type KeyRecord struct {
	ID                     int64     `json:"id"`
	KID                    string    `json:"kid"`
	PublicKeyPEM           string    `json:"public_key_pem"`
	EncryptedPrivateKeyPEM string    `json:"encrypted_private_key_pem"`
	Algorithm              string    `json:"algorithm"`
	Use                    string    `json:"use"`
	ExpiresAt              int64     `json:"exp"`
	CreatedAt              time.Time `json:"created_at"`
}

// JWK is the public projection of a KeyRecord, extended with the record's
// expiry so rotation consumers can filter.
type JWK struct {
	Alg string `json:"alg"`
	E   string `json:"e"`
	Kid string `json:"kid"`
	Kty string `json:"kty"`
	N   string `json:"n"`
	Use string `json:"use"`
	Exp int64  `json:"exp"`
}

// JWKS is the published key set.
type JWKS struct {
	Keys []JWK `json:"keys"`
}

// TokenResponse models the platform's access-token endpoint response.
type TokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
	Scope       string `json:"scope,omitempty"`
}

// Score is the AGS score payload posted to a line item's /scores endpoint.
type Score struct {
	UserID           string  `json:"userId"`
	ScoreGiven       float64 `json:"scoreGiven"`
	ScoreMaximum     float64 `json:"scoreMaximum"`
	Timestamp        string  `json:"timestamp"`
	ActivityProgress string  `json:"activityProgress"`
	GradingProgress  string  `json:"gradingProgress"`
}

// LineItem is the AGS line-item payload for creating gradable activities.
type LineItem struct {
	ScoreMaximum   float64   `json:"scoreMaximum"`
	Label          string    `json:"label"`
	ResourceLinkID string    `json:"resourceLinkId"`
	Tag            string    `json:"tag,omitempty"`
	StartDateTime  time.Time `json:"startDateTime,omitempty"`
	EndDateTime    time.Time `json:"endDateTime,omitempty"`
}

// ValidRoles is the minimum set of role URIs a non-empty roles claim must
// intersect, per LTI 1.3 (system, institution, and membership vocabularies).
var ValidRoles = []string{
	"http://purl.imsglobal.org/vocab/lis/v2/system/person#Administrator",
	"http://purl.imsglobal.org/vocab/lis/v2/system/person#None",
	"http://purl.imsglobal.org/vocab/lis/v2/institution/person#Administrator",
	"http://purl.imsglobal.org/vocab/lis/v2/institution/person#Faculty",
	"http://purl.imsglobal.org/vocab/lis/v2/institution/person#Guest",
	"http://purl.imsglobal.org/vocab/lis/v2/institution/person#None",
	"http://purl.imsglobal.org/vocab/lis/v2/institution/person#Other",
	"http://purl.imsglobal.org/vocab/lis/v2/institution/person#Staff",
	"http://purl.imsglobal.org/vocab/lis/v2/institution/person#Student",
	"http://purl.imsglobal.org/vocab/lis/v2/membership#Administrator",
	"http://purl.imsglobal.org/vocab/lis/v2/membership#ContentDeveloper",
	"http://purl.imsglobal.org/vocab/lis/v2/membership#Instructor",
	"http://purl.imsglobal.org/vocab/lis/v2/membership#Learner",
	"http://purl.imsglobal.org/vocab/lis/v2/membership#Mentor",
}
