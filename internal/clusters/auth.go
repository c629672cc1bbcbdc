package clusters

import (
	"encoding/base64"
	"errors"
	"strings"

	"github.com/dreamware/clusters/internal/cluster"
)

// Causes of a rejected credential.
var (
	ErrMalformedCredential = errors.New("malformed credential")
	ErrUnknownStereo       = errors.New("unknown stereo")
	ErrWrongPasscode       = errors.New("wrong passcode")
)

// defaultPasscode is accepted only when both names are the configured defaults.
const defaultPasscode = "lemon"

// AuthError rejects a connection. It matches its cause and cluster.ErrInvalid.
type AuthError struct {
	Cause error
	Msg   string
}

func (e *AuthError) Error() string { return e.Msg }

func (e *AuthError) Unwrap() []error { return []error{e.Cause, cluster.ErrInvalid} }

func authError(cause error, msg string) error {
	return &AuthError{Cause: cause, Msg: msg}
}

// Credential is the identity a connection claimed. ID is empty when the
// peer asked for a fresh node id.
type Credential struct {
	ID      string `json:"id"`
	Stereo  string `json:"stereo"`
	Cluster string `json:"cluster"`
}

// Authorize checks a "Basic base64(principal:passcode)" credential.
// The principal is "stereo", "stereo/nodeId" or "cluster/stereo/nodeId".
func (c *Clusters) Authorize(authorization string) (*Credential, error) {
	authorization = strings.TrimSpace(strings.Join(strings.Fields(authorization), " "))
	if authorization == "" {
		return nil, authError(ErrMalformedCredential, "@authorization is required!")
	}
	encoded, ok := strings.CutPrefix(authorization, "Basic ")
	if !ok {
		return nil, authError(ErrMalformedCredential, "@authorization is invalid - only Basic is supported!")
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
	if err != nil {
		return nil, authError(ErrMalformedCredential, "@authorization is invalid - "+err.Error())
	}

	uid, pass, _ := strings.Cut(string(raw), ":")
	uid, pass = strings.TrimSpace(uid), strings.TrimSpace(pass)

	var name, stereo, id string
	if strings.Index(uid, "/") > 0 {
		tokens := strings.Split(uid, "/")
		if len(tokens) > 3 {
			tokens = tokens[:3]
		}
		if len(tokens) < 3 {
			tokens = append([]string{""}, tokens...)
		}
		name, stereo, id = tokens[0], tokens[1], tokens[2]
	} else {
		stereo = uid
	}
	if name == "" {
		name = c.cfg.DefaultCluster
	}
	stereo = strings.TrimSpace(stereo)
	if stereo == "" {
		return nil, authError(ErrMalformedCredential, "@stereo is required!")
	}

	secret := c.cfg.Secret(stereo)
	if secret == "" {
		secret = c.cfg.Secret(name)
	}
	if secret == "" && stereo == c.cfg.DefaultStereo && name == c.cfg.DefaultCluster {
		secret = defaultPasscode
	}
	if secret == "" {
		return nil, authError(ErrUnknownStereo, "@stereo["+stereo+"] (string) is invalid - check env:AUTH_"+strings.ToUpper(stereo)+"_PASS")
	}
	if pass != secret {
		return nil, authError(ErrWrongPasscode, "@pass (string) is invalid - stereo:"+stereo)
	}
	return &Credential{ID: strings.TrimSpace(id), Stereo: stereo, Cluster: name}, nil
}

// AuthCause names the cause of an authorization failure for metrics.
func AuthCause(err error) string {
	switch {
	case errors.Is(err, ErrMalformedCredential):
		return "malformed"
	case errors.Is(err, ErrUnknownStereo):
		return "unknown-stereo"
	case errors.Is(err, ErrWrongPasscode):
		return "wrong-passcode"
	default:
		return "other"
	}
}
