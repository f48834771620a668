package secrets

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Reference is a parsed secret location. Both sm://name and secret://name are accepted; the optional
// query parameters version and project override the pinned version and the default project.
type Reference struct {
	Name    string
	Version string
	Project string
}

// ParseReference parses a secret reference such as sm://stripe_api_key?version=3.
func ParseReference(raw string) (Reference, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Reference{}, errors.New("secrets: empty reference")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return Reference{}, fmt.Errorf("secrets: invalid reference %q: %w", raw, err)
	}
	if u.Scheme != "sm" && u.Scheme != "secret" {
		return Reference{}, fmt.Errorf("secrets: unsupported scheme %q", u.Scheme)
	}
	name := strings.Trim(u.Host+u.Path, "/")
	if name == "" {
		return Reference{}, fmt.Errorf("secrets: missing secret name in %q", raw)
	}
	query := u.Query()
	return Reference{
		Name:    name,
		Version: strings.TrimSpace(query.Get("version")),
		Project: strings.TrimSpace(query.Get("project")),
	}, nil
}

// Key identifies the secret independent of version and scheme.
func (r Reference) Key() string {
	if r.Project != "" {
		return r.Project + "/" + r.Name
	}
	return r.Name
}

func (r Reference) resource(project, version string) string {
	return fmt.Sprintf("projects/%s/secrets/%s/versions/%s", project, r.Name, version)
}
