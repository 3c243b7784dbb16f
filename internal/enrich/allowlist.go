package enrich

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dhyeysanghvi15/autotriage-soar-dashboard/internal/alert"
)

// Allowlist reports whether an entity appears on the operator-maintained
// allowlists (data/allowlists.yml). Keys are prefixed with the entity class
// ("ip:", "domain:", "user:", "host:").
type Allowlist struct {
	ips     map[string]struct{}
	domains map[string]struct{}
	users   map[string]struct{}
	hosts   map[string]struct{}
}

// NewAllowlist loads allowlists.yml from the data directory.
func NewAllowlist(dataDir string) (*Allowlist, error) {
	path := filepath.Join(dataDir, "allowlists.yml")
	data, err := os.ReadFile(path) //nolint:gosec // path is from operator config
	if err != nil {
		return nil, fmt.Errorf("allowlist: %w", err)
	}
	var doc struct {
		IPs     []string `yaml:"ips"`
		Domains []string `yaml:"domains"`
		Users   []string `yaml:"users"`
		Hosts   []string `yaml:"hosts"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("allowlist: parse %s: %w", path, err)
	}
	a := &Allowlist{
		ips:     toSet(doc.IPs, false),
		domains: toSet(doc.Domains, true),
		users:   toSet(doc.Users, false),
		hosts:   toSet(doc.Hosts, false),
	}
	return a, nil
}

func (a *Allowlist) Name() string { return "allowlist" }

func (a *Allowlist) Params() Params {
	return Params{TTL: 24 * time.Hour, RatePerMinute: 600}
}

func (a *Allowlist) Keys(al *alert.Alert) []string {
	seen := map[string]struct{}{}
	for _, e := range al.Entities {
		switch e.Type {
		case alert.EntitySrcIP, alert.EntityDstIP:
			seen["ip:"+e.Value] = struct{}{}
		case alert.EntityDomain:
			seen["domain:"+strings.ToLower(e.Value)] = struct{}{}
		case alert.EntityUser:
			seen["user:"+e.Value] = struct{}{}
		case alert.EntityHost:
			seen["host:"+e.Value] = struct{}{}
		}
	}
	return sortedKeys(seen)
}

func (a *Allowlist) EnrichOne(_ context.Context, key string) (map[string]any, error) {
	prefix, value, ok := strings.Cut(key, ":")
	if !ok {
		return nil, nil
	}
	var listed bool
	switch prefix {
	case "ip":
		_, listed = a.ips[value]
	case "domain":
		_, listed = a.domains[strings.ToLower(value)]
	case "user":
		_, listed = a.users[value]
	case "host":
		_, listed = a.hosts[value]
	default:
		return nil, nil
	}
	return map[string]any{"allowlisted": listed}, nil
}

func toSet(values []string, lower bool) map[string]struct{} {
	out := make(map[string]struct{}, len(values))
	for _, v := range values {
		if v == "" {
			continue
		}
		if lower {
			v = strings.ToLower(v)
		}
		out[v] = struct{}{}
	}
	return out
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
