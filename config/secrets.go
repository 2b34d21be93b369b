package config

import (
	"context"
	"fmt"
	"os"
	"reflect"
	"regexp"
	"strings"
)

// SecretProvider resolves secret references for a given scheme.
type SecretProvider interface {
	Scheme() string
	Resolve(ctx context.Context, reference string) (string, error)
}

// SecretRegistry manages named SecretProviders.
type SecretRegistry struct {
	providers map[string]SecretProvider
}

// NewSecretRegistry creates a registry with the env and file providers.
func NewSecretRegistry() *SecretRegistry {
	r := &SecretRegistry{providers: make(map[string]SecretProvider)}
	r.Register(&EnvProvider{})
	r.Register(&FileProvider{})
	return r
}

// Register adds a provider, replacing any provider for the same scheme.
func (r *SecretRegistry) Register(p SecretProvider) {
	r.providers[p.Scheme()] = p
}

// Resolve looks up the provider for scheme and delegates resolution.
func (r *SecretRegistry) Resolve(ctx context.Context, scheme, reference string) (string, error) {
	p, ok := r.providers[scheme]
	if !ok {
		return "", fmt.Errorf("unknown secret provider scheme %q", scheme)
	}
	return p.Resolve(ctx, reference)
}

// EnvProvider resolves ${env:NAME} references.
type EnvProvider struct{}

func (p *EnvProvider) Scheme() string { return "env" }

func (p *EnvProvider) Resolve(_ context.Context, ref string) (string, error) {
	val, ok := os.LookupEnv(ref)
	if !ok {
		return "", fmt.Errorf("environment variable %q not set", ref)
	}
	return val, nil
}

// FileProvider resolves ${file:/path} references, typically mounted keys.
type FileProvider struct {
	// AllowedPrefixes restricts readable paths. Empty allows all paths.
	AllowedPrefixes []string
}

func (p *FileProvider) Scheme() string { return "file" }

func (p *FileProvider) Resolve(_ context.Context, ref string) (string, error) {
	if ref == "" {
		return "", fmt.Errorf("file path is empty")
	}
	if len(p.AllowedPrefixes) > 0 {
		allowed := false
		for _, prefix := range p.AllowedPrefixes {
			if strings.HasPrefix(ref, prefix) {
				allowed = true
				break
			}
		}
		if !allowed {
			return "", fmt.Errorf("file path %q not under any allowed prefix", ref)
		}
	}
	data, err := os.ReadFile(ref)
	if err != nil {
		return "", fmt.Errorf("reading secret file %q: %w", ref, err)
	}
	return strings.TrimRight(string(data), " \t\r\n"), nil
}

// secretRefPattern matches a full-string reference: ${scheme:reference}
var secretRefPattern = regexp.MustCompile(`^\$\{([a-z][a-z0-9]*):(.+)\}$`)

// ResolveSecrets replaces every ${scheme:ref} string in cfg with the
// provider's value.
func ResolveSecrets(ctx context.Context, cfg *Config, registry *SecretRegistry) error {
	var resolveErr error
	walkStrings(reflect.ValueOf(cfg).Elem(), "", func(val string, path string, _ reflect.StructTag) (string, bool) {
		if resolveErr != nil {
			return "", false
		}
		m := secretRefPattern.FindStringSubmatch(val)
		if m == nil {
			return "", false
		}
		resolved, err := registry.Resolve(ctx, m[1], m[2])
		if err != nil {
			resolveErr = fmt.Errorf("secret resolution failed for %s (${%s:%s}): %w", path, m[1], m[2], err)
			return "", false
		}
		return resolved, true
	})
	return resolveErr
}

// walkStrings visits every non-empty string reachable through struct fields
// and map[string]string values. fn returns the replacement and whether to
// apply it. Map values inherit the tag of the map field.
func walkStrings(v reflect.Value, path string, fn func(val, path string, tag reflect.StructTag) (string, bool)) {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		f := v.Field(i)
		sf := t.Field(i)
		if !f.CanSet() {
			continue
		}
		fieldPath := sf.Name
		if path != "" {
			fieldPath = path + "." + sf.Name
		}

		switch f.Kind() {
		case reflect.String:
			if f.String() == "" {
				continue
			}
			if nv, ok := fn(f.String(), fieldPath, sf.Tag); ok {
				f.SetString(nv)
			}
		case reflect.Struct:
			walkStrings(f, fieldPath, fn)
		case reflect.Map:
			if f.IsNil() || f.Type().Key().Kind() != reflect.String || f.Type().Elem().Kind() != reflect.String {
				continue
			}
			for _, key := range f.MapKeys() {
				val := f.MapIndex(key).String()
				if val == "" {
					continue
				}
				if nv, ok := fn(val, fieldPath+"["+key.String()+"]", sf.Tag); ok {
					f.SetMapIndex(key, reflect.ValueOf(nv))
				}
			}
		}
	}
}
