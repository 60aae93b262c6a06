package config

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultEnvPrefix is used by ApplyEnv when no prefix is given.
const DefaultEnvPrefix = "MMATE_RABBITMQ"

// LoadFile reads a YAML document and binds it to Properties. Nested maps are
// flattened into dotted keys. When prefix is non-empty only keys below it are
// bound (e.g. prefix "rabbitmq" binds "rabbitmq.host" as "host").
func LoadFile(path, prefix string) (*Properties, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data, prefix)
}

// Parse binds an in-memory YAML document, see LoadFile.
func Parse(data []byte, prefix string) (*Properties, error) {
	var doc map[string]interface{}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	flat := make(map[string]string)
	if err := flatten("", doc, flat); err != nil {
		return nil, err
	}

	if prefix != "" {
		prefix = strings.TrimSuffix(prefix, ".") + "."
		scoped := make(map[string]string)
		for k, v := range flat {
			if strings.HasPrefix(k, prefix) {
				scoped[strings.TrimPrefix(k, prefix)] = v
			}
		}
		flat = scoped
	}
	return FromMap(flat)
}

func flatten(prefix string, node interface{}, out map[string]string) error {
	switch v := node.(type) {
	case map[string]interface{}:
		for k, child := range v {
			if err := flatten(join(prefix, k), child, out); err != nil {
				return err
			}
		}
	case []interface{}:
		parts := make([]string, 0, len(v))
		for _, item := range v {
			parts = append(parts, fmt.Sprint(item))
		}
		out[prefix] = strings.Join(parts, ",")
	case nil:
		// explicit null leaves the key unset
	default:
		if prefix == "" {
			return fmt.Errorf("config: scalar document root is not supported")
		}
		out[prefix] = fmt.Sprint(v)
	}
	return nil
}

func join(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + "." + key
}

// EnvName returns the environment variable consulted for key, for example
// cache.channel.checkoutTimeout -> MMATE_RABBITMQ_CACHE_CHANNEL_CHECKOUTTIMEOUT.
func EnvName(prefix, key string) string {
	if prefix == "" {
		prefix = DefaultEnvPrefix
	}
	return prefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
}

// ApplyEnv overlays every recognized key found through lookup (normally
// os.LookupEnv) onto p.
func (p *Properties) ApplyEnv(prefix string, lookup func(string) (string, bool)) error {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	for _, key := range Keys() {
		if v, ok := lookup(EnvName(prefix, key)); ok {
			if err := p.Set(key, v); err != nil {
				return err
			}
		}
	}
	return nil
}

// Overlay applies every key of values onto p, in sorted key order.
func (p *Properties) Overlay(values map[string]string) error {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := p.Set(k, values[k]); err != nil {
			return err
		}
	}
	return nil
}
