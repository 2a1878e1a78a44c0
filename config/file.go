package config

import (
	"bufio"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"
)

// LoadFile reads a forkwallet.conf file of "key = value" lines. Blank
// lines and lines starting with # are skipped and one level of matching
// quotes around a value is removed. A missing file yields no values.
func LoadFile(path string) (map[string]string, error) {
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	values := make(map[string]string)
	sc := bufio.NewScanner(f)
	for n := 1; sc.Scan(); n++ {
		line := strings.TrimSpace(sc.Text())
		if line == "" || line[0] == '#' {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			return nil, fmt.Errorf("%s:%d: expected key = value", path, n)
		}
		values[strings.TrimSpace(key)] = unquote(strings.TrimSpace(value))
	}
	return values, sc.Err()
}

func unquote(v string) string {
	if len(v) >= 2 && (v[0] == '"' || v[0] == '\'') && v[len(v)-1] == v[0] {
		return v[1 : len(v)-1]
	}
	return v
}

// ApplyFileConfig sets the fields of cfg whose conf tag matches a key in
// values. Keys that match no field are ignored so that newer config files
// still load.
func ApplyFileConfig(cfg *Config, values map[string]string) error {
	fields := confFields(reflect.ValueOf(cfg).Elem())
	for key, raw := range values {
		f, ok := fields[key]
		if !ok {
			continue
		}
		if err := f.set(raw); err != nil {
			return fmt.Errorf("config key %q: %w", key, err)
		}
	}
	return nil
}

type confField struct {
	v     reflect.Value
	lower bool
}

// confFields indexes the settable fields of v, and of its nested structs,
// by conf tag. A ",lower" option lowercases the value before it is set.
func confFields(v reflect.Value) map[string]confField {
	out := make(map[string]confField)
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		sf, fv := t.Field(i), v.Field(i)
		tag, hasTag := sf.Tag.Lookup("conf")
		if !hasTag {
			if fv.Kind() == reflect.Struct && sf.Type != durationType {
				for k, f := range confFields(fv) {
					out[k] = f
				}
			}
			continue
		}
		name, opt, _ := strings.Cut(tag, ",")
		out[name] = confField{v: fv, lower: opt == "lower"}
	}
	return out
}

var (
	durationType    = reflect.TypeOf(time.Duration(0))
	stringSliceType = reflect.TypeOf([]string(nil))
)

func (f confField) set(raw string) error {
	if f.lower {
		raw = strings.ToLower(raw)
	}
	switch {
	case f.v.Type() == durationType:
		d, err := time.ParseDuration(raw)
		if err != nil {
			return err
		}
		f.v.SetInt(int64(d))
	case f.v.Type() == stringSliceType:
		f.v.Set(reflect.ValueOf(parseStringList(raw)))
	default:
		switch f.v.Kind() {
		case reflect.String:
			f.v.SetString(raw)
		case reflect.Bool:
			f.v.SetBool(parseBool(raw))
		case reflect.Int, reflect.Int64:
			n, err := strconv.ParseInt(raw, 10, f.v.Type().Bits())
			if err != nil {
				return err
			}
			f.v.SetInt(n)
		case reflect.Uint32, reflect.Uint64:
			n, err := strconv.ParseUint(raw, 10, f.v.Type().Bits())
			if err != nil {
				return err
			}
			f.v.SetUint(n)
		default:
			return fmt.Errorf("unsupported field type %s", f.v.Type())
		}
	}
	return nil
}

func parseBool(s string) bool {
	switch strings.ToLower(s) {
	case "true", "1", "yes", "on":
		return true
	}
	return false
}

// parseStringList splits a comma-separated list, dropping empty items.
func parseStringList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

const defaultConfigTemplate = `# forkwallet client configuration
#
# Address format, sighash fork bit and message magic are fixed per
# network and cannot be changed here.

network = %[1]s

## Indexing servers
# Multiaddrs tried in order on failover. Transports: /tcp/<port>,
# /tcp/<port>/tls, /tcp/<port>/ws and /tcp/<port>/wss.
servers = %[2]s

# protocol.timeout = 30s
# protocol.poll_interval = 30s
# protocol.reconnect_attempts = 5
# protocol.backoff_initial = 1s
# protocol.backoff_max = 30s
# protocol.ping_interval = 60s

## Wallet
wallet.name = default
wallet.gap_limit = 20
wallet.min_confirmations = 1
# wallet.allow_unconfirmed = false

# Absolute fee in flat mode, satoshis per estimated byte in sized mode.
wallet.fee = 1000
wallet.fee_mode = flat

# auto, best_fit, oldest_first or consolidate_dust
wallet.strategy = auto
wallet.max_inputs = 500

# Hold inputs of a pending send out of other selections.
# wallet.reserve_inflight = true
# wallet.reserve_ttl = 10m

## Logging
log.level = info
# log.file =
log.json = false
`

// WriteDefaultConfig writes a commented config file for network.
func WriteDefaultConfig(path string, network NetworkType) error {
	servers := strings.Join(NetworkParams(network).DefaultServers, ",")
	return os.WriteFile(path, []byte(fmt.Sprintf(defaultConfigTemplate, network, servers)), 0o600)
}
